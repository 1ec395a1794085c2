package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/devportal/internal/audit"
	"github.com/breeze-rmm/devportal/internal/portalsim"
	"github.com/breeze-rmm/devportal/pkg/portal"
)

const (
	testApp = "App"
	testPkg = "Contoso.Game_1.0.0.0_x64__8wekyb3d8bbwe"
)

type cliEnv struct {
	sim       *portalsim.Server
	url       string
	dir       string
	auditFile string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("DEVPORTAL_AUDIT_FILE", filepath.Join(dir, "audit.jsonl"))
	t.Setenv("DEVPORTAL_LOG_LEVEL", "error")

	sim := portalsim.New(portalsim.Options{Username: "admin", Password: "pw", RequireCSRF: true})
	sim.Install(testApp, testPkg)
	srv := httptest.NewServer(sim)
	t.Cleanup(srv.Close)

	return &cliEnv{sim: sim, url: srv.URL, dir: dir, auditFile: filepath.Join(dir, "audit.jsonl")}
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--device", e.url, "--user", "admin", "--password", "pw"}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func TestLaunchPrintsProcessID(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "app", "launch", testApp, testPkg)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if !strings.Contains(out, "as process 4000") {
		t.Fatalf("output = %q", out)
	}

	out, err = env.run(t, "-o", "json", "app", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var apps []string
	if err := json.Unmarshal([]byte(out), &apps); err != nil {
		t.Fatalf("list output %q: %v", out, err)
	}
	if len(apps) != 1 || apps[0] != testPkg {
		t.Fatalf("apps = %v", apps)
	}
}

func TestListSuspendedAndRunning(t *testing.T) {
	env := newCLIEnv(t)
	if _, err := env.run(t, "app", "launch", testApp, testPkg); err != nil {
		t.Fatal(err)
	}
	env.sim.Suspend(testPkg)

	out, err := env.run(t, "app", "list")
	if err != nil {
		t.Fatal(err)
	}
	if out != "" {
		t.Fatalf("running list = %q, want empty", out)
	}

	out, err = env.run(t, "app", "list", "--state", "suspended")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != testPkg {
		t.Fatalf("suspended list = %q", out)
	}

	out, err = env.run(t, "-o", "yaml", "app", "running")
	if err != nil {
		t.Fatal(err)
	}
	var apps []string
	if err := yaml.Unmarshal([]byte(out), &apps); err != nil {
		t.Fatal(err)
	}
	if len(apps) != 1 || apps[0] != testPkg {
		t.Fatalf("running apps = %v", apps)
	}
}

func TestTerminateWritesAuditTrail(t *testing.T) {
	env := newCLIEnv(t)
	if _, err := env.run(t, "app", "launch", testApp, testPkg); err != nil {
		t.Fatal(err)
	}

	out, err := env.run(t, "app", "terminate", testPkg)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if !strings.Contains(out, "Terminated "+testPkg) {
		t.Fatalf("output = %q", out)
	}
	if n := len(env.sim.Snapshot().Processes); n != 0 {
		t.Fatalf("processes after terminate = %d", n)
	}

	f, err := os.Open(env.auditFile)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	n, err := audit.Verify(f)
	if err != nil {
		t.Fatalf("audit verify: %v", err)
	}
	if n != 2 {
		t.Fatalf("audit entries = %d, want launch and terminate", n)
	}

	out, err = env.run(t, "audit", "verify")
	if err != nil {
		t.Fatalf("audit verify command: %v", err)
	}
	if !strings.Contains(out, "2 entries verified") {
		t.Fatalf("audit verify output = %q", out)
	}
}

func TestTerminateReportsEveryFailure(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "app", "terminate", "Missing.One", testPkg, "Missing.Two")
	if err == nil {
		t.Fatal("expected an error for uninstalled packages")
	}
	if !errors.Is(err, portal.ErrRequestFailed) {
		t.Fatalf("err = %v, want ErrRequestFailed", err)
	}
	if !strings.Contains(err.Error(), "Missing.One") || !strings.Contains(err.Error(), "Missing.Two") {
		t.Fatalf("err = %v, want both failures", err)
	}
	if exitCode(err) != 2 {
		t.Fatalf("exit code = %d, want 2", exitCode(err))
	}
}

func TestLaunchEmptyArgumentSendsNothing(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "app", "launch", "", testPkg)
	if !errors.Is(err, portal.ErrEmptyArgument) {
		t.Fatalf("err = %v, want ErrEmptyArgument", err)
	}
	if exitCode(err) != 1 {
		t.Fatalf("exit code = %d, want 1", exitCode(err))
	}
	for _, r := range env.sim.Requests() {
		if r.Method != "GET" {
			t.Fatalf("unexpected %s %s", r.Method, r.Path)
		}
	}
}

func TestProcessesAndInfo(t *testing.T) {
	env := newCLIEnv(t)
	env.sim.AddProcess(portal.DeviceProcessInfo{ProcessID: 4, ImageName: "System", IsRunning: true})

	out, err := env.run(t, "processes")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "PID") || !strings.Contains(out, "System") {
		t.Fatalf("processes output = %q", out)
	}

	out, err = env.run(t, "info")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "DEVPORTAL-SIM") {
		t.Fatalf("info output = %q", out)
	}
}

func TestLoginSavesConfig(t *testing.T) {
	env := newCLIEnv(t)
	cfgFile := filepath.Join(env.dir, "devportal.yaml")

	out, err := env.run(t, "--config", cfgFile, "login", "--check")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(out, "Saved credentials") {
		t.Fatalf("login output = %q", out)
	}

	info, err := os.Stat(cfgFile)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("config mode = %o, want 600", perm)
	}

	var stdout bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfgFile, "info"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("info with saved config: %v", err)
	}
}

func TestLoginAcceptsBareHostPort(t *testing.T) {
	env := newCLIEnv(t)
	cfgFile := filepath.Join(env.dir, "devportal.yaml")

	if _, err := env.run(t, "--config", cfgFile, "--device", "10.0.0.5:11443", "login"); err != nil {
		t.Fatalf("login with bare host:port: %v", err)
	}
	data, err := os.ReadFile(cfgFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "10.0.0.5:11443") {
		t.Fatalf("saved config = %q", data)
	}
}

func TestMissingDeviceIsRejected(t *testing.T) {
	newCLIEnv(t)

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"app", "list"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "device address required") {
		t.Fatalf("err = %v", err)
	}
}

func TestUnknownOutputFormat(t *testing.T) {
	env := newCLIEnv(t)
	if _, err := env.run(t, "-o", "xml", "app", "list"); err == nil {
		t.Fatal("expected error for unknown output format")
	}
}
