package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadOptionalMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DEVPORTAL_USERNAME", "envuser")

	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if cfg.TimeoutSeconds != 30 {
		t.Fatalf("timeout = %d, want default 30", cfg.TimeoutSeconds)
	}
	if cfg.Username != "envuser" {
		t.Fatalf("username = %q, want env override", cfg.Username)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "devportal.yaml")

	cfg := Default()
	cfg.DeviceURL = "https://10.0.0.5:11443"
	cfg.Username = "admin"
	cfg.Password = "secret"
	cfg.MaxRetries = 2
	cfg.AuditEnabled = false

	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("config file mode = %o, want 600", perm)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.DeviceURL != cfg.DeviceURL || loaded.Username != "admin" || loaded.Password != "secret" {
		t.Fatalf("unexpected device settings: %+v", loaded)
	}
	if loaded.MaxRetries != 2 {
		t.Fatalf("MaxRetries = %d, want 2", loaded.MaxRetries)
	}
	if loaded.AuditEnabled {
		t.Fatal("AuditEnabled should round-trip as false")
	}
	if loaded.TimeoutSeconds != 30 {
		t.Fatalf("TimeoutSeconds = %d, want default 30", loaded.TimeoutSeconds)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devportal.yaml")
	if err := os.WriteFile(path, []byte("device_url: https://10.0.0.5\nusername: admin\n"), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DEVPORTAL_USERNAME", "operator")
	t.Setenv("DEVPORTAL_PASSWORD", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Username != "operator" {
		t.Fatalf("Username = %q, want env override", cfg.Username)
	}
	if cfg.Password != "from-env" {
		t.Fatalf("Password = %q, want env value for key absent from file", cfg.Password)
	}
	if cfg.DeviceURL != "https://10.0.0.5" {
		t.Fatalf("DeviceURL = %q", cfg.DeviceURL)
	}
}

func TestAuditPathDefaultsUnderDataDir(t *testing.T) {
	cfg := Default()
	if got, want := cfg.AuditPath(), filepath.Join(DataDir(), "audit.jsonl"); got != want {
		t.Fatalf("AuditPath = %q, want %q", got, want)
	}
	cfg.AuditFile = "/var/log/devportal-audit.jsonl"
	if cfg.AuditPath() != "/var/log/devportal-audit.jsonl" {
		t.Fatalf("AuditPath = %q", cfg.AuditPath())
	}
}
