package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/devportal/internal/logging"
	"github.com/breeze-rmm/devportal/internal/portalsim"
)

var log = logging.L("sim")

type simFlags struct {
	listen         string
	username       string
	password       string
	requireCSRF    bool
	seedLocal      bool
	install        []string
	tlsCert        string
	tlsKey         string
	streamInterval time.Duration
	computerName   string
	logLevel       string
	logFormat      string
}

func newRootCmd() *cobra.Command {
	flags := &simFlags{}

	cmd := &cobra.Command{
		Use:          "devportal-sim",
		Short:        "Run a local device portal emulator",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.listen, "listen", "127.0.0.1:11443", "address to listen on")
	f.StringVar(&flags.username, "user", "", "basic auth username (auth disabled when user and password are empty)")
	f.StringVar(&flags.password, "password", "", "basic auth password")
	f.BoolVar(&flags.requireCSRF, "require-csrf", true, "reject POST and DELETE without a matching X-CSRF-Token header")
	f.BoolVar(&flags.seedLocal, "seed-local", false, "populate the process table from this host's processes")
	f.StringArrayVar(&flags.install, "install", nil, "register an installed application as appid=package (repeatable)")
	f.StringVar(&flags.tlsCert, "tls-cert", "", "serve https with this certificate")
	f.StringVar(&flags.tlsKey, "tls-key", "", "private key for --tls-cert")
	f.DurationVar(&flags.streamInterval, "stream-interval", time.Second, "delay between websocket process snapshots")
	f.StringVar(&flags.computerName, "computer-name", "", "computer name reported by api/os/info")
	f.StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	f.StringVar(&flags.logFormat, "log-format", "text", "log format: text or json")

	return cmd
}

func parseInstall(value string) (string, string, error) {
	appID, packageName, ok := strings.Cut(value, "=")
	if !ok || appID == "" || packageName == "" {
		return "", "", fmt.Errorf("invalid --install %q, want appid=package", value)
	}
	return appID, packageName, nil
}

func run(ctx context.Context, flags *simFlags) error {
	logging.Init(flags.logFormat, flags.logLevel, os.Stderr)

	if (flags.tlsCert == "") != (flags.tlsKey == "") {
		return errors.New("--tls-cert and --tls-key must be set together")
	}

	sim := portalsim.New(portalsim.Options{
		Username:       flags.username,
		Password:       flags.password,
		RequireCSRF:    flags.requireCSRF,
		StreamInterval: flags.streamInterval,
		ComputerName:   flags.computerName,
	})
	for _, value := range flags.install {
		appID, pkg, err := parseInstall(value)
		if err != nil {
			return err
		}
		sim.Install(appID, pkg)
	}
	if flags.seedLocal {
		n, err := sim.SeedLocal(ctx)
		if err != nil {
			return fmt.Errorf("failed to read local processes: %w", err)
		}
		log.Info("seeded process table from host", "count", n)
	}

	ln, err := net.Listen("tcp", flags.listen)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           sim,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if flags.tlsCert != "" {
			log.Info("device portal emulator listening", "addr", ln.Addr().String(), "tls", true)
			errCh <- srv.ServeTLS(ln, flags.tlsCert, flags.tlsKey)
			return
		}
		log.Info("device portal emulator listening", "addr", ln.Addr().String(), "tls", false)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down emulator")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
