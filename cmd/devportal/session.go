package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/breeze-rmm/devportal/internal/audit"
	"github.com/breeze-rmm/devportal/internal/config"
	"github.com/breeze-rmm/devportal/internal/httputil"
	"github.com/breeze-rmm/devportal/internal/logging"
	"github.com/breeze-rmm/devportal/internal/mtls"
	"github.com/breeze-rmm/devportal/pkg/portal"
)

type globalFlags struct {
	cfgFile  string
	device   string
	username string
	password string
	output   string
	logLevel string

	// optionalConfig tolerates a missing --config file.
	optionalConfig bool
}

// session is everything a command needs to talk to one device.
type session struct {
	cfg    *config.Config
	client *portal.Client
	tm     *portal.TaskManager
	audit  *audit.Logger
	device string

	closers []io.Closer
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	load := config.Load
	if flags.optionalConfig {
		load = config.LoadOptional
	}
	cfg, err := load(flags.cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flags.device != "" {
		cfg.DeviceURL = flags.device
	}
	if flags.username != "" {
		cfg.Username = flags.username
	}
	if flags.password != "" {
		cfg.Password = flags.password
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		return nil, fmt.Errorf("invalid config: %w", errors.Join(result.Fatals...))
	}
	return cfg, nil
}

func newSession(flags *globalFlags, stderr io.Writer) (*session, error) {
	if err := validOutput(flags.output); err != nil {
		return nil, err
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	if cfg.DeviceURL == "" {
		return nil, errors.New("device address required: use --device, DEVPORTAL_DEVICE_URL or 'devportal login'")
	}

	s := &session{cfg: cfg}

	logOut := stderr
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, rw)
		logOut = io.MultiWriter(stderr, rw)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, logOut)

	tlsConfig, err := mtls.BuildTLSConfig(mtls.Options{
		CAFile:             cfg.CACertFile,
		CertFile:           cfg.ClientCertFile,
		KeyFile:            cfg.ClientKeyFile,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	s.client, err = portal.NewClient(portal.Options{
		BaseURL:   cfg.DeviceURL,
		Username:  cfg.Username,
		Password:  cfg.Password,
		TLSConfig: tlsConfig,
		Timeout:   cfg.Timeout(),
		Retry:     httputil.DefaultRetryConfig(cfg.MaxRetries),
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.tm = s.client.TaskManager()
	s.device = s.client.BaseURL()

	if cfg.AuditEnabled {
		s.audit, err = audit.NewLogger(cfg.AuditPath(), 0, 0)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		s.closers = append(s.closers, s.audit)
	}

	return s, nil
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i].Close()
	}
	s.closers = nil
}

// record writes an audit entry for a mutating operation. Audit failures are
// logged and never fail the operation itself.
func (s *session) record(event, operationID string, details map[string]any, opErr error) {
	if opErr != nil {
		details["error"] = opErr.Error()
		details["outcome"] = "failed"
	} else {
		details["outcome"] = "succeeded"
	}
	if err := s.audit.Log(event, operationID, s.device, details); err != nil {
		log.Warn("failed to write audit entry", logging.KeyOperationID, operationID, logging.KeyError, err)
	}
}

func exitCode(err error) int {
	if errors.Is(err, portal.ErrRequestFailed) {
		return 2
	}
	return 1
}

func fail(stderr io.Writer, err error) {
	fmt.Fprintln(stderr, "Error:", err)
	os.Exit(exitCode(err))
}
