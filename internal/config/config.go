package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DeviceURL             string `mapstructure:"device_url"`
	Username              string `mapstructure:"username"`
	Password              string `mapstructure:"password"`
	CACertFile            string `mapstructure:"ca_cert_file"`
	ClientCertFile        string `mapstructure:"client_cert_file"`
	ClientKeyFile         string `mapstructure:"client_key_file"`
	InsecureSkipVerify    bool   `mapstructure:"insecure_skip_verify"`
	TimeoutSeconds        int    `mapstructure:"timeout_seconds"`
	MaxRetries            int    `mapstructure:"max_retries"`
	MaxConcurrentRequests int    `mapstructure:"max_concurrent_requests"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	AuditEnabled bool   `mapstructure:"audit_enabled"`
	AuditFile    string `mapstructure:"audit_file"`
}

func Default() *Config {
	return &Config{
		TimeoutSeconds:        30,
		MaxConcurrentRequests: 4,
		LogLevel:              "info",
		LogFormat:             "text",
		LogMaxSizeMB:          20,
		LogMaxBackups:         3,
		AuditEnabled:          true,
	}
}

// Timeout returns the per-request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AuditPath returns the configured audit log path, or the default one under
// the data directory.
func (c *Config) AuditPath() string {
	if c.AuditFile != "" {
		return c.AuditFile
	}
	return filepath.Join(DataDir(), "audit.jsonl")
}

// Load reads cfgFile (or devportal.yaml from the config dir / cwd) on top of
// the defaults. A missing default file is not an error.
func Load(cfgFile string) (*Config, error) {
	return load(viper.New(), cfgFile, false)
}

// LoadOptional is Load, except that a missing cfgFile yields the defaults
// plus environment overrides. Used by commands that create the file.
func LoadOptional(cfgFile string) (*Config, error) {
	return load(viper.New(), cfgFile, true)
}

func load(v *viper.Viper, cfgFile string, optional bool) (*Config, error) {
	cfg := Default()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("devportal")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DEVPORTAL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := optional && errors.Is(err, fs.ErrNotExist)
		if !errors.As(err, &notFound) && !missing {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that are
// absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	for key, value := range toMap(cfg) {
		v.SetDefault(key, value)
	}
}

func toMap(cfg *Config) map[string]any {
	return map[string]any{
		"device_url":              cfg.DeviceURL,
		"username":                cfg.Username,
		"password":                cfg.Password,
		"ca_cert_file":            cfg.CACertFile,
		"client_cert_file":        cfg.ClientCertFile,
		"client_key_file":         cfg.ClientKeyFile,
		"insecure_skip_verify":    cfg.InsecureSkipVerify,
		"timeout_seconds":         cfg.TimeoutSeconds,
		"max_retries":             cfg.MaxRetries,
		"max_concurrent_requests": cfg.MaxConcurrentRequests,
		"log_level":               cfg.LogLevel,
		"log_format":              cfg.LogFormat,
		"log_file":                cfg.LogFile,
		"log_max_size_mb":         cfg.LogMaxSizeMB,
		"log_max_backups":         cfg.LogMaxBackups,
		"audit_enabled":           cfg.AuditEnabled,
		"audit_file":              cfg.AuditFile,
	}
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

// SaveTo writes cfg as yaml. The file holds device credentials and is
// restricted to owner access.
func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	for key, value := range toMap(cfg) {
		v.Set(key, value)
	}

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(ConfigDir(), "devportal.yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}
	return os.Chmod(cfgPath, 0600)
}

// ConfigDir is the per-user configuration directory.
func ConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "devportal")
	}
	return "."
}

// DataDir holds the audit log and other state files.
func DataDir() string {
	switch runtime.GOOS {
	case "windows":
		if base := os.Getenv("LOCALAPPDATA"); base != "" {
			return filepath.Join(base, "devportal")
		}
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", "devportal")
		}
	default:
		if base := os.Getenv("XDG_STATE_HOME"); base != "" {
			return filepath.Join(base, "devportal")
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".local", "state", "devportal")
		}
	}
	return filepath.Join(os.TempDir(), "devportal")
}
