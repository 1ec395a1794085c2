package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult splits problems into those that must stop the command and
// those that were corrected or are merely suspicious.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// ValidateTiered checks the config. Out-of-range numeric values are clamped in
// place and reported as warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.DeviceURL != "" {
		raw := strings.TrimSpace(c.DeviceURL)
		if !strings.Contains(raw, "://") {
			// A bare host or host:port is dialed over https.
			raw = "https://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("device_url %q is not a valid URL: %w", c.DeviceURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			r.Fatals = append(r.Fatals, fmt.Errorf("device_url scheme must be http or https, got %q", u.Scheme))
		} else if u.Host == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("device_url %q has no host", c.DeviceURL))
		}
	}

	if hasControl(c.Username) {
		r.Fatals = append(r.Fatals, fmt.Errorf("username contains control characters"))
	}
	if hasControl(c.Password) {
		r.Fatals = append(r.Fatals, fmt.Errorf("password contains control characters"))
	}

	if (c.ClientCertFile == "") != (c.ClientKeyFile == "") {
		r.Fatals = append(r.Fatals, fmt.Errorf("client_cert_file and client_key_file must be set together"))
	}

	if c.InsecureSkipVerify {
		r.Warnings = append(r.Warnings, fmt.Errorf("insecure_skip_verify is enabled; device certificate is not checked"))
	}

	r.clamp("timeout_seconds", &c.TimeoutSeconds, 1, 600)
	r.clamp("max_retries", &c.MaxRetries, 0, 10)
	r.clamp("max_concurrent_requests", &c.MaxConcurrentRequests, 1, 64)
	r.clamp("log_max_size_mb", &c.LogMaxSizeMB, 1, 1024)
	r.clamp("log_max_backups", &c.LogMaxBackups, 1, 50)

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return r
}

func (r *ValidationResult) clamp(key string, v *int, lo, hi int) {
	switch {
	case *v < lo:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, *v, lo))
		*v = lo
	case *v > hi:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, *v, hi))
		*v = hi
	}
}

func hasControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
