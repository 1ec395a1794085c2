package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/breeze-rmm/devportal/internal/logging"
)

var log = logging.L("mtls")

// Options describes how to trust a device and, optionally, how to present a
// client certificate to it. Devices usually serve a self-signed certificate,
// so CAFile pins it as the only trusted root.
type Options struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

// Empty reports whether no TLS customization was requested.
func (o Options) Empty() bool {
	return o.CAFile == "" && o.CertFile == "" && o.KeyFile == "" && !o.InsecureSkipVerify
}

// LoadClientCert parses a PEM-encoded certificate and private key pair.
func LoadClientCert(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse client key pair: %w", err)
	}
	return &cert, nil
}

// LoadCertPool builds a pool holding only the PEM certificates in caPEM.
func LoadCertPool(caPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("no PEM certificates found")
	}
	return pool, nil
}

// BuildTLSConfig returns nil when opts is empty so callers keep the system
// defaults.
func BuildTLSConfig(opts Options) (*tls.Config, error) {
	if opts.Empty() {
		return nil, nil
	}

	if (opts.CertFile == "") != (opts.KeyFile == "") {
		return nil, errors.New("client certificate and key must be configured together")
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if opts.CAFile != "" {
		caPEM, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool, err := LoadCertPool(caPEM)
		if err != nil {
			return nil, fmt.Errorf("CA file %s: %w", opts.CAFile, err)
		}
		cfg.RootCAs = pool
	}

	if opts.CertFile != "" {
		certPEM, err := os.ReadFile(opts.CertFile)
		if err != nil {
			return nil, fmt.Errorf("read client cert: %w", err)
		}
		keyPEM, err := os.ReadFile(opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read client key: %w", err)
		}
		cert, err := LoadClientCert(certPEM, keyPEM)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{*cert}
	}

	if opts.InsecureSkipVerify {
		log.Warn("device certificate verification disabled")
		cfg.InsecureSkipVerify = true
	}

	return cfg, nil
}
