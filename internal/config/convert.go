package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/edgekv/internal/storage"
)

var (
	ErrTLSInsecureSkipNotAllowed = errors.New("config: insecure skip verify not allowed")
	ErrTLSCAParse                = errors.New("config: no certificates in ca file")
)

// ClientTLSConfig is the kvctl side of a TLS listener.
type ClientTLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// ServerTLS builds the listener's tls.Config. It returns nil when TLS is off.
func (t TLSConfig) ServerTLS() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: load key pair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if t.Mutual {
		pool, err := loadPool(t.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// ValidateClientTLS applies the security mode to a client connection.
func ValidateClientTLS(mode SecurityMode, c ClientTLSConfig) error {
	mode = NormalizeSecurityMode(mode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, mode)
	}
	if mode == SecurityModeProduction {
		if !c.Enabled {
			return ErrTLSRequired
		}
		if !c.Mutual {
			return ErrMTLSRequired
		}
		if c.InsecureSkipVerify {
			return ErrTLSInsecureSkipNotAllowed
		}
	}
	if c.Mutual && !c.Enabled {
		return ErrTLSRequired
	}
	if c.Enabled && strings.TrimSpace(c.CAFile) == "" && !c.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if c.Mutual {
		if strings.TrimSpace(c.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(c.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

// ClientTLS builds the dialer's tls.Config. It returns nil when TLS is off.
func (c ClientTLSConfig) ClientTLS() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if strings.TrimSpace(c.CAFile) != "" {
		pool, err := loadPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if c.Mutual {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("config: load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w: %s", ErrTLSCAParse, path)
	}
	return pool, nil
}

// Badger maps the storage section onto the badger backend config.
func (s StorageConfig) Badger() storage.BadgerConfig {
	cfg := storage.DefaultBadgerConfig()
	cfg.Path = s.Path
	cfg.SyncWrites = s.SyncWrites
	cfg.GCInterval = s.GCInterval.Duration
	return cfg
}
