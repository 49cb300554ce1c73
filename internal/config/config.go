// Package config loads and validates the edgekvd configuration file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

var (
	ErrInvalidSecurityMode = errors.New("config: invalid security mode")
	ErrTLSRequired         = errors.New("config: tls required")
	ErrMTLSRequired        = errors.New("config: mtls required")
	ErrTLSCertFileRequired = errors.New("config: tls cert file required")
	ErrTLSKeyFileRequired  = errors.New("config: tls key file required")
	ErrTLSCAFileRequired   = errors.New("config: tls ca file required")
	ErrInvalidAddr         = errors.New("config: invalid listen address")
	ErrDuplicateListener   = errors.New("config: duplicate listener")
)

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// Duration decodes TOML strings such as "90s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Mutual   bool   `toml:"mutual"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	CAFile   string `toml:"ca_file"`
}

type ListenerConfig struct {
	Name     string    `toml:"name" validate:"required,alphanum"`
	Addr     string    `toml:"addr" validate:"required"`
	MaxConns int       `toml:"max_conns" validate:"gte=0"`
	Compress bool      `toml:"compress"`
	TLS      TLSConfig `toml:"tls"`
}

type LimitsConfig struct {
	MaxLine          int     `toml:"max_line" validate:"gte=64,lte=1048576"`
	MaxPending       int     `toml:"max_pending" validate:"gte=1"`
	MaxSendQ         int     `toml:"max_sendq" validate:"gte=1024"`
	MaxReadPerEvent  int     `toml:"max_read_per_event" validate:"gte=512"`
	MaxIovecs        int     `toml:"max_iovecs" validate:"gte=1,lte=1024"`
	FloodRate        float64 `toml:"flood_rate" validate:"gte=0"`
	FloodBurst       int     `toml:"flood_burst" validate:"gte=0"`
	MaxSubscriptions int     `toml:"max_subscriptions" validate:"gte=0"`
	KeysLimit        int     `toml:"keys_limit" validate:"gte=1"`
	MaxFrame         int     `toml:"max_frame" validate:"gte=1024"`
}

type TimeoutsConfig struct {
	KeepAliveInterval   Duration `toml:"keepalive_interval"`
	PingTimeout         Duration `toml:"ping_timeout"`
	RegistrationTimeout Duration `toml:"registration_timeout"`
	ShutdownGrace       Duration `toml:"shutdown_grace"`
	Housekeeping        Duration `toml:"housekeeping"`
}

type StorageConfig struct {
	Backend    string   `toml:"backend" validate:"oneof=badger memory"`
	Path       string   `toml:"path" validate:"required_if=Backend badger"`
	SyncWrites bool     `toml:"sync_writes"`
	GCInterval Duration `toml:"gc_interval"`
}

type AuthConfig struct {
	AccountsFile string `toml:"accounts_file" validate:"required"`
	Watch        bool   `toml:"watch"`
}

type WorkersConfig struct {
	Count     int `toml:"count" validate:"gte=1,lte=1024"`
	QueueSize int `toml:"queue_size" validate:"gte=1"`
}

type AdminConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

type LoggingConfig struct {
	Level string `toml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	JSON  bool   `toml:"json"`
}

type TracingConfig struct {
	Enabled bool `toml:"enabled"`
	// Pretty prints spans on stdout instead of compact JSON.
	Pretty bool `toml:"pretty"`
}

// Config is the whole edgekvd file.
type Config struct {
	Name         string            `toml:"name" validate:"required"`
	SecurityMode SecurityMode      `toml:"security_mode"`
	Listeners    []ListenerConfig  `toml:"listener" validate:"required,min=1,dive"`
	Limits       LimitsConfig      `toml:"limits"`
	Timeouts     TimeoutsConfig    `toml:"timeouts"`
	Storage      StorageConfig     `toml:"storage"`
	Auth         AuthConfig        `toml:"auth"`
	Workers      WorkersConfig     `toml:"workers"`
	Admin        AdminConfig       `toml:"admin"`
	Aliases      map[string]string `toml:"aliases"`
	Logging      LoggingConfig     `toml:"logging"`
	Tracing      TracingConfig     `toml:"tracing"`
}

func Default() Config {
	return Config{
		Name:         "edgekv",
		SecurityMode: SecurityModeDevelopment,
		Limits: LimitsConfig{
			MaxLine:          4096,
			MaxPending:       256,
			MaxSendQ:         1 << 20,
			MaxReadPerEvent:  64 * 1024,
			MaxIovecs:        64,
			FloodBurst:       20,
			MaxSubscriptions: 128,
			KeysLimit:        1000,
			MaxFrame:         256 * 1024,
		},
		Timeouts: TimeoutsConfig{
			KeepAliveInterval:   Duration{90 * time.Second},
			PingTimeout:         Duration{30 * time.Second},
			RegistrationTimeout: Duration{30 * time.Second},
			ShutdownGrace:       Duration{5 * time.Second},
			Housekeeping:        Duration{time.Second},
		},
		Storage: StorageConfig{
			Backend:    "badger",
			Path:       "data",
			SyncWrites: true,
			GCInterval: Duration{5 * time.Minute},
		},
		Auth:    AuthConfig{AccountsFile: "accounts.toml", Watch: true},
		Workers: WorkersConfig{Count: 4, QueueSize: 256},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML over Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	cfg.normalize()
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Name = strings.TrimSpace(c.Name)
	c.SecurityMode = NormalizeSecurityMode(c.SecurityMode)
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	for i := range c.Listeners {
		l := &c.Listeners[i]
		l.Name = strings.TrimSpace(l.Name)
		l.Addr = strings.TrimSpace(l.Addr)
	}
	if len(c.Aliases) > 0 {
		out := make(map[string]string, len(c.Aliases))
		for k, v := range c.Aliases {
			out[strings.ToUpper(strings.TrimSpace(k))] = strings.ToUpper(strings.TrimSpace(v))
		}
		c.Aliases = out
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs struct tags, then the cross-field rules tags cannot express.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	switch cfg.SecurityMode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, cfg.SecurityMode)
	}
	seen := make(map[string]struct{}, len(cfg.Listeners))
	for i, l := range cfg.Listeners {
		if _, dup := seen[l.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateListener, l.Name)
		}
		seen[l.Name] = struct{}{}
		if err := validateAddr(l.Addr); err != nil {
			return fmt.Errorf("listener[%d] %q: %w", i, l.Name, err)
		}
		if err := ValidateListenerTLS(cfg.SecurityMode, l.TLS); err != nil {
			return fmt.Errorf("listener[%d] %q: %w", i, l.Name, err)
		}
	}
	if cfg.Admin.Addr != "" {
		if err := validateAddr(cfg.Admin.Addr); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
	}
	t := cfg.Timeouts
	for name, d := range map[string]time.Duration{
		"keepalive_interval":   t.KeepAliveInterval.Duration,
		"ping_timeout":         t.PingTimeout.Duration,
		"registration_timeout": t.RegistrationTimeout.Duration,
		"shutdown_grace":       t.ShutdownGrace.Duration,
		"housekeeping":         t.Housekeeping.Duration,
	} {
		if d < 0 {
			return fmt.Errorf("config invalid: timeouts.%s is negative", name)
		}
	}
	return nil
}

func validateAddr(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidAddr, addr, err)
	}
	return nil
}

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

// ValidateListenerTLS applies the security mode to one listener. Production
// requires mutual TLS everywhere.
func ValidateListenerTLS(mode SecurityMode, tls TLSConfig) error {
	if NormalizeSecurityMode(mode) == SecurityModeProduction {
		if !tls.Enabled {
			return ErrTLSRequired
		}
		if !tls.Mutual {
			return ErrMTLSRequired
		}
	}
	if tls.Mutual && !tls.Enabled {
		return ErrTLSRequired
	}
	if tls.Enabled {
		if strings.TrimSpace(tls.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(tls.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	if tls.Mutual && strings.TrimSpace(tls.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}
