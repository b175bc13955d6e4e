// Package config loads certmanager settings from a YAML file, CERTMANAGER_*
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// CERTMANAGER_STORE_PASSPHRASE.
const EnvPrefix = "CERTMANAGER"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendBbolt    = "bbolt"
	BackendPostgres = "postgres"
)

var (
	// ErrUnknownBackend is returned by Validate for an unsupported store backend.
	ErrUnknownBackend = errors.New("unknown store backend")
	// ErrMissingSetting is returned by Validate when a backend requirement is unset.
	ErrMissingSetting = errors.New("missing required setting")
)

// Config is the full runtime configuration.
type Config struct {
	Server  Server  `mapstructure:"server" yaml:"server"`
	Store   Store   `mapstructure:"store" yaml:"store"`
	Manager Manager `mapstructure:"manager" yaml:"manager"`
}

// Server configures the HTTP listener.
type Server struct {
	Addr    string `mapstructure:"addr" yaml:"addr"`
	TLSCert string `mapstructure:"tls_cert" yaml:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key" yaml:"tls_key"`
}

// Store selects and configures the entity store.
type Store struct {
	Backend    string `mapstructure:"backend" yaml:"backend"`
	Path       string `mapstructure:"path" yaml:"path"`
	DSN        string `mapstructure:"dsn" yaml:"dsn"`
	Namespace  string `mapstructure:"namespace" yaml:"namespace"`
	Passphrase string `mapstructure:"passphrase" yaml:"-"`
}

// Manager holds the certificate manager settings.
type Manager struct {
	ScrubSensitiveData bool   `mapstructure:"scrub_sensitive_data" yaml:"scrub_sensitive_data"`
	MaxLifetimeDays    int    `mapstructure:"max_lifetime_days" yaml:"max_lifetime_days"`
	Workers            int    `mapstructure:"workers" yaml:"workers"`
	ActiveHolder       string `mapstructure:"active_holder" yaml:"active_holder"`
}

var defaults = map[string]any{
	"server.addr":                  ":8443",
	"server.tls_cert":              "",
	"server.tls_key":               "",
	"store.backend":                BackendBbolt,
	"store.path":                   "./data/certmanager.db",
	"store.dsn":                    "",
	"store.namespace":              "certmanager",
	"store.passphrase":             "",
	"manager.scrub_sensitive_data": true,
	"manager.max_lifetime_days":    12000,
	"manager.workers":              0,
	"manager.active_holder":        "webConfigurator",
}

// New returns a viper instance with defaults and environment binding set
// up. Every key has a default so AutomaticEnv overrides survive Unmarshal.
// Flags are bound separately with BindFlags.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags maps flag names to config keys, e.g. {"addr": "server.addr"}.
// Flags that were not registered are ignored.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for name, key := range keys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the config file at path (if non-empty) into v and decodes the
// result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// Validate checks backend-specific requirements.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendBbolt:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path for the bbolt backend", ErrMissingSetting)
		}
	case BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: store.dsn for the postgres backend", ErrMissingSetting)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Store.Backend)
	}
	if c.Store.Passphrase == "" {
		return fmt.Errorf("%w: store.passphrase", ErrMissingSetting)
	}
	if c.Manager.MaxLifetimeDays <= 0 {
		return fmt.Errorf("manager.max_lifetime_days must be positive, got %d", c.Manager.MaxLifetimeDays)
	}
	if c.Manager.Workers < 0 {
		return fmt.Errorf("manager.workers must not be negative, got %d", c.Manager.Workers)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("%w: server.tls_cert and server.tls_key must be set together", ErrMissingSetting)
	}
	return nil
}
