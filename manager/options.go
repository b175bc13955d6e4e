package manager

import (
	"log/slog"
	"time"

	"github.com/jmcleod/certmanager/internal/util"
	"github.com/jmcleod/certmanager/pki"
)

const (
	// DefaultNamespace is the storage namespace used when none is configured.
	DefaultNamespace = "certmanager"
	// DefaultActiveHolder is the holder recorded for active=true.
	DefaultActiveHolder = "webConfigurator"
)

// Option configures a Manager.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	keygen       pki.KeyGenerator
	now          func() time.Time
	namespace    string
	passphrase   string
	kdfParams    util.Argon2idParams
	workers      int
	activeHolder string
	maxLifetime  int
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithKeyGenerator replaces the software key generator.
func WithKeyGenerator(g pki.KeyGenerator) Option {
	return func(o *options) {
		o.keygen = g
	}
}

// WithClock sets the time source used for validity windows and derived
// lifetimes.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithNamespace selects the storage namespace.
func WithNamespace(ns string) Option {
	return func(o *options) {
		o.namespace = ns
	}
}

// WithPassphrase sets the passphrase the record key is derived from.
// It is required.
func WithPassphrase(p string) Option {
	return func(o *options) {
		o.passphrase = p
	}
}

// WithKDFParams sets the Argon2id parameters for a store created by this
// Manager. An existing store keeps the parameters it was created with.
func WithKDFParams(p util.Argon2idParams) Option {
	return func(o *options) {
		o.kdfParams = p
	}
}

// WithWorkers bounds concurrent key generation, signing and bundle
// decoding. Default: runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithActiveHolder names the holder that active=true assigns.
func WithActiveHolder(name string) Option {
	return func(o *options) {
		o.activeHolder = name
	}
}

// WithMaxLifetime caps lifetime in days. Default: MaxLifetimeDays.
func WithMaxLifetime(days int) Option {
	return func(o *options) {
		o.maxLifetime = days
	}
}
