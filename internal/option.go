package internal

import (
	"log/slog"

	"github.com/starford/healthvault/internal/ledger"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config  *Config
	logger  *slog.Logger
	backend ledger.Backend
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithLogger replaces the default JSON logger on stdout.
func WithLogger(l *slog.Logger) Option {
	return func(a *application) {
		a.logger = l
	}
}

// WithLedgerBackend supplies the consent contract backend instead of the
// one selected by the ledger mode.
func WithLedgerBackend(b ledger.Backend) Option {
	return func(a *application) {
		a.backend = b
	}
}
