package extension

import (
	"time"

	"go.uber.org/zap"

	ledger "github.com/clinicos/ledger"
	"github.com/clinicos/ledger/plugin"
	"github.com/clinicos/ledger/store"
)

// Option configures the Ledger Forge extension.
type Option func(*Extension)

// WithStore sets the store for the ledger engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithLedgerOption passes a ledger.Option through to the underlying engine.
func WithLedgerOption(opt ledger.Option) Option {
	return func(e *Extension) {
		e.ledgerOpts = append(e.ledgerOpts, opt)
	}
}

// WithPlugin registers a ledger plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.ledgerOpts = append(e.ledgerOpts, ledger.WithPlugin(p))
	}
}

// WithLogger sets the zap logger used by the engine and the HTTP handler.
func WithLogger(l *zap.Logger) Option {
	return func(e *Extension) { e.logger = l }
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes stops the extension from providing an HTTP handler.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithRetryPolicy sets the transaction rerun budget and backoff bounds.
func WithRetryPolicy(maxRetries int, initial, maxInterval time.Duration) Option {
	return func(e *Extension) {
		e.config.MaxRetries = maxRetries
		e.config.RetryInitial = initial
		e.config.RetryMax = maxInterval
	}
}

// WithHookQueue sets the post-commit queue size, worker count and per-hook timeout.
func WithHookQueue(size, workers int, timeout time.Duration) Option {
	return func(e *Extension) {
		e.config.HookQueueSize = size
		e.config.HookWorkers = workers
		e.config.HookTimeout = timeout
	}
}
