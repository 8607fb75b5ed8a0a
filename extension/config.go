package extension

import "time"

// Config holds the Ledger extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.ledger" or "ledger" keys).
type Config struct {
	// DisableRoutes stops the extension from providing an *api.Handler in
	// the DI container.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// MaxRetries is how many times a conflicting ledger transaction is
	// rerun before the request fails as retryable (default: 5).
	MaxRetries int `json:"max_retries" mapstructure:"max_retries" yaml:"max_retries"`

	// RetryInitial is the first backoff interval between reruns (default: 20ms).
	RetryInitial time.Duration `json:"retry_initial" mapstructure:"retry_initial" yaml:"retry_initial"`

	// RetryMax caps the backoff interval (default: 500ms).
	RetryMax time.Duration `json:"retry_max" mapstructure:"retry_max" yaml:"retry_max"`

	// HookQueueSize bounds post-commit events waiting for plugins
	// (default: 1024). Events beyond it are dropped and logged.
	HookQueueSize int `json:"hook_queue_size" mapstructure:"hook_queue_size" yaml:"hook_queue_size"`

	// HookWorkers is the number of goroutines delivering post-commit
	// events (default: 4).
	HookWorkers int `json:"hook_workers" mapstructure:"hook_workers" yaml:"hook_workers"`

	// HookTimeout bounds a single plugin call (default: 5s).
	HookTimeout time.Duration `json:"hook_timeout" mapstructure:"hook_timeout" yaml:"hook_timeout"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		RetryInitial:  20 * time.Millisecond,
		RetryMax:      500 * time.Millisecond,
		HookQueueSize: 1024,
		HookWorkers:   4,
		HookTimeout:   5 * time.Second,
	}
}
