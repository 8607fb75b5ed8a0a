// Package extension provides the Forge extension adapter for Ledger.
//
// It implements the forge.Extension interface to integrate Ledger
// into a Forge application with DI registration and lifecycle management.
// The engine and, unless routes are disabled, an *api.Handler are provided
// to the container; the host mounts the handler on its own router.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.ledger" or "ledger" keys.
package extension

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/xraph/forge"
	"github.com/xraph/vessel"
	"go.uber.org/zap"

	ledger "github.com/clinicos/ledger"
	"github.com/clinicos/ledger/api"
	"github.com/clinicos/ledger/store"
	"github.com/clinicos/ledger/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "ledger"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Clinic invoice, payment and refund ledger"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

var _ forge.Extension = (*Extension)(nil)

// Extension adapts Ledger as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *ledger.Ledger
	handler    *api.Handler
	store      store.Store
	logger     *zap.Logger
	ledgerOpts []ledger.Option
}

// New creates a new Ledger Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Ledger instance.
// This is nil until Register is called.
func (e *Extension) Engine() *ledger.Ledger { return e.engine }

// Handler returns the HTTP handler, or nil when routes are disabled.
func (e *Extension) Handler() *api.Handler { return e.handler }

// Register implements [forge.Extension]. It loads configuration,
// initializes the ledger engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		e.store = memory.New()
	}

	e.engine = ledger.New(e.store, e.buildLedgerOpts()...)

	if err := vessel.Provide(fapp.Container(), func() (*ledger.Ledger, error) {
		return e.engine, nil
	}); err != nil {
		return err
	}

	if e.config.DisableRoutes {
		return nil
	}
	e.handler = api.New(e.engine, e.logger)
	return vessel.Provide(fapp.Container(), func() (*api.Handler, error) {
		return e.handler, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("ledger: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(ctx context.Context) error {
	defer e.MarkStopped()
	if e.engine == nil {
		return nil
	}
	return e.engine.Stop(ctx)
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("ledger: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildLedgerOpts constructs ledger.Option values from the resolved config.
// Pass-through options come last so they win over config.
func (e *Extension) buildLedgerOpts() []ledger.Option {
	opts := make([]ledger.Option, 0, len(e.ledgerOpts)+4)

	if e.logger != nil {
		opts = append(opts, ledger.WithLogger(e.logger))
	}
	opts = append(opts,
		ledger.WithRetryPolicy(e.config.MaxRetries, e.config.RetryInitial, e.config.RetryMax),
		ledger.WithHookQueue(e.config.HookQueueSize, e.config.HookWorkers, e.config.HookTimeout),
	)
	if e.config.DisableMigrate {
		opts = append(opts, ledger.WithoutMigrate())
	}

	return append(opts, e.ledgerOpts...)
}

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("ledger: configuration is required but not found in config files; " +
				"ensure 'extensions.ledger' or 'ledger' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("ledger: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("max_retries", e.config.MaxRetries),
		forge.F("hook_queue_size", e.config.HookQueueSize),
		forge.F("hook_workers", e.config.HookWorkers),
		forge.F("hook_timeout", e.config.HookTimeout),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.ledger", "ledger"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("ledger: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("ledger: loaded config from file", forge.F("key", key))
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.RetryInitial == 0 {
		cfg.RetryInitial = defaults.RetryInitial
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = defaults.RetryMax
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}
	if cfg.HookQueueSize == 0 {
		cfg.HookQueueSize = defaults.HookQueueSize
	}
	if cfg.HookWorkers == 0 {
		cfg.HookWorkers = defaults.HookWorkers
	}
	if cfg.HookTimeout == 0 {
		cfg.HookTimeout = defaults.HookTimeout
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML wins for numeric fields; programmatic values fill gaps and
// programmatic bool flags override when true.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	if yamlConfig.MaxRetries == 0 {
		yamlConfig.MaxRetries = programmaticConfig.MaxRetries
	}
	if yamlConfig.RetryInitial == 0 {
		yamlConfig.RetryInitial = programmaticConfig.RetryInitial
	}
	if yamlConfig.RetryMax == 0 {
		yamlConfig.RetryMax = programmaticConfig.RetryMax
	}
	if yamlConfig.HookQueueSize == 0 {
		yamlConfig.HookQueueSize = programmaticConfig.HookQueueSize
	}
	if yamlConfig.HookWorkers == 0 {
		yamlConfig.HookWorkers = programmaticConfig.HookWorkers
	}
	if yamlConfig.HookTimeout == 0 {
		yamlConfig.HookTimeout = programmaticConfig.HookTimeout
	}

	return mergeWithDefaults(yamlConfig)
}
