package main

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	ledger "github.com/clinicos/ledger"
	audithook "github.com/clinicos/ledger/audit_hook"
	"github.com/clinicos/ledger/config"
	"github.com/clinicos/ledger/logging"
	"github.com/clinicos/ledger/notify"
	"github.com/clinicos/ledger/observability"
	"github.com/clinicos/ledger/plugin"
	"github.com/clinicos/ledger/store"
	"github.com/clinicos/ledger/store/memory"
	"github.com/clinicos/ledger/store/mongo"
	"github.com/clinicos/ledger/store/postgres"
)

// runtime is everything a subcommand needs, built from one config.
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    store.Store
	ledger   *ledger.Ledger
	registry *prometheus.Registry
}

func loadRuntime(ctx context.Context, opts *rootOptions) (*runtime, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	plugins, err := buildPlugins(cfg, logger, registry)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	ledgerOpts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithRetryPolicy(cfg.Ledger.MaxRetries, cfg.Ledger.RetryInitial, cfg.Ledger.RetryMax),
		ledger.WithHookQueue(cfg.Ledger.HookQueueSize, cfg.Ledger.HookWorkers, cfg.Ledger.HookTimeout),
	}
	for _, p := range plugins {
		ledgerOpts = append(ledgerOpts, ledger.WithPlugin(p))
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		ledger:   ledger.New(s, ledgerOpts...),
		registry: registry,
	}, nil
}

func openStore(ctx context.Context, cfg config.Store) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return memory.New(), nil
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.PostgresURL)
	case config.DriverMongo:
		return mongo.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
	}
	return nil, errors.Newf("unknown store driver %q", cfg.Driver)
}

// buildPlugins returns the post-commit plugins enabled by cfg. The audit
// trail recorder is always installed.
func buildPlugins(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) ([]plugin.Plugin, error) {
	plugins := []plugin.Plugin{
		audithook.New(audithook.NewLogRecorder(logger), audithook.WithLogger(logger)),
	}

	if cfg.Metrics.Enabled {
		plugins = append(plugins, observability.NewMetricsExtension(observability.NewPrometheusFactory(reg)))
	}

	pub, err := newPublisher(cfg.Notify, logger)
	if err != nil {
		return nil, err
	}
	if pub != nil {
		plugins = append(plugins, notify.New(pub, notify.WithLogger(logger)))
	}
	return plugins, nil
}

func newPublisher(cfg config.Notify, logger *zap.Logger) (message.Publisher, error) {
	switch cfg.Driver {
	case config.NotifyNone, "":
		return nil, nil
	case config.NotifyChannel:
		return notify.NewChannelPublisher(cfg.Buffer, logger), nil
	case config.NotifyKafka:
		return notify.NewKafkaPublisher(notify.KafkaConfig{Brokers: cfg.Brokers, ClientID: cfg.ClientID}, logger)
	}
	return nil, errors.Newf("unknown notify driver %q", cfg.Driver)
}
