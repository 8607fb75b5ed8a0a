// Package config loads ledgerd settings from an optional YAML file, a .env
// file and LEDGER_ prefixed environment variables, in increasing order of
// precedence.
package config

import (
	"io/fs"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// LEDGER_STORE_DRIVER or LEDGER_LEDGER_MAX_RETRIES.
const EnvPrefix = "LEDGER"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Notification drivers.
const (
	NotifyNone    = "none"
	NotifyChannel = "channel"
	NotifyKafka   = "kafka"
)

// Config is the complete ledgerd configuration.
type Config struct {
	Server  Server  `mapstructure:"server"`
	Store   Store   `mapstructure:"store"`
	Ledger  Ledger  `mapstructure:"ledger"`
	Auditor Auditor `mapstructure:"auditor"`
	Notify  Notify  `mapstructure:"notify"`
	Metrics Metrics `mapstructure:"metrics"`
	Logging Logging `mapstructure:"logging"`
}

// Server configures the HTTP listener.
type Server struct {
	Address         string        `mapstructure:"address" validate:"required"`
	BasePath        string        `mapstructure:"base_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// Store selects and configures the persistence backend.
type Store struct {
	Driver        string `mapstructure:"driver" validate:"oneof=memory postgres mongo"`
	PostgresURL   string `mapstructure:"postgres_url" validate:"required_if=Driver postgres"`
	MongoURI      string `mapstructure:"mongo_uri" validate:"required_if=Driver mongo"`
	MongoDatabase string `mapstructure:"mongo_database" validate:"required_if=Driver mongo"`
}

// Ledger tunes transaction retries and post-commit hook dispatch.
type Ledger struct {
	MaxRetries    int           `mapstructure:"max_retries" validate:"gte=0,lte=20"`
	RetryInitial  time.Duration `mapstructure:"retry_initial" validate:"gt=0"`
	RetryMax      time.Duration `mapstructure:"retry_max" validate:"gtefield=RetryInitial"`
	HookQueueSize int           `mapstructure:"hook_queue_size" validate:"gt=0"`
	HookWorkers   int           `mapstructure:"hook_workers" validate:"gt=0"`
	HookTimeout   time.Duration `mapstructure:"hook_timeout" validate:"gt=0"`
}

// Auditor tunes reconciliation runs.
type Auditor struct {
	Workers   int     `mapstructure:"workers" validate:"gt=0"`
	PageSize  int     `mapstructure:"page_size" validate:"gt=0"`
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"`
	Burst     int     `mapstructure:"burst" validate:"gte=0"`
}

// Notify configures the post-commit event publisher.
type Notify struct {
	Driver   string   `mapstructure:"driver" validate:"oneof=none channel kafka"`
	Brokers  []string `mapstructure:"brokers" validate:"required_if=Driver kafka"`
	ClientID string   `mapstructure:"client_id"`
	Buffer   int64    `mapstructure:"buffer" validate:"gte=0"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

// Logging configures the zap logger.
type Logging struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

var defaults = map[string]any{
	"server.address":          ":8080",
	"server.base_path":        "/ledger",
	"server.shutdown_timeout": 15 * time.Second,

	"store.driver":         DriverMemory,
	"store.postgres_url":   "",
	"store.mongo_uri":      "",
	"store.mongo_database": "ledger",

	"ledger.max_retries":     5,
	"ledger.retry_initial":   20 * time.Millisecond,
	"ledger.retry_max":       500 * time.Millisecond,
	"ledger.hook_queue_size": 1024,
	"ledger.hook_workers":    4,
	"ledger.hook_timeout":    5 * time.Second,

	"auditor.workers":    4,
	"auditor.page_size":  200,
	"auditor.rate_limit": 0.0,
	"auditor.burst":      0,

	"notify.driver":    NotifyNone,
	"notify.brokers":   []string{},
	"notify.client_id": "ledgerd",
	"notify.buffer":    int64(256),

	"metrics.enabled": true,
	"metrics.path":    "/metrics",

	"logging.level":       "info",
	"logging.development": false,
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration. path may be empty to skip the YAML file. A .env
// file in the working directory is loaded into the environment when present;
// variables already set win over it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "config: load .env")
	}

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return errors.Newf("config: %s failed %s check", fe.Namespace(), fe.Tag())
	}
	return err
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	return &cfg, nil
}
