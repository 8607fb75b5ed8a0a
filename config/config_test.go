package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicos/ledger/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "/ledger", cfg.Server.BasePath)
	assert.Equal(t, config.DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Ledger.MaxRetries)
	assert.Equal(t, 20*time.Millisecond, cfg.Ledger.RetryInitial)
	assert.Equal(t, config.NotifyNone, cfg.Notify.Driver)
	assert.True(t, cfg.Metrics.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LEDGER_STORE_DRIVER", "postgres")
	t.Setenv("LEDGER_STORE_POSTGRES_URL", "postgres://ledger@localhost/ledger")
	t.Setenv("LEDGER_LEDGER_MAX_RETRIES", "3")
	t.Setenv("LEDGER_LEDGER_HOOK_TIMEOUT", "2s")
	t.Setenv("LEDGER_NOTIFY_DRIVER", "kafka")
	t.Setenv("LEDGER_NOTIFY_BROKERS", "k1:9092,k2:9092")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://ledger@localhost/ledger", cfg.Store.PostgresURL)
	assert.Equal(t, 3, cfg.Ledger.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Ledger.HookTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Notify.Brokers)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  address: ":9090"
store:
  driver: mongo
  mongo_uri: mongodb://localhost:27017/?replicaSet=rs0
auditor:
  workers: 8
logging:
  level: debug
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, config.DriverMongo, cfg.Store.Driver)
	assert.Equal(t, "ledger", cfg.Store.MongoDatabase)
	assert.Equal(t, 8, cfg.Auditor.Workers)
	assert.Equal(t, 200, cfg.Auditor.PageSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown driver", map[string]string{"LEDGER_STORE_DRIVER": "sqlite"}, "Config.Store.Driver"},
		{"postgres without url", map[string]string{"LEDGER_STORE_DRIVER": "postgres"}, "Config.Store.PostgresURL"},
		{"bad level", map[string]string{"LEDGER_LOGGING_LEVEL": "verbose"}, "Config.Logging.Level"},
		{"retry max below initial", map[string]string{"LEDGER_LEDGER_RETRY_MAX": "1ms"}, "Config.Ledger.RetryMax"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
