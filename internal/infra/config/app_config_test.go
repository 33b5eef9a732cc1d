package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, 8*time.Second, cfg.Poller.Interval)
	require.Equal(t, 100, cfg.Dedup.Capacity)
	require.Equal(t, 50, cfg.Dedup.Retain)
	require.Equal(t, BackendSQLite, cfg.Storage.Backend)
	require.Equal(t, "order_queue", cfg.Storage.SlotKey)

	cfg, err = LoadOrDefault(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "orders", cfg.Subscription.QueueName)
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join("..", "..", "..", "config", "app.example.yaml"))
	require.NoError(t, err)
	require.Equal(t, "orders-store-42", cfg.Subscription.QueueName)
	require.Equal(t, 15*time.Second, cfg.Broker.RequestTimeout)
	require.Equal(t, BackendSQLite, cfg.Storage.Backend)
	require.Positive(t, cfg.Eventbus.FanoutWorkerCount())
}

func TestLoadOrDefaultSurfacesInvalidFile(t *testing.T) {
	path := writeConfig(t, "environment: [unterminated")
	_, err := LoadOrDefault(context.Background(), path)
	require.Error(t, err)
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: Production
broker:
  baseURL: https://broker.example.com/api/
  requestTimeout: 5s
  requestsPerSecond: 2
  burst: 4
  authToken: " secret "
subscription:
  queueName: orders-store-42
  storeId: "42"
poller:
  interval: 3s
dedup:
  capacity: 200
  retain: 80
storage:
  backend: Postgres
  dsn: postgresql://localhost:5432/orderfeed?sslmode=disable
  runMigrations: true
  maxConns: 8
  minConns: 2
ack:
  workers: 3
eventbus:
  bufferSize: 16
  fanoutWorkers: auto
apiServer:
  addr: ":9999"
telemetry:
  otlpEndpoint: http://localhost:4318
  serviceName: test-service
  otlpInsecure: true
logging:
  level: DEBUG
  format: console
`)

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	require.Equal(t, EnvProd, cfg.Environment)
	require.Equal(t, "https://broker.example.com/api", cfg.Broker.BaseURL)
	require.Equal(t, 5*time.Second, cfg.Broker.RequestTimeout)
	require.Equal(t, "secret", cfg.Broker.AuthToken)
	require.Equal(t, "orders-store-42", cfg.Subscription.QueueName)
	require.Equal(t, 3*time.Second, cfg.Poller.Interval)
	require.Equal(t, 200, cfg.Dedup.Capacity)
	require.Equal(t, 80, cfg.Dedup.Retain)
	require.Equal(t, BackendPostgres, cfg.Storage.Backend)
	require.True(t, cfg.Storage.RunMigrations)
	require.EqualValues(t, 8, cfg.Storage.MaxConns)
	require.Equal(t, 3, cfg.Ack.Workers)
	require.Equal(t, 256, cfg.Ack.QueueSize)
	require.Equal(t, runtime.NumCPU(), cfg.Eventbus.FanoutWorkerCount())
	require.Equal(t, ":9999", cfg.APIServer.Addr)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "console", cfg.Logging.Format)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
subscription:
  queueName: from-file
storage:
  backend: sqlite
  path: /tmp/file.db
`)
	t.Setenv("ORDERFEED_SUBSCRIPTION_QUEUE_NAME", "from-env")
	t.Setenv("ORDERFEED_BROKER_BASE_URL", "https://env.example.com")
	t.Setenv("ORDERFEED_POLLER_INTERVAL", "12s")
	t.Setenv("ORDERFEED_EVENTBUS_FANOUT_WORKERS", "7")
	t.Setenv("ORDERFEED_STORAGE_DSN", "postgresql://env/db")

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Subscription.QueueName)
	require.Equal(t, "https://env.example.com", cfg.Broker.BaseURL)
	require.Equal(t, 12*time.Second, cfg.Poller.Interval)
	require.Equal(t, 7, cfg.Eventbus.FanoutWorkerCount())
	require.Equal(t, "postgresql://env/db", cfg.Storage.DSN)
	require.Equal(t, "/tmp/file.db", cfg.Storage.Path, "unrelated variables like PATH never leak in")
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*AppConfig){
		"environment":     func(c *AppConfig) { c.Environment = "qa" },
		"base url":        func(c *AppConfig) { c.Broker.BaseURL = "broker.local" },
		"queue name":      func(c *AppConfig) { c.Subscription.QueueName = "" },
		"interval":        func(c *AppConfig) { c.Poller.Interval = -time.Second },
		"retain":          func(c *AppConfig) { c.Dedup.Retain = c.Dedup.Capacity + 1 },
		"backend":         func(c *AppConfig) { c.Storage.Backend = "redis" },
		"postgres dsn":    func(c *AppConfig) { c.Storage.Backend = BackendPostgres; c.Storage.DSN = "" },
		"supervisor":      func(c *AppConfig) { c.Supervisor.MaxInterval = time.Millisecond },
		"logging format":  func(c *AppConfig) { c.Logging.Format = "xml" },
		"negative budget": func(c *AppConfig) { c.Broker.RequestsPerSecond = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultAppConfig()
			require.NoError(t, cfg.Validate())
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestFanoutWorkerSetting(t *testing.T) {
	var cfg EventbusConfig
	require.NoError(t, yaml.Unmarshal([]byte("fanoutWorkers: 6"), &cfg))
	require.Equal(t, 6, cfg.FanoutWorkerCount())

	require.NoError(t, yaml.Unmarshal([]byte("fanoutWorkers: default"), &cfg))
	require.Equal(t, 4, cfg.FanoutWorkerCount())

	err := yaml.Unmarshal([]byte("fanoutWorkers: 0"), &cfg)
	require.Error(t, err)
	err = yaml.Unmarshal([]byte("fanoutWorkers: lots"), &cfg)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "invalid value"))
}

func TestNormalizeEnvironment(t *testing.T) {
	require.Equal(t, EnvDev, normalizeEnvironment(""))
	require.Equal(t, EnvStaging, normalizeEnvironment(" Stage "))
	require.Equal(t, EnvProd, normalizeEnvironment("PRODUCTION"))
	require.Equal(t, Environment("qa"), normalizeEnvironment("QA"))
}
