// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. ORDERFEED_BROKER_BASE_URL.
// Leaf keys are derived from field names split on word boundaries.
const EnvPrefix = "ORDERFEED"

// BrokerConfig describes how to reach the remote order broker.
type BrokerConfig struct {
	BaseURL           string        `yaml:"baseURL" split_words:"true"`
	RequestTimeout    time.Duration `yaml:"requestTimeout" split_words:"true"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond" split_words:"true"`
	Burst             int           `yaml:"burst" split_words:"true"`
	AuthToken         string        `yaml:"authToken" split_words:"true"`
}

// SubscriptionConfig names the queue to follow and the subscriber identity.
type SubscriptionConfig struct {
	QueueName string `yaml:"queueName" split_words:"true"`
	StoreID   string `yaml:"storeId" split_words:"true"`
	UserID    string `yaml:"userId" split_words:"true"`
}

// PollerConfig sets the poll cadence.
type PollerConfig struct {
	Interval time.Duration `yaml:"interval" split_words:"true"`
}

// DedupConfig bounds the processed-notification cache.
type DedupConfig struct {
	Capacity int `yaml:"capacity" split_words:"true"`
	Retain   int `yaml:"retain" split_words:"true"`
}

// StorageConfig selects and sizes the durable queue backend.
type StorageConfig struct {
	Backend           string        `yaml:"backend" split_words:"true"`
	Path              string        `yaml:"path" split_words:"true"`
	DSN               string        `yaml:"dsn" split_words:"true"`
	SlotKey           string        `yaml:"slotKey" split_words:"true"`
	RunMigrations     bool          `yaml:"runMigrations" split_words:"true"`
	MaxConns          int32         `yaml:"maxConns" split_words:"true"`
	MinConns          int32         `yaml:"minConns" split_words:"true"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime" split_words:"true"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime" split_words:"true"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod" split_words:"true"`
}

// AckConfig sizes the acknowledgment worker pool.
type AckConfig struct {
	Workers   int           `yaml:"workers" split_words:"true"`
	QueueSize int           `yaml:"queueSize" split_words:"true"`
	Timeout   time.Duration `yaml:"timeout" split_words:"true"`
}

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int                 `yaml:"bufferSize" split_words:"true"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers" split_words:"true"`
}

// SupervisorConfig bounds the resubscribe backoff.
type SupervisorConfig struct {
	InitialInterval time.Duration `yaml:"initialInterval" split_words:"true"`
	MaxInterval     time.Duration `yaml:"maxInterval" split_words:"true"`
}

// APIServerConfig configures the local status HTTP surface.
type APIServerConfig struct {
	Addr string `yaml:"addr" split_words:"true"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint" split_words:"true"`
	ServiceName   string `yaml:"serviceName" split_words:"true"`
	OTLPInsecure  bool   `yaml:"otlpInsecure" split_words:"true"`
	EnableMetrics bool   `yaml:"enableMetrics" split_words:"true"`
}

// LoggingConfig selects the log level, encoder and sink.
type LoggingConfig struct {
	Level  string `yaml:"level" split_words:"true"`
	Format string `yaml:"format" split_words:"true"`
	Output string `yaml:"output" split_words:"true"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

// FanoutWorkerSetting accepts a positive integer, "auto" or "default".
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{}
		return nil
	}
	return s.Decode(node.Value)
}

// Decode parses the setting from an environment variable.
func (s *FanoutWorkerSetting) Decode(value string) error {
	text := strings.TrimSpace(value)
	switch strings.ToLower(text) {
	case "":
		*s = FanoutWorkerSetting{kind: fanoutWorkerUnset}
		return nil
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	case "default":
		*s = FanoutWorkerSetting{kind: fanoutWorkerDefault}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

func (s FanoutWorkerSetting) resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	default:
		return 4
	}
}

// FanoutWorkerCount returns the resolved worker count for use by runtime components.
func (c EventbusConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.resolve()
}

// AppConfig is the unified order feed configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment  Environment        `yaml:"environment" split_words:"true"`
	Broker       BrokerConfig       `yaml:"broker" envconfig:"BROKER"`
	Subscription SubscriptionConfig `yaml:"subscription" envconfig:"SUBSCRIPTION"`
	Poller       PollerConfig       `yaml:"poller" envconfig:"POLLER"`
	Dedup        DedupConfig        `yaml:"dedup" envconfig:"DEDUP"`
	Storage      StorageConfig      `yaml:"storage" envconfig:"STORAGE"`
	Ack          AckConfig          `yaml:"ack" envconfig:"ACK"`
	Eventbus     EventbusConfig     `yaml:"eventbus" envconfig:"EVENTBUS"`
	Supervisor   SupervisorConfig   `yaml:"supervisor" envconfig:"SUPERVISOR"`
	APIServer    APIServerConfig    `yaml:"apiServer" envconfig:"API_SERVER"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" envconfig:"TELEMETRY"`
	Logging      LoggingConfig      `yaml:"logging" envconfig:"LOGGING"`
}

// DefaultAppConfig returns the configuration used when no file is supplied.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Broker: BrokerConfig{
			BaseURL:           "http://localhost:8080/api",
			RequestTimeout:    15 * time.Second,
			RequestsPerSecond: 5,
			Burst:             5,
		},
		Subscription: SubscriptionConfig{QueueName: "orders"},
		Storage:      StorageConfig{Backend: BackendSQLite},
		Telemetry:    TelemetryConfig{EnableMetrics: true},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file, then applies
// environment overrides.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultAppConfig()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault behaves like Load but falls back to DefaultAppConfig when the file is
// absent or the path is empty.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) != "" {
		cfg, err := Load(ctx, configPath)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
	}
	return finish(DefaultAppConfig())
}

func finish(cfg AppConfig) (AppConfig, error) {
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = normalizeEnvironment(c.Environment)

	c.Broker.BaseURL = strings.TrimRight(strings.TrimSpace(c.Broker.BaseURL), "/")
	c.Broker.AuthToken = strings.TrimSpace(c.Broker.AuthToken)
	if c.Broker.RequestTimeout <= 0 {
		c.Broker.RequestTimeout = 15 * time.Second
	}
	if c.Broker.Burst <= 0 {
		c.Broker.Burst = 1
	}

	c.Subscription.QueueName = strings.TrimSpace(c.Subscription.QueueName)
	c.Subscription.StoreID = strings.TrimSpace(c.Subscription.StoreID)
	c.Subscription.UserID = strings.TrimSpace(c.Subscription.UserID)

	if c.Poller.Interval == 0 {
		c.Poller.Interval = 8 * time.Second
	}

	if c.Dedup.Capacity == 0 {
		c.Dedup.Capacity = 100
	}
	if c.Dedup.Retain == 0 {
		c.Dedup.Retain = 50
	}

	c.Storage.applyDefaults()

	if c.Ack.Workers <= 0 {
		c.Ack.Workers = 2
	}
	if c.Ack.QueueSize <= 0 {
		c.Ack.QueueSize = 256
	}
	if c.Ack.Timeout <= 0 {
		c.Ack.Timeout = 10 * time.Second
	}

	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 64
	}

	if c.Supervisor.InitialInterval <= 0 {
		c.Supervisor.InitialInterval = time.Second
	}
	if c.Supervisor.MaxInterval <= 0 {
		c.Supervisor.MaxInterval = time.Minute
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = "127.0.0.1:8787"
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "orderfeed"
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	c.Logging.Output = strings.TrimSpace(c.Logging.Output)
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	return nil
}

func (c *StorageConfig) applyDefaults() {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = BackendSQLite
	}
	c.Path = strings.TrimSpace(c.Path)
	if c.Path == "" {
		c.Path = filepath.Join("data", "orderfeed.db")
	}
	c.DSN = strings.TrimSpace(c.DSN)
	c.SlotKey = strings.TrimSpace(c.SlotKey)
	if c.SlotKey == "" {
		c.SlotKey = "order_queue"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c StorageConfig) validate() error {
	switch c.Backend {
	case BackendSQLite:
		if c.Path == "" {
			return fmt.Errorf("path required for sqlite backend")
		}
	case BackendPostgres:
		if c.DSN == "" {
			return fmt.Errorf("dsn required for postgres backend")
		}
		if c.MinConns > c.MaxConns {
			return fmt.Errorf("minConns must be <= maxConns")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("backend must be one of sqlite, postgres, memory")
	}
	if c.SlotKey == "" {
		return fmt.Errorf("slotKey required")
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	parsed, err := url.Parse(c.Broker.BaseURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("broker baseURL must be an absolute http(s) url")
	}
	if c.Broker.RequestsPerSecond < 0 {
		return fmt.Errorf("broker requestsPerSecond must be >= 0")
	}

	if c.Subscription.QueueName == "" {
		return fmt.Errorf("subscription queueName required")
	}

	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller interval must be > 0")
	}

	if c.Dedup.Capacity <= 0 {
		return fmt.Errorf("dedup capacity must be > 0")
	}
	if c.Dedup.Retain <= 0 || c.Dedup.Retain > c.Dedup.Capacity {
		return fmt.Errorf("dedup retain must be > 0 and <= capacity")
	}

	if err := c.Storage.validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if c.Eventbus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be > 0")
	}

	if c.Supervisor.MaxInterval < c.Supervisor.InitialInterval {
		return fmt.Errorf("supervisor maxInterval must be >= initialInterval")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be json or console")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
