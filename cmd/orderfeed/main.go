// Command orderfeed runs the order notification client: it keeps a broker
// subscription alive, persists new orders locally and serves a status surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/botfoods/orderfeed/internal/app/supervisor"
	"github.com/botfoods/orderfeed/internal/broker"
	"github.com/botfoods/orderfeed/internal/domain/schema"
	"github.com/botfoods/orderfeed/internal/infra/bus/eventbus"
	"github.com/botfoods/orderfeed/internal/infra/config"
	"github.com/botfoods/orderfeed/internal/infra/persistence"
	"github.com/botfoods/orderfeed/internal/infra/persistence/postgres"
	httpserver "github.com/botfoods/orderfeed/internal/infra/server/http"
	"github.com/botfoods/orderfeed/internal/observability"
	"github.com/botfoods/orderfeed/internal/pipeline"
	"github.com/botfoods/orderfeed/internal/queue"
	"github.com/botfoods/orderfeed/internal/telemetry"
)

const (
	defaultConfigPath           = "config/app.yaml"
	shutdownTimeout             = 30 * time.Second
	statusServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout    = 10 * time.Second
	pipelineShutdownTimeout     = 10 * time.Second
	eventBusShutdownTimeout     = 2 * time.Second
	storeShutdownTimeout        = 5 * time.Second
	telemetryShutdownTimeout    = 5 * time.Second
)

var watchedQueueEvents = []schema.QueueEventType{
	schema.QueueEventOrderQueued,
	schema.QueueEventOrderRemoved,
	schema.QueueEventCleared,
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewZapLogger(observability.LogConfig{
		Level:  appCfg.Logging.Level,
		Format: appCfg.Logging.Format,
		Output: appCfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	observability.SetLogger(logger)

	logger.Info("configuration initialised",
		observability.F("environment", appCfg.Environment),
		observability.F("queue", appCfg.Subscription.QueueName),
		observability.F("storage", appCfg.Storage.Backend))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	metrics := telemetry.NewPipelineMetrics(appCfg.Subscription.QueueName,
		telemetry.WithMeterProvider(telemetryProvider.MeterProvider()))

	store, err := persistence.Open(ctx, storeOptions(appCfg.Storage, logger))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	logger.Info("storage opened", observability.F("backend", store.Backend()))

	bus := newEventBus(appCfg.Eventbus, logger)
	orders := queue.New(store,
		queue.WithSlotKey(appCfg.Storage.SlotKey),
		queue.WithBus(bus),
		queue.WithLogger(logger),
	)

	client, err := newBrokerClient(appCfg.Broker, logger)
	if err != nil {
		return fmt.Errorf("initialise broker client: %w", err)
	}

	pipe, err := pipeline.New(client, orders, pipeline.Config{
		PollInterval:  appCfg.Poller.Interval,
		DedupCapacity: appCfg.Dedup.Capacity,
		DedupRetain:   appCfg.Dedup.Retain,
		AckWorkers:    appCfg.Ack.Workers,
		AckQueueSize:  appCfg.Ack.QueueSize,
		AckTimeout:    appCfg.Ack.Timeout,
	}, pipeline.WithLogger(logger), pipeline.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("initialise pipeline: %w", err)
	}
	pipe.Dispatcher().AddHandler(logOrder(logger))

	sup, err := supervisor.New(pipe, supervisor.Config{
		QueueName:         appCfg.Subscription.QueueName,
		SubscriberContext: subscriberContext(appCfg.Subscription),
		InitialInterval:   appCfg.Supervisor.InitialInterval,
		MaxInterval:       appCfg.Supervisor.MaxInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialise supervisor: %w", err)
	}

	var lifecycle conc.WaitGroup
	if err := watchQueueEvents(ctx, &lifecycle, bus, logger); err != nil {
		return fmt.Errorf("watch queue events: %w", err)
	}
	lifecycle.Go(func() {
		if err := sup.Run(ctx); err != nil {
			logger.Error("supervisor stopped", observability.Err(err))
			cancel()
		}
	})

	statusServer := httpserver.NewServer(appCfg.APIServer.Addr, appCfg.Environment, pipe, orders, logger)
	startStatusServer(&lifecycle, logger, statusServer)
	logger.Info("status server listening", observability.F("addr", statusServer.Addr))

	logger.Info("orderfeed started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	shutdownErr := performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     statusServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		pipeline:   pipe,
		eventBus:   bus,
		store:      store,
		telemetry:  telemetryProvider,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))
	return shutdownErr
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initTelemetry(ctx context.Context, logger observability.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:     cfg.EnableMetrics,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		ServiceName: cfg.ServiceName,
		Environment: string(env),
	})
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if provider.Enabled() {
		logger.Info("telemetry initialized",
			observability.F("endpoint", cfg.OTLPEndpoint),
			observability.F("service", cfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func storeOptions(cfg config.StorageConfig, logger observability.Logger) persistence.Options {
	return persistence.Options{
		Backend:       cfg.Backend,
		Path:          cfg.Path,
		RunMigrations: cfg.RunMigrations,
		Logger:        logger,
		Postgres: postgres.PoolConfig{
			DSN:               cfg.DSN,
			MaxConns:          cfg.MaxConns,
			MinConns:          cfg.MinConns,
			MaxConnLifetime:   cfg.MaxConnLifetime,
			MaxConnIdleTime:   cfg.MaxConnIdleTime,
			HealthCheckPeriod: cfg.HealthCheckPeriod,
			Name:              "orderfeed",
		},
	}
}

func newEventBus(cfg config.EventbusConfig, logger observability.Logger) *eventbus.MemoryBus {
	return eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    cfg.BufferSize,
		FanoutWorkers: cfg.FanoutWorkerCount(),
	}, eventbus.WithLogger(logger))
}

func newBrokerClient(cfg config.BrokerConfig, logger observability.Logger) (*broker.Client, error) {
	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   cfg.RequestTimeout,
	}
	return broker.NewClient(cfg.BaseURL,
		broker.WithHTTPClient(httpClient),
		broker.WithTimeout(cfg.RequestTimeout),
		broker.WithRateLimit(cfg.RequestsPerSecond, cfg.Burst),
		broker.WithAuthToken(cfg.AuthToken),
		broker.WithLogger(logger),
	)
}

// subscriberContext identifies this client instance to the broker.
func subscriberContext(cfg config.SubscriptionConfig) schema.SubscriberContext {
	subCtx := schema.SubscriberContext{"clientInstanceId": uuid.NewString()}
	if cfg.StoreID != "" {
		subCtx["storeId"] = cfg.StoreID
	}
	if cfg.UserID != "" {
		subCtx["userId"] = cfg.UserID
	}
	return subCtx
}

func logOrder(logger observability.Logger) func(context.Context, schema.Order) error {
	return func(_ context.Context, order schema.Order) error {
		logger.Info("new order",
			observability.F("order_id", order.ID),
			observability.F("customer", order.Customer.Name),
			observability.F("items", len(order.Items)),
			observability.F("total", order.Total.StringFixed(2)))
		return nil
	}
}

func watchQueueEvents(ctx context.Context, lifecycle *conc.WaitGroup, bus eventbus.Bus, logger observability.Logger) error {
	logger = observability.Or(logger)
	for _, typ := range watchedQueueEvents {
		_, events, err := bus.Subscribe(ctx, typ)
		if err != nil {
			return err
		}
		lifecycle.Go(func() {
			for evt := range events {
				logger.Debug("queue changed",
					observability.F("event", evt.Type),
					observability.F("order_id", evt.OrderID),
					observability.F("size", evt.Size))
			}
		})
	}
	return nil
}

func startStatusServer(lifecycle *conc.WaitGroup, logger observability.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server", observability.Err(err))
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	pipeline   *pipeline.Pipeline
	eventBus   eventbus.Bus
	store      *persistence.Store
	telemetry  *telemetry.Provider
}

// performGracefulShutdown runs every step even when earlier ones fail and returns
// the joined step failures.
func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) error {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown: "+name+" failed", observability.Err(err))
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
		} else {
			logger.Info("shutdown: " + name + " completed")
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping status server", statusServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Info("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitLifecycle(stepCtx, cfg.lifecycle)
		})
	}

	if cfg.pipeline != nil {
		shutdownStep("closing pipeline", pipelineShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.pipeline.Close(stepCtx)
		})
	}

	if cfg.eventBus != nil {
		shutdownStep("closing event bus", eventBusShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.eventBus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.store != nil {
		shutdownStep("closing storage", storeShutdownTimeout, func(context.Context) error {
			return cfg.store.Close()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}

	return observability.JoinErrors(logger, "shutdown", failures...)
}

func waitLifecycle(ctx context.Context, lifecycle *conc.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		lifecycle.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for goroutines: %w", ctx.Err())
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
