// Package telemetry owns the OpenTelemetry meter provider and the order feed instruments.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const (
	defaultServiceName    = "orderfeed"
	defaultServiceVersion = "1.0.0"
	defaultEndpoint       = "localhost:4318"
	defaultExportInterval = 30 * time.Second
)

var environmentLabel atomic.Value

// Config selects whether and where metrics are exported.
type Config struct {
	Enabled        bool
	Endpoint       string
	Insecure       bool
	ExportInterval time.Duration
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Reader replaces the OTLP exporter, e.g. with a ManualReader in tests.
	Reader sdkmetric.Reader
}

func (c Config) withDefaults() Config {
	c.Endpoint = stripScheme(strings.TrimSpace(c.Endpoint))
	if c.Endpoint == "" {
		c.Endpoint = defaultEndpoint
	}
	if c.ExportInterval <= 0 {
		c.ExportInterval = defaultExportInterval
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = defaultServiceName
	}
	if strings.TrimSpace(c.ServiceVersion) == "" {
		c.ServiceVersion = defaultServiceVersion
	}
	return c
}

// Provider holds the SDK meter provider. A disabled Provider hands out no-op meters.
type Provider struct {
	sdk *sdkmetric.MeterProvider
}

// NewProvider builds the meter provider described by cfg and installs it globally.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	cfg = cfg.withDefaults()
	SetEnvironment(cfg.Environment)
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			attribute.String("environment", Environment()),
		),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	reader := cfg.Reader
	if reader == nil {
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.ExportInterval))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
		sdkmetric.WithView(latencyViews()...),
	)
	otel.SetMeterProvider(mp)
	return &Provider{sdk: mp}, nil
}

// Enabled reports whether metrics are exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.sdk != nil
}

// MeterProvider returns the provider instruments should record into.
func (p *Provider) MeterProvider() metric.MeterProvider {
	if !p.Enabled() {
		return noop.NewMeterProvider()
	}
	return p.sdk
}

// Meter returns a named meter from MeterProvider.
func (p *Provider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return p.MeterProvider().Meter(name, opts...)
}

// Shutdown flushes pending exports and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	if err := p.sdk.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}

// latency bucket boundaries in milliseconds, keyed by histogram name
var latencyBuckets = map[string][]float64{
	"orderfeed.poll.duration":         {5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	"orderfeed.dispatch.duration":     {0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
	"orderfeed.queue.append.duration": {0.5, 1, 2, 5, 10, 25, 50, 100, 250, 1000, 5000},
}

func latencyViews() []sdkmetric.View {
	views := make([]sdkmetric.View, 0, len(latencyBuckets))
	for name, bounds := range latencyBuckets {
		views = append(views, sdkmetric.NewView(
			sdkmetric.Instrument{Name: name, Kind: sdkmetric.InstrumentKindHistogram},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds}},
		))
	}
	return views
}

// stripScheme turns a collector URL into the host:port the OTLP HTTP exporter expects.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}

// SetEnvironment sets the environment label attached to every instrument.
func SetEnvironment(env string) {
	environmentLabel.Store(strings.ToLower(strings.TrimSpace(env)))
}

// Environment returns the environment label, "development" when unset.
func Environment() string {
	if env, _ := environmentLabel.Load().(string); env != "" {
		return env
	}
	return "development"
}
