package postgres

import (
	"context"
	"testing"

	json "github.com/goccy/go-json"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestSlotStoreNilPool(t *testing.T) {
	store := NewSlotStore(nil)
	ctx := context.Background()
	if _, err := store.Load(ctx, "order_queue"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.Save(ctx, "order_queue", json.RawMessage(`[]`)); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.Delete(ctx, "order_queue"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close with nil pool: %v", err)
	}
}

func TestNewPoolRequiresDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), PoolConfig{}); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestNewPoolRejectsMalformedDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), PoolConfig{DSN: "postgres://%zz"}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestObservePoolNilPool(t *testing.T) {
	reg, err := ObservePool(nil, "primary")
	if err != nil || reg != nil {
		t.Fatalf("expected no registration for nil pool, got %v %v", reg, err)
	}
}

func TestObserveCountsReportsGauges(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	reg, err := observeCounts(provider.Meter("test"), "", func() poolCounts {
		return poolCounts{total: 4, idle: 3, acquired: 1}
	})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer func() { _ = reg.Unregister() }()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	got := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			gauge, ok := m.Data.(metricdata.Gauge[int64])
			if !ok || len(gauge.DataPoints) != 1 {
				t.Fatalf("unexpected data for %s: %#v", m.Name, m.Data)
			}
			if pool, _ := gauge.DataPoints[0].Attributes.Value("db_pool"); pool.AsString() != "primary" {
				t.Fatalf("expected default pool label, got %q", pool.AsString())
			}
			got[m.Name] = gauge.DataPoints[0].Value
		}
	}
	if got["orderfeed.db.pool.connections.total"] != 4 || got["orderfeed.db.pool.connections.acquired"] != 1 {
		t.Fatalf("unexpected gauges: %v", got)
	}
	if v, ok := got["orderfeed.db.pool.connections.constructing"]; !ok || v != 0 {
		t.Fatalf("constructing gauge missing or wrong: %v", got)
	}
}
