package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/botfoods/orderfeed/internal/telemetry"
)

const poolMeterName = "orderfeed.postgres"

type poolCounts struct {
	total, idle, acquired, constructing int32
}

type poolGauges struct {
	total, idle, acquired, constructing metric.Int64ObservableGauge
}

// ObservePool reports pgx pool occupancy as observable gauges on the global meter
// provider. The returned registration stops reporting when unregistered.
func ObservePool(pool *pgxpool.Pool, poolName string) (metric.Registration, error) {
	if pool == nil {
		return nil, nil
	}
	return observeCounts(otel.Meter(poolMeterName), poolName, func() poolCounts {
		stat := pool.Stat()
		return poolCounts{
			total:        stat.TotalConns(),
			idle:         stat.IdleConns(),
			acquired:     stat.AcquiredConns(),
			constructing: stat.ConstructingConns(),
		}
	})
}

func observeCounts(meter metric.Meter, poolName string, read func() poolCounts) (metric.Registration, error) {
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}
	attrs := metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("db_pool", name),
	)

	var g poolGauges
	var err error
	gauge := func(suffix, description string) metric.Int64ObservableGauge {
		if err != nil {
			return nil
		}
		var inst metric.Int64ObservableGauge
		inst, err = meter.Int64ObservableGauge("orderfeed.db.pool.connections."+suffix,
			metric.WithDescription(description),
			metric.WithUnit("{connection}"))
		return inst
	}
	g.total = gauge("total", "Open connections in the slot store pool")
	g.idle = gauge("idle", "Idle connections ready for checkout")
	g.acquired = gauge("acquired", "Connections held by a slot update")
	g.constructing = gauge("constructing", "Connections being established")
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		counts := read()
		o.ObserveInt64(g.total, int64(counts.total), attrs)
		o.ObserveInt64(g.idle, int64(counts.idle), attrs)
		o.ObserveInt64(g.acquired, int64(counts.acquired), attrs)
		o.ObserveInt64(g.constructing, int64(counts.constructing), attrs)
		return nil
	}, g.total, g.idle, g.acquired, g.constructing)
}
