package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DBMetricsConfig holds configuration for database metrics collection.
type DBMetricsConfig struct {
	Enabled            bool
	SlowQueryThreshold time.Duration // default 200ms
}

// DBMetrics records query counts, latency and connection pool state for a
// gorm database.
type DBMetrics struct {
	meter          metric.Meter
	queryTotal     *Counter
	queryDuration  *Histogram
	slowQueryTotal *Counter
	poolGauge      metric.Int64ObservableGauge
	registration   metric.Registration

	config DBMetricsConfig
	logger *zap.Logger
}

// NewDBMetrics creates the query instruments on meter.
func NewDBMetrics(meter metric.Meter, cfg DBMetricsConfig, logger *zap.Logger) (*DBMetrics, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = 200 * time.Millisecond
	}

	m := &DBMetrics{meter: meter, config: cfg, logger: logger}
	var err error

	if m.queryTotal, err = NewCounter(meter, "db_query_total",
		"Database queries by operation", "{query}"); err != nil {
		return nil, err
	}
	if m.queryDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "db_query_duration_seconds",
		Description: "Database query latency",
		Unit:        "s",
		Boundaries:  DBDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if m.slowQueryTotal, err = NewCounter(meter, "db_slow_query_total",
		"Database queries slower than the threshold", "{query}"); err != nil {
		return nil, err
	}
	if m.poolGauge, err = meter.Int64ObservableGauge("db_pool_connections",
		metric.WithDescription("Connections in the pool by state"),
		metric.WithUnit("{connection}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create gauge db_pool_connections: %w", err)
	}

	return m, nil
}

// Register installs the query callbacks on db and reports its pool state.
// It has the signature of a store factory database hook.
func (m *DBMetrics) Register(db *gorm.DB) error {
	if !m.config.Enabled {
		return nil
	}

	if err := registerAround(db, "metrics", markQueryStart, m.recordQuery); err != nil {
		return fmt.Errorf("failed to register metrics callbacks: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	m.registration, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := sqlDB.Stats()
		o.ObserveInt64(m.poolGauge, int64(stats.InUse), metric.WithAttributes(AttrDBState.String("in_use")))
		o.ObserveInt64(m.poolGauge, int64(stats.Idle), metric.WithAttributes(AttrDBState.String("idle")))
		o.ObserveInt64(m.poolGauge, int64(stats.MaxOpenConnections), metric.WithAttributes(AttrDBState.String("max")))
		return nil
	}, m.poolGauge)
	if err != nil {
		return fmt.Errorf("failed to register pool callback: %w", err)
	}

	m.logger.Info("Database metrics enabled", zap.Duration("slow_query_threshold", m.config.SlowQueryThreshold))
	return nil
}

func (m *DBMetrics) recordQuery(db *gorm.DB) {
	elapsed, ok := queryElapsed(db)
	if !ok {
		return
	}
	ctx := db.Statement.Context
	if ctx == nil {
		ctx = context.Background()
	}

	attrs := AttrDBOperation.String(operationOf(db))
	table := AttrDBTable.String(db.Statement.Table)

	m.queryTotal.Inc(ctx, attrs, table)
	m.queryDuration.RecordDuration(ctx, elapsed, attrs, table)
	if elapsed > m.config.SlowQueryThreshold {
		m.slowQueryTotal.Inc(ctx, attrs, table)
		m.logger.Warn("Slow query",
			zap.String("table", db.Statement.Table),
			zap.Duration("elapsed", elapsed),
		)
	}
}

// Unregister stops reporting pool state
func (m *DBMetrics) Unregister() error {
	if m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}
