package ygggo_odbc

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricsInstrumentationName = "github.com/yggai/ygggo_odbc"
)

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool
}

// Metrics holds all the metric instruments
type Metrics struct {
	// Connection metrics
	connectionsActive  metric.Int64UpDownCounter
	connectionsOpened  metric.Int64Counter
	connectionFailures metric.Int64Counter

	// Statement metrics
	statementsTotal   metric.Int64Counter
	statementDuration metric.Float64Histogram

	// Pool metrics
	poolCheckouts metric.Int64Counter
	poolPending   metric.Int64UpDownCounter

	// Transaction metrics
	transactionsTotal metric.Int64Counter
}

// EnableMetrics enables or disables metrics collection
func (o *instrumentation) EnableMetrics(enabled bool) {
	if o == nil { return }
	o.metricsEnabled = enabled
	if enabled && o.metrics == nil {
		o.initMetrics()
	}
}

// SetMeterProvider sets a custom meter provider for metrics
func (o *instrumentation) SetMeterProvider(provider metric.MeterProvider) {
	if o == nil { return }
	o.meterProvider = provider
	if o.metricsEnabled {
		o.initMetrics()
	}
}

// initMetrics initializes all metric instruments
func (o *instrumentation) initMetrics() {
	var meter metric.Meter
	if o.meterProvider != nil {
		meter = o.meterProvider.Meter(metricsInstrumentationName)
	} else {
		meter = otel.Meter(metricsInstrumentationName)
	}

	m := &Metrics{}
	m.connectionsActive, _ = meter.Int64UpDownCounter(
		"ygggo_odbc_connections_active",
		metric.WithDescription("Number of open native connections"),
	)
	m.connectionsOpened, _ = meter.Int64Counter(
		"ygggo_odbc_connections_opened_total",
		metric.WithDescription("Total number of native connections opened"),
	)
	m.connectionFailures, _ = meter.Int64Counter(
		"ygggo_odbc_connection_failures_total",
		metric.WithDescription("Total number of failed connection opens"),
	)
	m.statementsTotal, _ = meter.Int64Counter(
		"ygggo_odbc_statements_total",
		metric.WithDescription("Total number of statements executed"),
	)
	m.statementDuration, _ = meter.Float64Histogram(
		"ygggo_odbc_statement_duration_seconds",
		metric.WithDescription("Duration of statements from start to completion"),
		metric.WithUnit("s"),
	)
	m.poolCheckouts, _ = meter.Int64Counter(
		"ygggo_odbc_pool_checkouts_total",
		metric.WithDescription("Total number of pool checkouts"),
	)
	m.poolPending, _ = meter.Int64UpDownCounter(
		"ygggo_odbc_pool_pending_requests",
		metric.WithDescription("Requests waiting for a pooled connection"),
	)
	m.transactionsTotal, _ = meter.Int64Counter(
		"ygggo_odbc_transactions_total",
		metric.WithDescription("Total number of transactions"),
	)
	o.metrics = m
}

func (o *instrumentation) metricsOn() bool {
	return o != nil && o.metricsEnabled && o.metrics != nil
}

func statusOf(err error) string {
	if err != nil { return "error" }
	return "success"
}

func (o *instrumentation) recordConnOpened(ctx context.Context, err error) {
	if !o.metricsOn() { return }
	if err != nil {
		o.metrics.connectionFailures.Add(ctx, 1)
		return
	}
	o.metrics.connectionsOpened.Add(ctx, 1)
	o.metrics.connectionsActive.Add(ctx, 1)
}

func (o *instrumentation) recordConnClosed(ctx context.Context) {
	if !o.metricsOn() { return }
	o.metrics.connectionsActive.Add(ctx, -1)
}

// recordStatement records statement execution metrics
func (o *instrumentation) recordStatement(ctx context.Context, operation string, duration time.Duration, err error) {
	if !o.metricsOn() { return }

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", statusOf(err)),
	)
	o.metrics.statementsTotal.Add(ctx, 1, attrs)
	o.metrics.statementDuration.Record(ctx, duration.Seconds(), attrs)
}

func (o *instrumentation) recordCheckout(ctx context.Context) {
	if !o.metricsOn() { return }
	o.metrics.poolCheckouts.Add(ctx, 1)
}

func (o *instrumentation) recordPending(ctx context.Context, delta int64) {
	if !o.metricsOn() { return }
	o.metrics.poolPending.Add(ctx, delta)
}

func (o *instrumentation) recordTransaction(ctx context.Context, err error) {
	if !o.metricsOn() { return }
	o.metrics.transactionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", statusOf(err))))
}
