package ygggo_odbc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newMetricReader() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

// sumValue returns the data point of an int64 sum matching attrs exactly.
func sumValue(t *testing.T, m metricdata.Metrics, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)
	want := attribute.NewSet(attrs...)
	for _, dp := range sum.DataPoints {
		if dp.Attributes.Equals(&want) { return dp.Value }
	}
	return 0
}

func TestMetrics_Statements(t *testing.T) {
	reader, mp := newMetricReader()
	c, _ := openMock(t)
	c.SetMeterProvider(mp)
	c.EnableMetrics(true)
	ctx := testCtx(t)

	for range 2 {
		_, err := c.Query(ctx, "SELECT 1")
		require.NoError(t, err)
	}
	_, err := c.Query(ctx, "SELECT missing")
	require.Error(t, err)

	got := collectMetrics(t, reader)
	stmts, ok := got["ygggo_odbc_statements_total"]
	require.True(t, ok)
	assert.EqualValues(t, 2, sumValue(t, stmts,
		attribute.String("operation", "query"), attribute.String("status", "success")))
	assert.EqualValues(t, 1, sumValue(t, stmts,
		attribute.String("operation", "query"), attribute.String("status", "error")))

	hist, ok := got["ygggo_odbc_statement_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.EqualValues(t, 3, count)
}

func TestMetrics_Transactions(t *testing.T) {
	reader, mp := newMetricReader()
	c, drv := openMock(t)
	c.SetMeterProvider(mp)
	c.EnableMetrics(true)
	drv.On("UPDATE t SET a = 1", RowCount(1))

	err := c.WithinTx(testCtx(t), RetryPolicy{}, func(ctx context.Context, c *Conn) error {
		_, err := c.Exec(ctx, "UPDATE t SET a = 1")
		return err
	})
	require.NoError(t, err)

	got := collectMetrics(t, reader)
	assert.EqualValues(t, 1, sumValue(t, got["ygggo_odbc_transactions_total"], attribute.String("status", "success")))
}

func TestMetrics_Pool(t *testing.T) {
	reader, mp := newMetricReader()
	drv := NewMockDriver()
	cfg := TestingPoolConfig()
	cfg.ConnectionString = "DRIVER=mock"
	cfg.Floor = 1
	p, err := NewPool(drv, cfg)
	require.NoError(t, err)
	p.SetMeterProvider(mp)
	p.EnableMetrics(true)
	require.NoError(t, p.Open(testCtx(t)))

	_, err = p.Query(testCtx(t), "SELECT 1")
	require.NoError(t, err)

	got := collectMetrics(t, reader)
	assert.EqualValues(t, 1, sumValue(t, got["ygggo_odbc_connections_opened_total"]))
	assert.EqualValues(t, 1, sumValue(t, got["ygggo_odbc_connections_active"]))
	assert.EqualValues(t, 1, sumValue(t, got["ygggo_odbc_pool_checkouts_total"]))

	require.NoError(t, p.Close(context.Background()))
	got = collectMetrics(t, reader)
	assert.EqualValues(t, 0, sumValue(t, got["ygggo_odbc_connections_active"]))
}

func TestMetrics_OpenFailures(t *testing.T) {
	reader, mp := newMetricReader()
	drv := NewMockDriver()
	drv.FailOpens(&NativeError{Message: "refused", SQLState: "08001"})
	cfg := TestingPoolConfig()
	cfg.ConnectionString = "DRIVER=mock"
	cfg.Floor = 1
	p, err := NewPool(drv, cfg)
	require.NoError(t, err)
	p.SetMeterProvider(mp)
	p.EnableMetrics(true)

	require.Error(t, p.Open(testCtx(t)))
	got := collectMetrics(t, reader)
	assert.EqualValues(t, 1, sumValue(t, got["ygggo_odbc_connection_failures_total"]))
}
