package ygggo_odbc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func spanNamed(spans tracetest.SpanStubs, name string) (tracetest.SpanStub, bool) {
	for _, s := range spans {
		if s.Name == name { return s, true }
	}
	return tracetest.SpanStub{}, false
}

func attrValue(attrs []attribute.KeyValue, key string) string {
	for _, kv := range attrs {
		if string(kv.Key) == key { return kv.Value.AsString() }
	}
	return ""
}

func TestTelemetry_QuerySpan(t *testing.T) {
	exporter := recordSpans(t)
	cfg := ConnConfig{Telemetry: TelemetryConfig{Enabled: true}}
	c, _ := openMock(t, WithConnConfig(cfg), WithSystem("mysql"))

	_, err := c.Query(testCtx(t), "SELECT 1")
	require.NoError(t, err)

	spans := exporter.GetSpans()
	_, ok := spanNamed(spans, "ygggo_odbc.open")
	assert.True(t, ok, "open span")

	span, ok := spanNamed(spans, "ygggo_odbc.query")
	require.True(t, ok, "query span")
	assert.Equal(t, codes.Ok, span.Status.Code)
	assert.Equal(t, "mysql", attrValue(span.Attributes, "db.system"))
	assert.Equal(t, "query", attrValue(span.Attributes, "db.operation"))
	assert.Equal(t, "SELECT 1", attrValue(span.Attributes, "db.statement"))
}

func TestTelemetry_ErrorSpan(t *testing.T) {
	exporter := recordSpans(t)
	cfg := ConnConfig{Telemetry: TelemetryConfig{Enabled: true}}
	c, _ := openMock(t, WithConnConfig(cfg))

	_, err := c.Query(testCtx(t), "SELECT missing")
	require.Error(t, err)

	span, ok := spanNamed(exporter.GetSpans(), "ygggo_odbc.query")
	require.True(t, ok)
	assert.Equal(t, codes.Error, span.Status.Code)
	assert.Contains(t, span.Status.Description, "unexpected statement")
	require.NotEmpty(t, span.Events)
	assert.Equal(t, "exception", span.Events[0].Name)
	assert.Equal(t, "odbc", attrValue(span.Attributes, "db.system"))
}

func TestTelemetry_HandlerKinds(t *testing.T) {
	exporter := recordSpans(t)
	cfg := ConnConfig{Telemetry: TelemetryConfig{Enabled: true}}
	c, drv := openMock(t, WithConnConfig(cfg))
	drv.OnProcedure("calc", RowCount(0))
	drv.On("SELECT ?", Rows([]string{"v"}, []any{1}))
	ctx := testCtx(t)

	_, err := c.CallProcedure(ctx, "calc")
	require.NoError(t, err)
	p, err := c.Prepare(ctx, "SELECT ?")
	require.NoError(t, err)
	_, err = p.Query(ctx, 1)
	require.NoError(t, err)
	_, err = c.BulkInsert(ctx, "t", []string{"a"}, [][]any{{1}}, false)
	require.NoError(t, err)

	spans := exporter.GetSpans()
	for _, name := range []string{"ygggo_odbc.procedure", "ygggo_odbc.prepared", "ygggo_odbc.bulk_insert"} {
		_, ok := spanNamed(spans, name)
		assert.True(t, ok, name)
	}
}

func TestTelemetry_DisabledRecordsNothing(t *testing.T) {
	exporter := recordSpans(t)
	c, _ := openMock(t)

	_, err := c.Query(testCtx(t), "SELECT 1")
	require.NoError(t, err)
	assert.Empty(t, exporter.GetSpans())
}

func TestTelemetry_PoolSpansUseDriverName(t *testing.T) {
	exporter := recordSpans(t)
	drv := NewMockDriver()
	p := openTestPool(t, drv, func(c *PoolConfig) { c.Telemetry.Enabled = true })

	_, err := p.Query(testCtx(t), "SELECT 1")
	require.NoError(t, err)

	span, ok := spanNamed(exporter.GetSpans(), "ygggo_odbc.query")
	require.True(t, ok)
	assert.Equal(t, "mock", attrValue(span.Attributes, "db.system"))
}
