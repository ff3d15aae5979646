package ygggo_odbc

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	slogctx "github.com/veqryn/slog-context"
)

// logEntries decodes JSON log lines carrying msg.
func logEntries(t *testing.T, out, msg string) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" { continue }
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		if entry["msg"] == msg { entries = append(entries, entry) }
	}
	return entries
}

func newJSONLogger(buf *safeBuffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestLogging_StatementExecuted(t *testing.T) {
	buf := &safeBuffer{}
	c, _ := openMock(t, WithLogger(newJSONLogger(buf)))

	_, err := c.Query(testCtx(t), "SELECT 1")
	require.NoError(t, err)

	entries := logEntries(t, buf.String(), "statement executed")
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "INFO", e["level"])
	assert.Equal(t, "query", e["operation"])
	assert.Equal(t, "SELECT 1", e["query"])
	assert.Equal(t, "success", e["status"])
	assert.Contains(t, e, "duration_ms")
}

func TestLogging_StatementError(t *testing.T) {
	buf := &safeBuffer{}
	c, drv := openMock(t, WithLogger(newJSONLogger(buf)))
	drv.On("INSERT INTO t VALUES (?)", Fail(&NativeError{Message: "duplicate", SQLState: "23000", Code: 1062}))

	_, err := c.Exec(testCtx(t), "INSERT INTO t VALUES (?)", 1)
	require.Error(t, err)

	entries := logEntries(t, buf.String(), "statement executed")
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "ERROR", e["level"])
	assert.Equal(t, "error", e["status"])
	assert.Equal(t, "conflict", e["error_class"])
	assert.EqualValues(t, 1062, e["error_code"])
	assert.EqualValues(t, 1, e["arg_count"])
}

func TestLogging_SlowStatement(t *testing.T) {
	buf := &safeBuffer{}
	cfg := ConnConfig{Logging: LoggingConfig{Enabled: true, SlowQueryThreshold: 10 * time.Millisecond}}
	c, drv := openMock(t, WithConnConfig(cfg), WithLogger(newJSONLogger(buf)))
	drv.On("SELECT SLEEP(1)", RowCount(0)).WithDelay(30 * time.Millisecond)

	_, err := c.Query(testCtx(t), "SELECT SLEEP(1)")
	require.NoError(t, err)

	slow := logEntries(t, buf.String(), "slow statement detected")
	require.Len(t, slow, 1)
	assert.Equal(t, "WARN", slow[0]["level"])
	assert.Empty(t, logEntries(t, buf.String(), "statement executed"))
}

func TestLogging_DisabledStillReportsUnhandled(t *testing.T) {
	buf := &safeBuffer{}
	c, drv := openMock(t, WithLogger(newJSONLogger(buf)))
	c.EnableLogging(false)
	drv.On("BROKEN").FailBegin(&NativeError{Message: "kaput"})

	_, err := c.Query(testCtx(t), "SELECT 1")
	require.NoError(t, err)
	assert.Empty(t, logEntries(t, buf.String(), "statement executed"))

	s := c.Statement(testCtx(t), "BROKEN")
	require.NoError(t, s.Submit(nil))
	<-s.Done()
	assert.Len(t, logEntries(t, buf.String(), "unhandled statement error"), 1)
	assert.Empty(t, logEntries(t, buf.String(), "statement executed"))
}

func TestLogging_ContextLogger(t *testing.T) {
	buf := &safeBuffer{}
	ctx := slogctx.NewCtx(context.Background(), newJSONLogger(buf))
	c, drv := openMock(t)
	drv.On("BROKEN").FailBegin(&NativeError{Message: "kaput"})

	s := c.Statement(ctx, "BROKEN")
	require.NoError(t, s.Submit(nil))
	<-s.Done()
	entries := logEntries(t, buf.String(), "unhandled statement error")
	require.Len(t, entries, 1)
	assert.Equal(t, "BROKEN", entries[0]["query"])
	assert.Contains(t, entries[0]["error"], "kaput")
}

func TestLogging_ConnectionEvents(t *testing.T) {
	buf := &safeBuffer{}
	drv := NewMockDriver()
	drv.FailOpens(&NativeError{Message: "login failed", SQLState: "28000"})

	_, err := Open(testCtx(t), drv, "DRIVER=mock", WithLogger(newJSONLogger(buf)))
	require.Error(t, err)
	c, err := Open(testCtx(t), drv, "DRIVER=mock", WithLogger(newJSONLogger(buf)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	entries := logEntries(t, buf.String(), "connection event")
	require.Len(t, entries, 2)
	assert.Equal(t, "error", entries[0]["status"])
	assert.Equal(t, "success", entries[1]["status"])
	assert.Equal(t, c.ID(), entries[1]["conn_id"])
}
