package ygggo_odbc

import (
	"context"
	"log/slog"
	"os"
	"time"

	mysql "github.com/go-sql-driver/mysql"
	slogctx "github.com/veqryn/slog-context"
	"go.opentelemetry.io/otel/metric"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Enabled            bool
	SlowQueryThreshold time.Duration
	Level              slog.Level
}

var (
	defaultLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
)

// instrumentation carries the logging, tracing and metrics switches shared by
// a Pool and every Conn it opens. Configure it before issuing work.
type instrumentation struct {
	system string

	loggingEnabled     bool
	logger             *slog.Logger
	slowQueryThreshold time.Duration

	telemetryEnabled bool

	metricsEnabled bool
	meterProvider  metric.MeterProvider
	metrics        *Metrics
}

func newInstrumentation(system string) *instrumentation {
	return &instrumentation{system: system}
}

// EnableLogging enables or disables structured logging
func (o *instrumentation) EnableLogging(enabled bool) {
	if o == nil { return }
	o.loggingEnabled = enabled
	if enabled && o.logger == nil {
		o.logger = defaultLogger
	}
}

// SetLogger sets a custom logger
func (o *instrumentation) SetLogger(logger *slog.Logger) {
	if o == nil { return }
	o.logger = logger
}

// SetSlowQueryThreshold sets the duration above which statements are logged as slow.
func (o *instrumentation) SetSlowQueryThreshold(d time.Duration) {
	if o == nil { return }
	o.slowQueryThreshold = d
}

// loggerFor returns the configured logger, or the one carried by ctx.
func (o *instrumentation) loggerFor(ctx context.Context) *slog.Logger {
	if o.logger != nil { return o.logger }
	return slogctx.FromCtx(ctx)
}

// logStatement logs one finished statement with structured fields
func (o *instrumentation) logStatement(ctx context.Context, operation, query string, args []any, duration time.Duration, err error) {
	if o == nil || !o.loggingEnabled { return }
	logger := o.loggerFor(ctx)

	attrs := []slog.Attr{
		slog.String("operation", operation),
		slog.String("query", query),
		slog.Float64("duration_ms", float64(duration.Nanoseconds())/1e6),
	}
	if len(args) > 0 {
		attrs = append(attrs, slog.Int("arg_count", len(args)))
	}

	if err != nil {
		attrs = append(attrs,
			slog.String("status", "error"),
			slog.String("error", err.Error()),
			slog.String("error_class", Classify(err).String()),
		)
		if code, ok := errorCode(err); ok {
			attrs = append(attrs, slog.Int("error_code", code))
		}
	} else {
		attrs = append(attrs, slog.String("status", "success"))
	}

	if o.slowQueryThreshold > 0 && duration > o.slowQueryThreshold {
		logger.LogAttrs(ctx, slog.LevelWarn, "slow statement detected", attrs...)
		return
	}
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	}
	logger.LogAttrs(ctx, level, "statement executed", attrs...)
}

// logConnection logs connection lifecycle events
func (o *instrumentation) logConnection(ctx context.Context, event, connID string, duration time.Duration, err error) {
	if o == nil || !o.loggingEnabled { return }
	logger := o.loggerFor(ctx)

	attrs := []slog.Attr{
		slog.String("event", event),
		slog.String("conn_id", connID),
		slog.Float64("duration_ms", float64(duration.Nanoseconds())/1e6),
	}
	if err != nil {
		attrs = append(attrs,
			slog.String("status", "error"),
			slog.String("error", err.Error()),
		)
		logger.LogAttrs(ctx, slog.LevelError, "connection event", attrs...)
		return
	}
	attrs = append(attrs, slog.String("status", "success"))
	logger.LogAttrs(ctx, slog.LevelDebug, "connection event", attrs...)
}

// logPoolStats logs connection pool statistics
func (o *instrumentation) logPoolStats(ctx context.Context, msg string, stats PoolStats) {
	if o == nil || !o.loggingEnabled { return }

	o.loggerFor(ctx).LogAttrs(ctx, slog.LevelDebug, msg,
		slog.Int("idle_connections", stats.Idle),
		slog.Int("busy_connections", stats.Busy),
		slog.Int("opening_connections", stats.Opening),
		slog.Int("total_connections", stats.Total),
		slog.Int("pending_requests", stats.Pending),
		slog.Int("floor", stats.Floor),
		slog.Int("ceiling", stats.Ceiling),
	)
}

func (o *instrumentation) logUnhandled(ctx context.Context, id QueryID, query string, err error) {
	if o == nil { return }
	// unhandled statement errors are always reported, even with logging disabled
	logger := o.logger
	if logger == nil {
		logger = slogctx.FromCtx(ctx)
	}
	logger.LogAttrs(ctx, slog.LevelError, "unhandled statement error",
		slog.Uint64("query_id", uint64(id)),
		slog.String("query", query),
		slog.String("error", err.Error()),
	)
}

func errorCode(err error) (int, bool) {
	if mysqlErr, ok := err.(*mysql.MySQLError); ok {
		return int(mysqlErr.Number), true
	}
	if ne, ok := err.(*NativeError); ok && ne.Code != 0 {
		return ne.Code, true
	}
	return 0, false
}
