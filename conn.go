package ygggo_odbc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agnosticeng/panicsafe"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Conn owns one native connection and the queue serializing its work.
// At most one statement runs on a Conn at a time; the rest wait in FIFO order.
type Conn struct {
	*instrumentation

	id       string
	openedAt time.Time
	config   ConnConfig
	native   NativeConn
	loop     *eventLoop
	queue    *workQueue
	reg      *registry

	mu        sync.Mutex
	stmtCache *stmtCache

	closing  atomic.Bool
	closedCh chan struct{}
	closeErr error

	statements atomic.Int64
	failures   atomic.Int64
	lastActive atomic.Int64
}

// ConnStats is a snapshot of one connection.
type ConnStats struct {
	ID         string
	OpenedAt   time.Time
	LastActive time.Time
	Pending    int
	Busy       bool
	Closed     bool
	Statements int64
	Errors     int64
}

// ConnOption configures Open.
type ConnOption func(*connOptions)

type connOptions struct {
	config ConnConfig
	system string
	logger *slog.Logger
	obs    *instrumentation
}

// WithConnConfig sets timeouts, cache size and instrumentation switches.
func WithConnConfig(cfg ConnConfig) ConnOption {
	return func(o *connOptions) { o.config = cfg }
}

// WithLogger sets the logger and enables logging.
func WithLogger(l *slog.Logger) ConnOption {
	return func(o *connOptions) {
		o.logger = l
		o.config.Logging.Enabled = true
	}
}

// WithQueryTimeout sets the default driver-level statement timeout.
func WithQueryTimeout(d time.Duration) ConnOption {
	return func(o *connOptions) { o.config.QueryTimeout = d }
}

// WithConnectTimeout bounds the native open.
func WithConnectTimeout(d time.Duration) ConnOption {
	return func(o *connOptions) { o.config.ConnectTimeout = d }
}

// WithSystem names the database system in spans, e.g. "mysql".
func WithSystem(name string) ConnOption {
	return func(o *connOptions) { o.system = name }
}

// withInstrumentation shares a pool's instrumentation with its connections.
func withInstrumentation(obs *instrumentation) ConnOption {
	return func(o *connOptions) { o.obs = obs }
}

func (o *connOptions) instrumentation() *instrumentation {
	if o.obs != nil { return o.obs }
	obs := newInstrumentation(o.system)
	if o.logger != nil { obs.SetLogger(o.logger) }
	obs.EnableLogging(o.config.Logging.Enabled)
	obs.SetSlowQueryThreshold(o.config.Logging.SlowQueryThreshold)
	obs.EnableTelemetry(o.config.Telemetry.Enabled)
	obs.EnableMetrics(o.config.Metrics.Enabled)
	return obs
}

// Open opens a native connection through driver. The ctx deadline, or the
// configured connect timeout, bounds the open.
func Open(ctx context.Context, driver Driver, connStr string, opts ...ConnOption) (*Conn, error) {
	o := &connOptions{system: "odbc"}
	for _, opt := range opts {
		opt(o)
	}
	o.config.ConnectionString = connStr
	obs := o.instrumentation()
	reg := currentRegistry()

	openCtx := ctx
	if o.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, o.config.ConnectTimeout)
		defer cancel()
	}
	openCtx, span := obs.startSpan(openCtx, "open", "")
	start := time.Now()

	var nc NativeConn
	err := panicsafe.Recover(func() error {
		var err error
		nc, err = driver.Open(openCtx, connStr)
		return err
	})
	if err == nil && nc == nil {
		err = errors.New("driver returned no connection")
	}
	if err != nil && openCtx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("%w: %w", ErrQueryTimeout, err)
	}
	obs.finishSpan(span, err)
	obs.recordConnOpened(ctx, err)
	if err != nil {
		obs.logConnection(ctx, "open", "", time.Since(start), err)
		return nil, fmt.Errorf("open connection: %w", err)
	}

	c := newConn(nc, o.config, obs, reg)
	obs.logConnection(ctx, "open", c.id, time.Since(start), nil)
	return c, nil
}

// OpenAsync opens a connection on a worker and hands the outcome to cb.
func OpenAsync(driver Driver, connStr string, cb func(*Conn, error), opts ...ConnOption) {
	currentRegistry().submit(func() {
		c, err := Open(context.Background(), driver, connStr, opts...)
		cb(c, err)
	})
}

func newConn(nc NativeConn, cfg ConnConfig, obs *instrumentation, reg *registry) *Conn {
	c := &Conn{
		instrumentation: obs,
		id:              uuid.NewString(),
		openedAt:        time.Now(),
		config:          cfg,
		native:          nc,
		reg:             reg,
		stmtCache:       newStmtCache(cfg.StmtCacheSize),
		closedCh:        make(chan struct{}),
	}
	c.lastActive.Store(c.openedAt.UnixNano())
	c.loop = newEventLoop(func(err error) {
		c.loggerFor(context.Background()).Error("connection loop panic",
			slog.String("conn_id", c.id), slog.String("error", err.Error()))
	})
	c.queue = newWorkQueue(c.loop)
	reg.addConn(c)
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Statement returns an unsubmitted statement for sql. Register event handlers,
// then call Submit.
func (c *Conn) Statement(ctx context.Context, sql string, params ...any) *Statement {
	return newStatement(ctx, c, &plainHandler{sql: sql, params: params}, sql, params)
}

// QueryCallback submits sql and reports through cb.
func (c *Conn) QueryCallback(ctx context.Context, sql string, params []any, cb Callback) (*Statement, error) {
	s := c.Statement(ctx, sql, params...)
	return s, s.Submit(cb)
}

// Query runs sql and buffers every resultset. The error is the single
// per-statement error, or a *multierror.Error when several statements failed.
func (c *Conn) Query(ctx context.Context, sql string, params ...any) (*Results, error) {
	return c.run(ctx, c.Statement(ctx, sql, params...))
}

// Exec runs sql and returns the summed rowcount.
func (c *Conn) Exec(ctx context.Context, sql string, params ...any) (int64, error) {
	res, err := c.Query(ctx, sql, params...)
	return res.RowsAffected(), err
}

// run submits s with a no-op callback, so errors are returned rather than
// logged as unhandled, and waits for it.
func (c *Conn) run(ctx context.Context, s *Statement) (*Results, error) {
	if err := s.Submit(func(error, *Results, bool) {}); err != nil {
		return nil, err
	}
	return s.Wait(ctx)
}

// Ping runs sql, "SELECT 1" when empty, as a health probe.
func (c *Conn) Ping(ctx context.Context, sql string) error {
	if sql == "" { sql = "SELECT 1" }
	_, err := c.Query(ctx, sql)
	return err
}

// do runs fn against the native connection as one queued task and waits for
// it. When ctx ends first, a queued task is dropped; a running one is left
// to finish in the background.
func (c *Conn) do(ctx context.Context, name string, fn func(ctx context.Context, nc NativeConn) error) error {
	result := make(chan error, 1)
	t := &task{name: name}
	t.fail = func(err error) { result <- err }
	t.execute = func(done func()) {
		c.reg.submit(func() {
			err := panicsafe.Recover(func() error { return fn(ctx, c.native) })
			if t.settled.CompareAndSwap(false, true) {
				result <- err
			}
			c.noteStatement(err)
			done()
		})
	}
	if err := c.queue.enqueue(t); err != nil { return err }

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		err := ctxError(ctx.Err())
		if c.queue.remove(t, err) { return <-result }
		return err
	}
}

func (c *Conn) noteStatement(err error) {
	c.statements.Add(1)
	c.lastActive.Store(time.Now().UnixNano())
	if err != nil { c.failures.Add(1) }
}

// Stats returns a snapshot of the connection.
func (c *Conn) Stats() ConnStats {
	return ConnStats{
		ID:         c.id,
		OpenedAt:   c.openedAt,
		LastActive: time.Unix(0, c.lastActive.Load()),
		Pending:    c.queue.size(),
		Busy:       c.queue.isBusy(),
		Closed:     c.IsClosed(),
		Statements: c.statements.Load(),
		Errors:     c.failures.Load(),
	}
}

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool { return c.closing.Load() }

// Close rejects new work, fails queued statements with ErrConnectionClosed,
// waits for the active statement and closes the native connection.
// Closing a closed connection is a no-op returning nil.
// Close must not be called from a statement handler of the same connection.
func (c *Conn) Close(ctx context.Context) error {
	if !c.closing.CompareAndSwap(false, true) { return nil }
	c.queue.close(ErrConnectionClosed)
	go c.shutdown()
	select {
	case <-c.closedCh:
		return c.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) shutdown() {
	<-c.queue.idle()
	start := time.Now()

	var result *multierror.Error
	for _, p := range c.cache().drain() {
		if np := p.take(); np != nil {
			if err := np.Release(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if err := c.native.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close native connection: %w", err))
	}
	c.loop.stop()
	c.reg.removeConn(c)

	c.closeErr = result.ErrorOrNil()
	c.recordConnClosed(context.Background())
	c.logConnection(context.Background(), "close", c.id, time.Since(start), c.closeErr)
	close(c.closedCh)
}
