package ygggo_odbc

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
)

// PoolState is the lifecycle position of a Pool.
type PoolState int32

const (
	PoolClosed PoolState = iota
	PoolOpening
	PoolOpen
	PoolClosing
)

func (s PoolState) String() string {
	switch s {
	case PoolOpening:
		return "opening"
	case PoolOpen:
		return "open"
	case PoolClosing:
		return "closing"
	}
	return "closed"
}

type connState int

const (
	connIdle connState = iota
	connBusy
	connClosed
)

// pooledConn is the pool's bookkeeping for one Conn. Guarded by Pool.mu.
type pooledConn struct {
	conn       *Conn
	state      connState
	created    time.Time
	lastActive time.Time
	checkouts  int64
}

// PoolStatus is emitted for every checkout and checkin, and when a
// connection is opened or retired.
type PoolStatus struct {
	Op      string
	ConnID  string
	Time    time.Time
	Idle    int
	Busy    int
	Pending int
}

// PoolStats is a snapshot of the pool.
type PoolStats struct {
	State        PoolState
	Idle         int
	Busy         int
	Opening      int
	Total        int
	Pending      int
	Floor        int
	Ceiling      int
	Checkouts    int64
	Opened       int64
	Retired      int64
	OpenFailures int64
}

// Pool multiplexes queries over a bounded set of connections, growing toward
// Ceiling under load with the configured scaling strategy and shrinking
// idle connections back toward Floor.
type Pool struct {
	*instrumentation

	id     string
	driver Driver
	config PoolConfig
	reg    *registry

	mu      sync.Mutex
	state   PoolState
	conns   []*pooledConn
	opening int
	growing bool
	pending *list.List // of *pendingRequest

	checkouts    int64
	opened       int64
	retired      int64
	openFailures int64

	hmu       sync.Mutex
	onOpen    []func()
	onDebug   []func(string)
	onStatus  []func(PoolStatus)
	onError   []func(error)

	bg     context.Context
	stopBg context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool validates cfg and returns a closed pool. Call Open before querying.
func NewPool(driver Driver, cfg PoolConfig) (*Pool, error) {
	if driver == nil { return nil, fmt.Errorf("nil driver") }
	if cfg.ScalingStrategy == "" { cfg.ScalingStrategy = ScalingAggressive }
	if cfg.HeartbeatSQL == "" { cfg.HeartbeatSQL = "SELECT 1" }
	if cfg.ScalingIncrement <= 0 && cfg.ScalingStrategy != ScalingGradual { cfg.ScalingIncrement = 1 }
	if cfg.ScalingFactor == 0 && cfg.ScalingStrategy != ScalingExponential { cfg.ScalingFactor = 2 }
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool configuration: %w", err)
	}

	system := "odbc"
	if cs, err := ParseConnString(cfg.ConnectionString); err == nil && cs.Driver() != "" {
		system = cs.Driver()
	}
	obs := newInstrumentation(system)
	obs.EnableLogging(cfg.Logging.Enabled)
	obs.SetSlowQueryThreshold(cfg.Logging.SlowQueryThreshold)
	obs.EnableTelemetry(cfg.Telemetry.Enabled)
	obs.EnableMetrics(cfg.Metrics.Enabled)

	p := &Pool{
		instrumentation: obs,
		id:              uuid.NewString(),
		driver:          driver,
		config:          cfg,
		reg:             currentRegistry(),
		pending:         list.New(),
	}
	p.reg.addPool(p)
	return p, nil
}

// NewPoolFromEnv builds a pool from DefaultPoolConfig and YGGGO_ODBC_* variables.
func NewPoolFromEnv(driver Driver) (*Pool, error) {
	cfg, err := PoolConfigFromEnv()
	if err != nil { return nil, err }
	return NewPool(driver, cfg)
}

// ID returns the pool id.
func (p *Pool) ID() string { return p.id }

// Config returns the effective configuration.
func (p *Pool) Config() PoolConfig { return p.config }

func (p *Pool) OnOpen(fn func()) {
	p.hmu.Lock()
	p.onOpen = append(p.onOpen, fn)
	p.hmu.Unlock()
}

func (p *Pool) OnDebug(fn func(msg string)) {
	p.hmu.Lock()
	p.onDebug = append(p.onDebug, fn)
	p.hmu.Unlock()
}

func (p *Pool) OnStatus(fn func(st PoolStatus)) {
	p.hmu.Lock()
	p.onStatus = append(p.onStatus, fn)
	p.hmu.Unlock()
}

// OnError receives open failures, heartbeat failures and every statement
// error of pooled queries, whether or not the caller handled it.
func (p *Pool) OnError(fn func(err error)) {
	p.hmu.Lock()
	p.onError = append(p.onError, fn)
	p.hmu.Unlock()
}

func (p *Pool) emitOpen() {
	p.hmu.Lock()
	hs := slices.Clone(p.onOpen)
	p.hmu.Unlock()
	for _, h := range hs {
		h()
	}
}

func (p *Pool) debugf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if p.loggingEnabled {
		p.loggerFor(context.Background()).Debug(msg, slog.String("pool_id", p.id))
	}
	p.hmu.Lock()
	hs := slices.Clone(p.onDebug)
	p.hmu.Unlock()
	for _, h := range hs {
		h(msg)
	}
}

func (p *Pool) emitStatus(op string, pc *pooledConn) {
	p.mu.Lock()
	st := PoolStatus{Op: op, Time: time.Now(), Pending: p.pending.Len()}
	st.Idle, st.Busy = p.countLocked()
	p.mu.Unlock()
	if pc != nil { st.ConnID = pc.conn.id }

	p.hmu.Lock()
	hs := slices.Clone(p.onStatus)
	p.hmu.Unlock()
	for _, h := range hs {
		h(st)
	}
}

func (p *Pool) emitError(err error) {
	p.hmu.Lock()
	hs := slices.Clone(p.onError)
	p.hmu.Unlock()
	for _, h := range hs {
		h(err)
	}
}

func (p *Pool) countLocked() (idle, busy int) {
	idle = lo.CountBy(p.conns, func(pc *pooledConn) bool { return pc.state == connIdle })
	busy = lo.CountBy(p.conns, func(pc *pooledConn) bool { return pc.state == connBusy })
	return idle, busy
}

// State returns the lifecycle state.
func (p *Pool) State() PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PoolStats{
		State:        p.state,
		Opening:      p.opening,
		Total:        len(p.conns),
		Pending:      p.pending.Len(),
		Floor:        p.config.Floor,
		Ceiling:      p.config.Ceiling,
		Checkouts:    p.checkouts,
		Opened:       p.opened,
		Retired:      p.retired,
		OpenFailures: p.openFailures,
	}
	s.Idle, s.Busy = p.countLocked()
	return s
}

// Open warms the pool according to its scaling strategy and starts the
// heartbeat and inactivity loops. Individual open failures are emitted as
// pool errors; Open fails only when fewer than Floor connections came up.
func (p *Pool) Open(ctx context.Context) error {
	p.mu.Lock()
	if p.state != PoolClosed {
		p.mu.Unlock()
		return fmt.Errorf("pool is %s", p.state)
	}
	p.state = PoolOpening
	p.bg, p.stopBg = context.WithCancel(context.Background())
	bg, stop := p.bg, p.stopBg
	p.mu.Unlock()

	start := time.Now()
	plan := warmPlan(p.config)
	p.debugf("opening pool: strategy=%s floor=%d ceiling=%d batches=%v", p.config.ScalingStrategy, p.config.Floor, p.config.Ceiling, plan)
	var result *multierror.Error
	for i, n := range plan {
		if i > 0 && p.config.ScalingDelay > 0 {
			select {
			case <-time.After(p.config.ScalingDelay):
			case <-ctx.Done():
				result = multierror.Append(result, ctx.Err())
			case <-bg.Done():
			}
		}
		if ctx.Err() != nil { break }
		// Close during warm-up stops later batches.
		if !p.reserve(n) { break }
		if err := p.openBatch(ctx, n); err != nil {
			result = multierror.Append(result, err)
		}
	}

	p.mu.Lock()
	size := len(p.conns)
	if p.state != PoolOpening {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if size < p.config.Floor {
		p.state = PoolClosed
		p.mu.Unlock()
		stop()
		p.closeAll(context.Background())
		return fmt.Errorf("open pool: %d of %d floor connections: %w", size, p.config.Floor, result.ErrorOrNil())
	}
	p.state = PoolOpen
	p.mu.Unlock()

	p.startMaintenance()
	p.logPoolStats(ctx, "pool opened", p.Stats())
	p.debugf("pool open with %d connections in %s", size, time.Since(start))
	p.emitOpen()
	p.dispatchPending()
	return nil
}

// Close fails pending requests with ErrPoolClosed, stops maintenance and
// closes every connection after its active statement finished. Closing a
// closed pool is a no-op returning nil.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.state == PoolClosed || p.state == PoolClosing {
		p.mu.Unlock()
		return nil
	}
	p.state = PoolClosing
	stop := p.stopBg
	waiting := p.takePendingLocked()
	p.mu.Unlock()

	if stop != nil { stop() }
	for _, req := range waiting {
		p.recordPending(ctx, -1)
		req.fail(ErrPoolClosed)
	}

	err := p.closeAll(ctx)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierror.Append(err, ctx.Err()).ErrorOrNil()
	}

	p.mu.Lock()
	p.state = PoolClosed
	p.mu.Unlock()
	p.reg.removePool(p)
	p.logPoolStats(ctx, "pool closed", p.Stats())
	return err
}

// closeAll closes and forgets every connection concurrently.
func (p *Pool) closeAll(ctx context.Context) error {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	for _, pc := range conns {
		pc.state = connClosed
	}
	p.mu.Unlock()

	var (
		mu     sync.Mutex
		result *multierror.Error
		wg     sync.WaitGroup
	)
	for _, pc := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			if err := c.Close(ctx); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("close connection %s: %w", c.id, err))
				mu.Unlock()
			}
		}(pc.conn)
	}
	wg.Wait()
	return result.ErrorOrNil()
}
