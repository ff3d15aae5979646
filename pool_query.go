package ygggo_odbc

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
)

// pendingRequest is a caller waiting for a connection.
type pendingRequest struct {
	assign   func(pc *pooledConn)
	fail     func(err error)
	stop     func() bool
	elem     *list.Element
	queuedAt time.Time
}

// acquire hands req an idle connection now, or queues it and lets the
// scaling strategy grow the pool.
func (p *Pool) acquire(ctx context.Context, req *pendingRequest) {
	req.stop = context.AfterFunc(ctx, func() { p.dropPending(req, ctxError(ctx.Err())) })

	p.mu.Lock()
	switch p.state {
	case PoolClosed:
		p.mu.Unlock()
		req.stop()
		req.fail(ErrPoolNotOpen)
		return
	case PoolClosing:
		p.mu.Unlock()
		req.stop()
		req.fail(ErrPoolClosed)
		return
	}
	if err := ctx.Err(); err != nil {
		p.mu.Unlock()
		req.fail(ctxError(err))
		return
	}
	if pc := p.idleLocked(); pc != nil {
		p.checkoutLocked(pc)
		p.mu.Unlock()
		req.stop()
		p.handOver(ctx, req, pc)
		return
	}
	req.queuedAt = time.Now()
	req.elem = p.pending.PushBack(req)
	p.mu.Unlock()

	p.recordPending(ctx, 1)
	p.maybeGrow()
}

// idleLocked returns the most recently used idle connection, leaving the
// longest idle ones to age out.
func (p *Pool) idleLocked() *pooledConn {
	idle := lo.Filter(p.conns, func(pc *pooledConn, _ int) bool { return pc.state == connIdle })
	if len(idle) == 0 { return nil }
	return lo.MaxBy(idle, func(a, b *pooledConn) bool { return a.lastActive.After(b.lastActive) })
}

func (p *Pool) checkoutLocked(pc *pooledConn) {
	pc.state = connBusy
	pc.checkouts++
	p.checkouts++
}

func (p *Pool) handOver(ctx context.Context, req *pendingRequest, pc *pooledConn) {
	p.recordCheckout(ctx)
	p.emitStatus("checkout", pc)
	req.assign(pc)
}

func (p *Pool) dropPending(req *pendingRequest, err error) {
	p.mu.Lock()
	if req.elem == nil {
		p.mu.Unlock()
		return
	}
	p.pending.Remove(req.elem)
	req.elem = nil
	p.mu.Unlock()
	p.recordPending(context.Background(), -1)
	req.fail(err)
}

// takePendingLocked empties the pending list and detaches every request from
// it and from its ctx watcher.
func (p *Pool) takePendingLocked() []*pendingRequest {
	var waiting []*pendingRequest
	for e := p.pending.Front(); e != nil; e = e.Next() {
		req := e.Value.(*pendingRequest)
		req.elem = nil
		if req.stop != nil { req.stop() }
		waiting = append(waiting, req)
	}
	p.pending.Init()
	return waiting
}

// dispatchPending pairs waiting requests with idle connections in FIFO order.
func (p *Pool) dispatchPending() {
	for {
		p.mu.Lock()
		if (p.state != PoolOpen && p.state != PoolOpening) || p.pending.Len() == 0 {
			p.mu.Unlock()
			return
		}
		pc := p.idleLocked()
		if pc == nil {
			p.mu.Unlock()
			return
		}
		req := p.pending.Remove(p.pending.Front()).(*pendingRequest)
		req.elem = nil
		p.checkoutLocked(pc)
		p.mu.Unlock()

		req.stop()
		p.recordPending(context.Background(), -1)
		p.handOver(context.Background(), req, pc)
	}
}

// checkin returns pc to the idle set, or retires it when err shows the
// physical connection is broken.
func (p *Pool) checkin(pc *pooledConn, err error) {
	if err != nil && isBrokenConnection(err) {
		p.retire(pc, err)
		return
	}
	p.mu.Lock()
	if pc.state == connClosed || p.state == PoolClosing || p.state == PoolClosed {
		p.mu.Unlock()
		return
	}
	pc.state = connIdle
	pc.lastActive = time.Now()
	p.mu.Unlock()

	p.emitStatus("checkin", pc)
	p.dispatchPending()
}

// retire removes pc from the pool and closes it in the background.
func (p *Pool) retire(pc *pooledConn, cause error) {
	p.mu.Lock()
	if pc.state == connClosed {
		p.mu.Unlock()
		return
	}
	pc.state = connClosed
	p.conns = lo.Filter(p.conns, func(x *pooledConn, _ int) bool { return x != pc })
	p.retired++
	p.wg.Add(1)
	p.mu.Unlock()

	p.debugf("retiring connection %s: %v", pc.conn.id, cause)
	p.emitStatus("retire", pc)
	go func() {
		defer p.wg.Done()
		_ = pc.conn.Close(context.Background())
	}()
	p.replenish()
	p.maybeGrow()
}

// PoolQuery is a statement submitted to a pool. It waits for a connection,
// then runs as a Statement on that connection.
type PoolQuery struct {
	pool  *Pool
	ctx   context.Context
	build func(c *Conn) *Statement
	cb    Callback
	setup []func(*Statement)

	mu        sync.Mutex
	stmt      *Statement
	req       *pendingRequest
	cancelErr error
	paused    bool

	once sync.Once
	done chan struct{}
	res  *Results
	err  error
}

// Submit queues sql on the pool. setup functions run on the Statement once a
// connection was assigned, before it is submitted, and are the place to
// register streaming handlers. A closed pool rejects the query synchronously.
func (p *Pool) Submit(ctx context.Context, sql string, params []any, cb Callback, setup ...func(*Statement)) (*PoolQuery, error) {
	return p.submit(ctx, func(c *Conn) *Statement { return c.Statement(ctx, sql, params...) }, cb, setup)
}

func (p *Pool) submit(ctx context.Context, build func(*Conn) *Statement, cb Callback, setup []func(*Statement)) (*PoolQuery, error) {
	if ctx == nil { ctx = context.Background() }
	switch p.State() {
	case PoolClosed:
		return nil, ErrPoolNotOpen
	case PoolClosing:
		return nil, ErrPoolClosed
	}
	q := &PoolQuery{pool: p, ctx: ctx, build: build, cb: cb, setup: setup, done: make(chan struct{})}
	req := &pendingRequest{assign: q.assign, fail: q.failPending}
	q.req = req
	p.acquire(ctx, req)
	return q, nil
}

func (q *PoolQuery) assign(pc *pooledConn) {
	p := q.pool
	s := q.build(pc.conn)
	for _, f := range q.setup {
		f(s)
	}
	cb := q.cb
	if cb != nil {
		user := cb
		cb = func(err error, res *Results, more bool) {
			if err != nil { p.emitError(err) }
			user(err, res, more)
		}
	} else {
		s.OnError(func(err error, more bool) { p.emitError(err) })
	}
	s.OnFree(func() {
		p.checkin(pc, s.finalErr)
		q.finish(s.results, s.finalErr)
	})

	q.mu.Lock()
	q.req = nil
	cancelErr, paused := q.cancelErr, q.paused
	if cancelErr == nil { q.stmt = s }
	q.mu.Unlock()

	if cancelErr != nil {
		p.checkin(pc, nil)
		q.failPending(cancelErr)
		return
	}
	if paused { s.Pause() }
	// a rejected submit settles s, which checks pc back in through OnFree
	_ = s.Submit(cb)
}

func (q *PoolQuery) failPending(err error) {
	q.mu.Lock()
	q.req = nil
	q.mu.Unlock()
	if q.cb != nil { q.cb(err, nil, false) }
	q.finish(nil, err)
}

func (q *PoolQuery) finish(res *Results, err error) {
	q.once.Do(func() {
		q.res, q.err = res, err
		close(q.done)
	})
}

// Statement returns the underlying statement, nil until a connection was assigned.
func (q *PoolQuery) Statement() *Statement {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stmt
}

// Cancel aborts the query. A query still waiting for a connection is dropped.
func (q *PoolQuery) Cancel() { q.abort(ErrQueryCancelled) }

func (q *PoolQuery) abort(err error) {
	q.mu.Lock()
	if q.cancelErr == nil { q.cancelErr = err }
	s, req := q.stmt, q.req
	q.mu.Unlock()
	if s != nil {
		s.abort(err)
		return
	}
	if req != nil { q.pool.dropPending(req, err) }
}

// Pause holds the query before its next native call.
func (q *PoolQuery) Pause() {
	q.mu.Lock()
	q.paused = true
	s := q.stmt
	q.mu.Unlock()
	if s != nil { s.Pause() }
}

// Resume continues a paused query.
func (q *PoolQuery) Resume() {
	q.mu.Lock()
	q.paused = false
	s := q.stmt
	q.mu.Unlock()
	if s != nil { s.Resume() }
}

// Done is closed once the query settled.
func (q *PoolQuery) Done() <-chan struct{} { return q.done }

// Wait blocks until the query settled, aborting it when ctx ends first.
func (q *PoolQuery) Wait(ctx context.Context) (*Results, error) {
	select {
	case <-q.done:
	case <-ctx.Done():
		q.abort(ctxError(ctx.Err()))
		<-q.done
	}
	return q.res, q.err
}

// Query runs sql on a pooled connection and buffers its results.
func (p *Pool) Query(ctx context.Context, sql string, params ...any) (*Results, error) {
	q, err := p.Submit(ctx, sql, params, func(error, *Results, bool) {})
	if err != nil { return nil, err }
	return q.Wait(ctx)
}

// Exec runs sql on a pooled connection and returns the summed rowcount.
func (p *Pool) Exec(ctx context.Context, sql string, params ...any) (int64, error) {
	res, err := p.Query(ctx, sql, params...)
	return res.RowsAffected(), err
}

// CallProcedure calls a stored procedure on a pooled connection.
func (p *Pool) CallProcedure(ctx context.Context, name string, params ...ProcParam) (*Results, error) {
	q, err := p.submit(ctx, func(c *Conn) *Statement { return c.ProcedureStatement(ctx, name, params...) },
		func(error, *Results, bool) {}, nil)
	if err != nil { return nil, err }
	return q.Wait(ctx)
}

// WithConn checks out one connection for the duration of fn.
func (p *Pool) WithConn(ctx context.Context, fn func(*Conn) error) error {
	got := make(chan *pooledConn, 1)
	failed := make(chan error, 1)
	if s := p.State(); s == PoolClosed {
		return ErrPoolNotOpen
	} else if s == PoolClosing {
		return ErrPoolClosed
	}
	p.acquire(ctx, &pendingRequest{
		assign: func(pc *pooledConn) { got <- pc },
		fail:   func(err error) { failed <- err },
	})
	select {
	case err := <-failed:
		return err
	case pc := <-got:
		err := fn(pc.conn)
		if err != nil { p.emitError(err) }
		p.checkin(pc, err)
		return err
	}
}

// WithinTx runs fn inside a transaction on one pooled connection, retrying
// retryable failures with pol.
func (p *Pool) WithinTx(ctx context.Context, pol RetryPolicy, fn func(ctx context.Context, c *Conn) error) error {
	return p.WithConn(ctx, func(c *Conn) error { return c.WithinTx(ctx, pol, fn) })
}

// BulkInsert inserts rows through one pooled connection.
func (p *Pool) BulkInsert(ctx context.Context, table string, columns []string, rows [][]any, useBcp bool) (int64, error) {
	var n int64
	err := p.WithConn(ctx, func(c *Conn) error {
		var err error
		n, err = c.BulkInsert(ctx, table, columns, rows, useBcp)
		return err
	})
	return n, err
}
