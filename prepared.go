package ygggo_odbc

import (
	"context"
	"sync"
)

// Prepared is a statement parsed once on one connection and executed many times.
type Prepared struct {
	conn *Conn
	sql  string

	mu     sync.Mutex
	native NativePrepared
	cached bool
}

// SQL returns the statement text.
func (p *Prepared) SQL() string { return p.sql }

func (p *Prepared) handle() NativePrepared {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.native
}

func (p *Prepared) take() NativePrepared {
	p.mu.Lock()
	defer p.mu.Unlock()
	np := p.native
	p.native = nil
	return np
}

// Statement returns an unsubmitted execution of p bound to params.
func (p *Prepared) Statement(ctx context.Context, params ...any) *Statement {
	return newStatement(ctx, p.conn, &preparedHandler{prepared: p, params: params}, p.sql, params)
}

// Query executes p and buffers its results.
func (p *Prepared) Query(ctx context.Context, params ...any) (*Results, error) {
	return p.conn.run(ctx, p.Statement(ctx, params...))
}

// Exec executes p and returns the affected row count.
func (p *Prepared) Exec(ctx context.Context, params ...any) (int64, error) {
	res, err := p.Query(ctx, params...)
	return res.RowsAffected(), err
}

// ExecBatch binds every parameter set in order inside one queued task and
// returns one rowcount per set. The first failing set stops the batch.
func (p *Prepared) ExecBatch(ctx context.Context, sets [][]any) ([]int64, error) {
	if len(sets) == 0 { return nil, nil }
	h := &batchHandler{prepared: p, sets: sets}
	res, err := p.conn.run(ctx, newStatement(ctx, p.conn, h, p.sql, nil))
	if res == nil { return nil, err }
	return res.Counts, err
}

// Close releases the native statement. Statements owned by the connection's
// cache are released when they are evicted or the connection closes.
func (p *Prepared) Close(ctx context.Context) error {
	p.mu.Lock()
	cached := p.cached
	p.mu.Unlock()
	if cached { return nil }
	np := p.take()
	if np == nil { return nil }
	return p.conn.do(ctx, "release", func(ctx context.Context, nc NativeConn) error {
		return np.Release()
	})
}

// Prepare parses sql on the connection. With the statement cache enabled the
// same *Prepared is returned for repeated SQL text.
func (c *Conn) Prepare(ctx context.Context, sql string) (*Prepared, error) {
	cache := c.cache()
	if p := cache.get(sql); p != nil { return p, nil }

	var np NativePrepared
	err := c.do(ctx, "prepare", func(ctx context.Context, nc NativeConn) error {
		var err error
		np, err = nc.Prepare(ctx, sql)
		return err
	})
	if err != nil { return nil, err }

	p := &Prepared{conn: c, sql: sql, native: np}
	if !cache.enabled() { return p, nil }
	kept, evicted := cache.put(p)
	for _, old := range evicted {
		c.releaseLater(old)
	}
	return kept, nil
}

// releaseLater queues the release of an evicted statement behind current work.
func (c *Conn) releaseLater(p *Prepared) {
	np := p.take()
	if np == nil { return }
	t := &task{name: "release"}
	t.execute = func(done func()) {
		c.reg.submit(func() {
			_ = np.Release()
			done()
		})
	}
	// a closed connection releases everything when its native handle closes
	_ = c.queue.enqueue(t)
}

// EnableStmtCache turns on the per-connection prepared statement cache.
// Capacity zero disables it.
func (c *Conn) EnableStmtCache(capacity int) {
	c.mu.Lock()
	old := c.stmtCache
	c.stmtCache = newStmtCache(capacity)
	c.mu.Unlock()
	for _, p := range old.drain() {
		p.mu.Lock()
		p.cached = false
		p.mu.Unlock()
		c.releaseLater(p)
	}
}

func (c *Conn) cache() *stmtCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stmtCache
}

// StmtCacheStats returns hits, misses and current size of the statement cache.
func (c *Conn) StmtCacheStats() (hits, misses uint64, size int) {
	return c.cache().stats()
}
