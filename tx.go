package ygggo_odbc

import (
	"context"
	"fmt"
)

// Begin starts a transaction on the connection. Statements queued after it
// run inside the transaction until Commit or Rollback.
func (c *Conn) Begin(ctx context.Context) error {
	return c.do(ctx, "begin", func(ctx context.Context, nc NativeConn) error { return nc.Begin(ctx) })
}

// Commit commits the open transaction.
func (c *Conn) Commit(ctx context.Context) error {
	err := c.do(ctx, "commit", func(ctx context.Context, nc NativeConn) error { return nc.Commit(ctx) })
	c.recordTransaction(ctx, err)
	return err
}

// Rollback aborts the open transaction.
func (c *Conn) Rollback(ctx context.Context) error {
	return c.do(ctx, "rollback", func(ctx context.Context, nc NativeConn) error { return nc.Rollback(ctx) })
}

// WithinTx executes fn within a transaction, retrying the whole transaction
// for retryable errors (deadlocks, lock wait timeouts, read-only failover).
// Other statements must not be submitted to c while fn runs.
func (c *Conn) WithinTx(ctx context.Context, pol RetryPolicy, fn func(ctx context.Context, c *Conn) error) error {
	op := func() error {
		if err := c.Begin(ctx); err != nil { return err }
		if err := fn(ctx, c); err != nil {
			if rerr := c.Rollback(ctx); rerr != nil {
				return fmt.Errorf("%w (rollback: %v)", err, rerr)
			}
			return err
		}
		return c.Commit(ctx)
	}
	return retryWithPolicy(ctx, pol, op, isRetryable)
}
