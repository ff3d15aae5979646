package ygggo_odbc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// warmPlan returns the batch sizes Open issues, in order.
// Aggressive opens Floor at once; gradual and exponential warm the pool to
// Ceiling in paced batches.
func warmPlan(cfg PoolConfig) []int {
	switch cfg.ScalingStrategy {
	case ScalingGradual:
		var plan []int
		for left := cfg.Ceiling; left > 0; left -= cfg.ScalingIncrement {
			plan = append(plan, min(cfg.ScalingIncrement, left))
		}
		return plan
	case ScalingExponential:
		var plan []int
		batch := max(1, cfg.Floor)
		for left := cfg.Ceiling; left > 0; {
			n := min(batch, left)
			plan = append(plan, n)
			left -= n
			batch = int(math.Ceil(float64(batch) * cfg.ScalingFactor))
		}
		return plan
	}
	if cfg.Floor > 0 { return []int{cfg.Floor} }
	return nil
}

// growthStep is how many connections one growth step opens for a pool of
// size connections (open or opening) with needed uncovered requests.
func growthStep(cfg PoolConfig, size, needed int) int {
	room := cfg.Ceiling - size
	if needed <= 0 || room <= 0 { return 0 }
	var n int
	switch cfg.ScalingStrategy {
	case ScalingGradual:
		n = cfg.ScalingIncrement
	case ScalingExponential:
		n = max(1, int(math.Ceil(float64(size)*(cfg.ScalingFactor-1))))
	default:
		n = needed
	}
	return min(n, room)
}

// reserve counts n warm-up connections as opening. It reports false once the
// pool is no longer opening.
func (p *Pool) reserve(n int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PoolOpening { return false }
	p.opening += n
	return true
}

// openBatch opens n connections, already reserved, concurrently and adds
// them to the pool.
func (p *Pool) openBatch(ctx context.Context, n int) error {
	if n <= 0 { return nil }

	var (
		g      errgroup.Group
		mu     sync.Mutex
		result *multierror.Error
	)
	g.SetLimit(n)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := p.openOne(ctx); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

// openOne opens one connection with the retry policy. The caller has
// already counted it in p.opening.
func (p *Pool) openOne(ctx context.Context) error {
	var c *Conn
	err := retryWithPolicy(ctx, p.config.Retry, func() error {
		var err error
		c, err = Open(ctx, p.driver, p.config.ConnectionString,
			withInstrumentation(p.instrumentation),
			WithConnConfig(p.config.connConfig()),
		)
		return err
	}, func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	})

	p.mu.Lock()
	p.opening--
	if err != nil {
		p.openFailures++
		p.mu.Unlock()
		p.emitError(err)
		p.debugf("connection open failed: %v", err)
		return err
	}
	if p.state == PoolClosing || p.state == PoolClosed {
		p.mu.Unlock()
		_ = c.Close(context.Background())
		return ErrPoolClosed
	}
	now := time.Now()
	pc := &pooledConn{conn: c, state: connIdle, created: now, lastActive: now}
	p.conns = append(p.conns, pc)
	p.opened++
	p.mu.Unlock()

	p.debugf("connection %s opened", c.id)
	p.emitStatus("checkin", pc)
	p.dispatchPending()
	return nil
}

// maybeGrow starts a growth step when requests wait that neither an idle
// nor an opening connection will serve.
func (p *Pool) maybeGrow() {
	p.mu.Lock()
	if p.state != PoolOpen || p.growing {
		p.mu.Unlock()
		return
	}
	needed := p.pending.Len() - p.opening
	n := growthStep(p.config, len(p.conns)+p.opening, needed)
	if n == 0 {
		p.mu.Unlock()
		return
	}
	paced := p.config.ScalingStrategy != ScalingAggressive && p.config.ScalingDelay > 0
	p.growing = paced
	p.opening += n
	p.wg.Add(1)
	p.mu.Unlock()

	p.debugf("growing pool by %d", n)
	go func() {
		defer p.wg.Done()
		err := p.openBatch(p.bg, n)
		if paced {
			select {
			case <-time.After(p.config.ScalingDelay):
			case <-p.bg.Done():
			}
			p.mu.Lock()
			p.growing = false
			p.mu.Unlock()
		}
		if err != nil { p.failStranded(err) }
		p.maybeGrow()
	}()
}

// failStranded fails waiting requests when no connection exists or is being
// opened to serve them.
func (p *Pool) failStranded(cause error) {
	p.mu.Lock()
	if len(p.conns) > 0 || p.opening > 0 {
		p.mu.Unlock()
		return
	}
	waiting := p.takePendingLocked()
	p.mu.Unlock()
	for _, req := range waiting {
		p.recordPending(context.Background(), -1)
		req.fail(fmt.Errorf("no connection available: %w", cause))
	}
}

// replenish opens connections until the pool is back at Floor.
func (p *Pool) replenish() {
	p.mu.Lock()
	if p.state != PoolOpen {
		p.mu.Unlock()
		return
	}
	n := p.config.Floor - len(p.conns) - p.opening
	if n <= 0 {
		p.mu.Unlock()
		return
	}
	p.opening += n
	p.wg.Add(1)
	p.mu.Unlock()

	p.debugf("replacing %d connections to keep floor %d", n, p.config.Floor)
	go func() {
		defer p.wg.Done()
		_ = p.openBatch(p.bg, n)
	}()
}
