package ygggo_odbc

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPool(t *testing.T, drv *MockDriver, mutate func(*PoolConfig)) *Pool {
	t.Helper()
	cfg := TestingPoolConfig()
	cfg.ConnectionString = "DRIVER=mock"
	if mutate != nil { mutate(&cfg) }
	p, err := NewPool(drv, cfg)
	require.NoError(t, err)
	require.NoError(t, p.Open(testCtx(t)))
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestWarmPlan(t *testing.T) {
	cases := []struct {
		name string
		cfg  PoolConfig
		want []int
	}{
		{"aggressive floor", PoolConfig{ScalingStrategy: ScalingAggressive, Floor: 3, Ceiling: 10}, []int{3}},
		{"aggressive empty", PoolConfig{ScalingStrategy: ScalingAggressive, Ceiling: 10}, nil},
		{"gradual", PoolConfig{ScalingStrategy: ScalingGradual, Ceiling: 10, ScalingIncrement: 5}, []int{5, 5}},
		{"gradual remainder", PoolConfig{ScalingStrategy: ScalingGradual, Ceiling: 7, ScalingIncrement: 3}, []int{3, 3, 1}},
		{"exponential", PoolConfig{ScalingStrategy: ScalingExponential, Floor: 1, Ceiling: 10, ScalingFactor: 2}, []int{1, 2, 4, 3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, warmPlan(tc.cfg))
		})
	}
}

func TestGrowthStep(t *testing.T) {
	agg := PoolConfig{ScalingStrategy: ScalingAggressive, Ceiling: 10}
	assert.Equal(t, 4, growthStep(agg, 2, 4))
	assert.Equal(t, 2, growthStep(agg, 8, 4), "capped by ceiling")
	assert.Equal(t, 0, growthStep(agg, 10, 4))
	assert.Equal(t, 0, growthStep(agg, 2, 0))

	grad := PoolConfig{ScalingStrategy: ScalingGradual, Ceiling: 10, ScalingIncrement: 3}
	assert.Equal(t, 3, growthStep(grad, 0, 1))

	exp := PoolConfig{ScalingStrategy: ScalingExponential, Ceiling: 10, ScalingFactor: 2}
	assert.Equal(t, 1, growthStep(exp, 0, 5))
	assert.Equal(t, 4, growthStep(exp, 4, 5))
	assert.Equal(t, 2, growthStep(exp, 8, 5))
}

func TestNewPool_InvalidConfig(t *testing.T) {
	cfg := TestingPoolConfig()
	cfg.Floor = 5
	cfg.Ceiling = 2
	_, err := NewPool(NewMockDriver(), cfg)
	assert.Error(t, err)

	_, err = NewPool(nil, TestingPoolConfig())
	assert.Error(t, err)
}

func TestPool_OpenAggressiveWarmsFloor(t *testing.T) {
	drv := NewMockDriver()
	opened := make(chan struct{})
	cfg := TestingPoolConfig()
	cfg.Floor = 2
	p, err := NewPool(drv, cfg)
	require.NoError(t, err)
	p.OnOpen(func() { close(opened) })
	require.NoError(t, p.Open(testCtx(t)))
	defer p.Close(context.Background())

	<-opened
	st := p.Stats()
	assert.Equal(t, PoolOpen, st.State)
	assert.Equal(t, 2, st.Idle)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, drv.Opened())

	assert.Error(t, p.Open(testCtx(t)), "open twice")
}

// creationBatches records checkin events during Open and groups them into
// batches separated by at least gap.
func creationBatches(p *Pool) func(gap time.Duration) ([]int, []time.Duration) {
	var mu sync.Mutex
	var times []time.Time
	p.OnStatus(func(st PoolStatus) {
		if st.Op != "checkin" { return }
		mu.Lock()
		times = append(times, st.Time)
		mu.Unlock()
	})
	return func(gap time.Duration) (sizes []int, gaps []time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		sorted := slices.Clone(times)
		slices.SortFunc(sorted, func(a, b time.Time) int { return a.Compare(b) })
		for i, ts := range sorted {
			if i > 0 && ts.Sub(sorted[i-1]) >= gap {
				gaps = append(gaps, ts.Sub(sorted[i-1]))
				sizes = append(sizes, 0)
			}
			if len(sizes) == 0 { sizes = append(sizes, 0) }
			sizes[len(sizes)-1]++
		}
		return sizes, gaps
	}
}

func TestPool_OpenGradualInBatches(t *testing.T) {
	drv := NewMockDriver()
	cfg := TestingPoolConfig()
	cfg.ScalingStrategy = ScalingGradual
	cfg.Ceiling = 10
	cfg.ScalingIncrement = 5
	cfg.ScalingDelay = 80 * time.Millisecond
	p, err := NewPool(drv, cfg)
	require.NoError(t, err)
	batches := creationBatches(p)
	require.NoError(t, p.Open(testCtx(t)))
	defer p.Close(context.Background())

	assert.Equal(t, 10, drv.Opened())
	assert.Equal(t, 10, p.Stats().Total)
	sizes, gaps := batches(cfg.ScalingDelay / 2)
	assert.Equal(t, []int{5, 5}, sizes)
	require.Len(t, gaps, 1)
	assert.GreaterOrEqual(t, gaps[0], cfg.ScalingDelay)
}

func TestPool_OpenExponentialInBatches(t *testing.T) {
	drv := NewMockDriver()
	cfg := TestingPoolConfig()
	cfg.ScalingStrategy = ScalingExponential
	cfg.Floor = 1
	cfg.Ceiling = 10
	cfg.ScalingFactor = 2
	cfg.ScalingDelay = 80 * time.Millisecond
	p, err := NewPool(drv, cfg)
	require.NoError(t, err)
	batches := creationBatches(p)
	require.NoError(t, p.Open(testCtx(t)))
	defer p.Close(context.Background())

	assert.Equal(t, 10, p.Stats().Total)
	sizes, gaps := batches(cfg.ScalingDelay / 2)
	assert.Equal(t, []int{1, 2, 4, 3}, sizes)
	for _, g := range gaps {
		assert.GreaterOrEqual(t, g, cfg.ScalingDelay)
	}
}

func TestPool_CloseStopsWarmUp(t *testing.T) {
	drv := NewMockDriver()
	cfg := TestingPoolConfig()
	cfg.ScalingStrategy = ScalingGradual
	cfg.Ceiling = 10
	cfg.ScalingIncrement = 5
	cfg.ScalingDelay = time.Second
	p, err := NewPool(drv, cfg)
	require.NoError(t, err)

	opened := make(chan error, 1)
	go func() { opened <- p.Open(testCtx(t)) }()
	require.Eventually(t, func() bool { return p.Stats().Total == 5 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close(testCtx(t)))
	select {
	case err := <-opened:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(cfg.ScalingDelay / 2):
		t.Fatal("Open kept waiting for the next batch after Close")
	}
	assert.Equal(t, 5, drv.Opened())
	assert.Equal(t, PoolClosed, p.State())
}

func TestPool_OpenFailsBelowFloor(t *testing.T) {
	drv := NewMockDriver()
	drv.FailOpens(errors.New("refused"), errors.New("refused"))
	var errs []error
	var mu sync.Mutex
	cfg := TestingPoolConfig()
	cfg.Floor = 2
	p, err := NewPool(drv, cfg)
	require.NoError(t, err)
	p.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	err = p.Open(testCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
	assert.Equal(t, PoolClosed, p.State())
	assert.Error(t, p.bg.Err(), "background context cancelled")
	mu.Lock()
	assert.Len(t, errs, 2)
	mu.Unlock()
	assert.Equal(t, int64(2), p.Stats().OpenFailures)
}

func TestPool_OpenToleratesFailuresAboveFloor(t *testing.T) {
	drv := NewMockDriver()
	drv.FailOpens(errors.New("refused"))
	p := openTestPool(t, drv, func(c *PoolConfig) {
		c.ScalingStrategy = ScalingGradual
		c.Ceiling = 3
		c.ScalingIncrement = 3
		c.Floor = 1
	})
	assert.Equal(t, 2, p.Stats().Total)
}

func TestPool_QueryBeforeOpenAndAfterClose(t *testing.T) {
	drv := NewMockDriver()
	p, err := NewPool(drv, TestingPoolConfig())
	require.NoError(t, err)
	_, err = p.Query(testCtx(t), "SELECT 1")
	assert.ErrorIs(t, err, ErrPoolNotOpen)

	require.NoError(t, p.Open(testCtx(t)))
	_, err = p.Query(testCtx(t), "SELECT 1")
	require.NoError(t, err)
	require.NoError(t, p.Close(testCtx(t)))
	assert.NoError(t, p.Close(testCtx(t)), "second close is a no-op")

	_, err = p.Query(testCtx(t), "SELECT 1")
	assert.ErrorIs(t, err, ErrPoolNotOpen)
	assert.Equal(t, 1, drv.Closed())
}

func TestPool_GrowsOnDemandUpToCeiling(t *testing.T) {
	drv := NewMockDriver()
	drv.On("SLOW", RowCount(1)).WithDelay(30 * time.Millisecond)
	p := openTestPool(t, drv, func(c *PoolConfig) { c.Ceiling = 3 })
	assert.Equal(t, 0, drv.Opened())

	var queries []*PoolQuery
	for i := 0; i < 6; i++ {
		q, err := p.Submit(testCtx(t), "SLOW", nil, nil)
		require.NoError(t, err)
		queries = append(queries, q)
	}
	for _, q := range queries {
		res, err := q.Wait(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.RowsAffected())
	}
	assert.Equal(t, 3, drv.Opened())
	st := p.Stats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, int64(6), st.Checkouts)
	assert.Equal(t, 0, st.Pending)
}

func TestPool_PendingRequestsServedInOrder(t *testing.T) {
	drv := NewMockDriver()
	drv.On("SLOW", RowCount(1)).WithDelay(30 * time.Millisecond)
	drv.On("Q2", RowCount(1))
	drv.On("Q3", RowCount(1))
	p := openTestPool(t, drv, func(c *PoolConfig) {
		c.Floor = 1
		c.Ceiling = 1
	})

	var qs []*PoolQuery
	for _, sql := range []string{"SLOW", "Q2", "Q3"} {
		q, err := p.Submit(testCtx(t), sql, nil, nil)
		require.NoError(t, err)
		qs = append(qs, q)
	}
	assert.Equal(t, 2, p.Stats().Pending)
	for _, q := range qs {
		_, err := q.Wait(testCtx(t))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"SLOW", "Q2", "Q3"}, drv.Executed())
}

func TestPool_StatusEvents(t *testing.T) {
	drv := NewMockDriver()
	p := openTestPool(t, drv, func(c *PoolConfig) { c.Floor = 1; c.Ceiling = 1 })
	var mu sync.Mutex
	var ops []string
	p.OnStatus(func(st PoolStatus) {
		mu.Lock()
		ops = append(ops, st.Op)
		mu.Unlock()
	})
	_, err := p.Query(testCtx(t), "SELECT 1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ops) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"checkout", "checkin"}, ops)
}

func TestPool_ErrorEventsCarryStatementErrors(t *testing.T) {
	drv := NewMockDriver()
	drv.On("BAD").FailBegin(&NativeError{Message: "no such table", SQLState: "42S02"})
	p := openTestPool(t, drv, nil)

	errs := make(chan error, 4)
	p.OnError(func(err error) { errs <- err })

	_, err := p.Query(testCtx(t), "BAD")
	require.Error(t, err)
	assert.Contains(t, (<-errs).Error(), "no such table")

	// handled or not, the pool still sees it
	q, err := p.Submit(testCtx(t), "BAD", nil, nil)
	require.NoError(t, err)
	_, err = q.Wait(testCtx(t))
	require.Error(t, err)
	assert.Contains(t, (<-errs).Error(), "no such table")
}

func TestPool_RetiresBrokenConnection(t *testing.T) {
	drv := NewMockDriver()
	drv.Once("BREAK").FailBegin(&NativeError{Message: "server has gone away", SQLState: "08S01", Fatal: true})
	p := openTestPool(t, drv, func(c *PoolConfig) {
		c.Floor = 1
		c.Ceiling = 1
	})

	_, err := p.Query(testCtx(t), "BREAK")
	require.Error(t, err)
	assert.Equal(t, ErrClassConnection, Classify(err))

	require.Eventually(t, func() bool {
		st := p.Stats()
		return st.Retired == 1 && st.Total == 1 && st.Idle == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, drv.Opened())
	_, err = p.Query(testCtx(t), "SELECT 1")
	assert.NoError(t, err)
}

func TestPool_CloseFailsPendingAndDrainsActive(t *testing.T) {
	drv := NewMockDriver()
	drv.On("SLOW", RowCount(1)).WithDelay(50 * time.Millisecond)
	p := openTestPool(t, drv, func(c *PoolConfig) {
		c.Floor = 1
		c.Ceiling = 1
	})

	active, err := p.Submit(testCtx(t), "SLOW", nil, nil)
	require.NoError(t, err)
	waiting, err := p.Submit(testCtx(t), "SELECT 1", nil, nil)
	require.NoError(t, err)

	require.NoError(t, p.Close(testCtx(t)))
	_, err = waiting.Wait(testCtx(t))
	assert.ErrorIs(t, err, ErrPoolClosed)
	_, err = active.Wait(testCtx(t))
	assert.NoError(t, err)
	assert.Equal(t, PoolClosed, p.State())
	assert.Equal(t, 1, drv.Closed())
}

func TestPool_PendingRequestTimesOut(t *testing.T) {
	drv := NewMockDriver()
	drv.On("SLOW", RowCount(1)).WithDelay(200 * time.Millisecond)
	p := openTestPool(t, drv, func(c *PoolConfig) {
		c.Floor = 1
		c.Ceiling = 1
	})
	_, err := p.Submit(testCtx(t), "SLOW", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrQueryTimeout)
	assert.Equal(t, 0, p.Stats().Pending)
}

func TestPool_CancelPendingQuery(t *testing.T) {
	drv := NewMockDriver()
	drv.On("SLOW", RowCount(1)).WithDelay(50 * time.Millisecond)
	p := openTestPool(t, drv, func(c *PoolConfig) {
		c.Floor = 1
		c.Ceiling = 1
	})
	first, err := p.Submit(testCtx(t), "SLOW", nil, nil)
	require.NoError(t, err)

	var cbErr error
	second, err := p.Submit(testCtx(t), "SELECT 1", nil, func(err error, res *Results, more bool) { cbErr = err })
	require.NoError(t, err)
	assert.Nil(t, second.Statement())
	second.Cancel()
	_, err = second.Wait(testCtx(t))
	assert.ErrorIs(t, err, ErrQueryCancelled)
	assert.ErrorIs(t, cbErr, ErrQueryCancelled)

	_, err = first.Wait(testCtx(t))
	assert.NoError(t, err)
	assert.Equal(t, []string{"SLOW"}, drv.Executed())
}

func TestPool_SetupRegistersStreamingHandlers(t *testing.T) {
	drv := NewMockDriver()
	drv.On("SELECT n FROM nums", Rows([]string{"n"}, []any{int64(1)}, []any{int64(2)}))
	p := openTestPool(t, drv, nil)

	var mu sync.Mutex
	var values []any
	q, err := p.Submit(testCtx(t), "SELECT n FROM nums", nil, nil, func(s *Statement) {
		s.OnColumn(func(_ int, v any) {
			mu.Lock()
			values = append(values, v)
			mu.Unlock()
		})
	})
	require.NoError(t, err)
	_, err = q.Wait(testCtx(t))
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{int64(1), int64(2)}, values)
}

func TestPool_WithConnAndTx(t *testing.T) {
	drv := NewMockDriver()
	drv.On("UPDATE accounts SET balance = balance - 1", RowCount(1))
	p := openTestPool(t, drv, func(c *PoolConfig) { c.Floor = 1; c.Ceiling = 1 })

	sentinel := errors.New("sentinel")
	err := p.WithConn(testCtx(t), func(c *Conn) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)

	err = p.WithinTx(testCtx(t), RetryPolicy{MaxAttempts: 1}, func(ctx context.Context, c *Conn) error {
		_, err := c.Exec(ctx, "UPDATE accounts SET balance = balance - 1")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"BEGIN", "UPDATE accounts SET balance = balance - 1", "COMMIT"}, drv.Executed())
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestPool_CallProcedureAndBulkInsert(t *testing.T) {
	drv := NewMockDriver()
	drv.OnProcedure("refresh_totals").WithOutput([]any{int64(3)}, int64(0))
	p := openTestPool(t, drv, nil)

	res, err := p.CallProcedure(testCtx(t), "refresh_totals", Out("changed", 0))
	require.NoError(t, err)
	assert.Equal(t, []any{int64(3)}, res.Output)

	n, err := p.BulkInsert(testCtx(t), "events", []string{"id", "kind"}, [][]any{{1, "a"}, {2, "b"}}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Len(t, drv.Inserted(), 2)
}

func TestPool_ShrinkIdleKeepsFloor(t *testing.T) {
	drv := NewMockDriver()
	p := openTestPool(t, drv, func(c *PoolConfig) {
		c.ScalingStrategy = ScalingGradual
		c.ScalingIncrement = 3
		c.Floor = 1
		c.Ceiling = 3
	})
	require.Equal(t, 3, p.Stats().Total)

	p.shrinkIdle(time.Now().Add(time.Hour))
	st := p.Stats()
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, int64(2), st.Retired)
	require.Eventually(t, func() bool { return drv.Closed() == 2 }, time.Second, 5*time.Millisecond)
}

func TestPool_HeartbeatRetiresFailedConnection(t *testing.T) {
	drv := NewMockDriver()
	p := openTestPool(t, drv, func(c *PoolConfig) {
		c.Floor = 1
		c.Ceiling = 1
		c.HeartbeatSQL = "HEARTBEAT"
		c.HeartbeatInterval = time.Hour
	})
	drv.On("HEARTBEAT", Rows([]string{"ok"}, []any{int64(1)}))
	p.heartbeat()
	require.Eventually(t, func() bool { return p.Stats().Idle == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), p.Stats().Retired)

	errs := make(chan error, 1)
	p.OnError(func(err error) { errs <- err })
	drv.On("HEARTBEAT").FailBegin(&NativeError{Message: "link failure", SQLState: "08S01", Fatal: true})
	p.heartbeat()
	assert.Contains(t, (<-errs).Error(), "heartbeat")
	require.Eventually(t, func() bool {
		st := p.Stats()
		return st.Retired == 1 && st.Idle == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, drv.Opened())
}

func TestPool_HealthCheck(t *testing.T) {
	drv := NewMockDriver()
	p, err := NewPool(drv, TestingPoolConfig())
	require.NoError(t, err)

	status, err := p.HealthCheck(testCtx(t))
	require.NoError(t, err)
	assert.False(t, status.Healthy)
	require.Len(t, status.Errors, 1)
	assert.Equal(t, "state", status.Errors[0].Type)

	require.NoError(t, p.Open(testCtx(t)))
	defer p.Close(context.Background())
	status, err = p.HealthCheck(testCtx(t))
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Equal(t, 3, status.ConnectionsMax)
	assert.Contains(t, status.Details, "query_time")

	drv.On("SELECT 1").FailBegin(&NativeError{Message: "read-only", SQLState: "25006"})
	status, err = p.HealthCheck(testCtx(t))
	require.NoError(t, err)
	assert.False(t, status.Healthy)
	require.Len(t, status.Errors, 1)
	assert.Equal(t, "query_execution", status.Errors[0].Type)
	assert.True(t, status.Errors[0].Recoverable)
}
