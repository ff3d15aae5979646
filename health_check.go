package ygggo_odbc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
)

// HealthStatus represents the overall health of a pool
type HealthStatus struct {
	Healthy           bool           `json:"healthy"`
	LastChecked       time.Time      `json:"last_checked"`
	ResponseTime      time.Duration  `json:"response_time"`
	ConnectionsActive int            `json:"connections_active"`
	ConnectionsIdle   int            `json:"connections_idle"`
	ConnectionsMax    int            `json:"connections_max"`
	Errors            []HealthError  `json:"errors,omitempty"`
	Details           map[string]any `json:"details,omitempty"`
}

// HealthError represents a health check error
type HealthError struct {
	Type        string    `json:"type"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
}

// HealthCheck runs the heartbeat statement on one pooled connection and
// reports it together with the pool counters.
func (p *Pool) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	if p == nil { return nil, fmt.Errorf("pool is nil") }
	start := time.Now()
	status := &HealthStatus{
		LastChecked: start,
		Details:     make(map[string]any),
		Errors:      make([]HealthError, 0),
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if state := p.State(); state != PoolOpen {
		status.Errors = append(status.Errors, HealthError{
			Type:      "state",
			Message:   fmt.Sprintf("pool is %s", state),
			Timestamp: time.Now(),
		})
	} else {
		err := p.WithConn(timeoutCtx, func(c *Conn) error {
			t := time.Now()
			err := c.Ping(timeoutCtx, p.config.HeartbeatSQL)
			status.Details["query_time"] = time.Since(t)
			status.Details["conn_id"] = c.id
			return err
		})
		if err != nil {
			status.Errors = append(status.Errors, HealthError{
				Type:        "query_execution",
				Message:     fmt.Sprintf("Query execution failed: %v", err),
				Timestamp:   time.Now(),
				Recoverable: Classify(err) != ErrClassConnection,
			})
		}
	}

	stats := p.Stats()
	status.ConnectionsActive = stats.Busy
	status.ConnectionsIdle = stats.Idle
	status.ConnectionsMax = stats.Ceiling
	status.Details["pending"] = stats.Pending
	status.Details["opening"] = stats.Opening
	status.Details["retired"] = stats.Retired
	status.Details["open_failures"] = stats.OpenFailures
	status.ResponseTime = time.Since(start)
	status.Healthy = len(status.Errors) == 0
	return status, nil
}

// startMaintenance starts the heartbeat and inactivity loops of an open pool.
func (p *Pool) startMaintenance() {
	p.mu.Lock()
	if p.state != PoolOpen {
		p.mu.Unlock()
		return
	}
	var loops []func()
	if iv := p.config.HeartbeatInterval; iv > 0 {
		loops = append(loops, func() { p.every(iv, p.heartbeat) })
	}
	if to := p.config.InactivityTimeout; to > 0 {
		iv := max(to/2, 10*time.Millisecond)
		loops = append(loops, func() { p.every(iv, func() { p.shrinkIdle(time.Now()) }) })
	}
	p.wg.Add(len(loops))
	p.mu.Unlock()

	for _, loop := range loops {
		go loop()
	}
}

func (p *Pool) every(iv time.Duration, fn func()) {
	defer p.wg.Done()
	t := time.NewTicker(iv)
	defer t.Stop()
	for {
		select {
		case <-p.bg.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// heartbeat probes every idle connection. Probed connections are busy for
// the duration of the probe; failed ones are retired and replaced up to Floor.
func (p *Pool) heartbeat() {
	p.mu.Lock()
	if p.state != PoolOpen {
		p.mu.Unlock()
		return
	}
	var probes []*pooledConn
	for _, pc := range p.conns {
		if pc.state == connIdle {
			pc.state = connBusy
			probes = append(probes, pc)
		}
	}
	p.wg.Add(len(probes))
	p.mu.Unlock()

	for _, pc := range probes {
		go func(pc *pooledConn) {
			defer p.wg.Done()
			ctx, cancel := context.WithTimeout(p.bg, p.config.HeartbeatInterval)
			err := pc.conn.Ping(ctx, p.config.HeartbeatSQL)
			cancel()
			if err != nil {
				p.emitError(fmt.Errorf("heartbeat on connection %s: %w", pc.conn.id, err))
				p.retire(pc, err)
				return
			}
			p.restore(pc)
		}(pc)
	}
}

// restore returns a probed connection to the idle set without touching its
// activity time.
func (p *Pool) restore(pc *pooledConn) {
	p.mu.Lock()
	if pc.state != connBusy || p.state != PoolOpen {
		p.mu.Unlock()
		return
	}
	pc.state = connIdle
	p.mu.Unlock()
	p.dispatchPending()
}

// shrinkIdle closes connections idle for longer than InactivityTimeout,
// oldest first, without going below Floor.
func (p *Pool) shrinkIdle(now time.Time) {
	p.mu.Lock()
	if p.state != PoolOpen {
		p.mu.Unlock()
		return
	}
	excess := len(p.conns) - p.config.Floor
	idle := lo.Filter(p.conns, func(pc *pooledConn, _ int) bool { return pc.state == connIdle })
	sort.Slice(idle, func(i, j int) bool { return idle[i].lastActive.Before(idle[j].lastActive) })
	var victims []*pooledConn
	for _, pc := range idle {
		if excess <= 0 || now.Sub(pc.lastActive) < p.config.InactivityTimeout { break }
		pc.state = connClosed
		victims = append(victims, pc)
		excess--
	}
	if len(victims) == 0 {
		p.mu.Unlock()
		return
	}
	p.conns = lo.Filter(p.conns, func(pc *pooledConn, _ int) bool { return pc.state != connClosed })
	p.retired += int64(len(victims))
	p.wg.Add(len(victims))
	p.mu.Unlock()

	for _, pc := range victims {
		p.debugf("closing connection %s idle since %s", pc.conn.id, pc.lastActive.Format(time.RFC3339))
		p.emitStatus("retire", pc)
		go func(c *Conn) {
			defer p.wg.Done()
			_ = c.Close(context.Background())
		}(pc.conn)
	}
}
