package ygggo_odbc

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

const defaultWorkerPoolSize = 512

// registry is the process-wide state shared by every Conn and Pool: the
// diagnostics index and the worker pool running blocking native calls.
// It is created on first Open/NewPool and torn down by Shutdown.
type registry struct {
	mu      sync.Mutex
	workers *ants.Pool
	conns   map[string]*Conn
	pools   map[string]*Pool
}

var (
	registryMu sync.Mutex
	current    *registry
)

func currentRegistry() *registry {
	registryMu.Lock()
	defer registryMu.Unlock()
	if current == nil {
		workers, err := ants.NewPool(defaultWorkerPoolSize, ants.WithPanicHandler(func(v any) {
			slog.Default().Error("native worker panic", slog.Any("panic", v))
		}))
		if err != nil {
			// only reachable with an invalid size; fall back to plain goroutines
			workers = nil
		}
		current = &registry{
			workers: workers,
			conns:   make(map[string]*Conn),
			pools:   make(map[string]*Pool),
		}
	}
	return current
}

// Shutdown clears the process-wide registry and releases the shared worker pool.
// Live connections keep working; their native calls fall back to plain goroutines.
func Shutdown() {
	registryMu.Lock()
	r := current
	current = nil
	registryMu.Unlock()
	if r == nil { return }
	r.mu.Lock()
	r.conns = nil
	r.pools = nil
	r.mu.Unlock()
	if r.workers != nil {
		r.workers.Release()
	}
}

// submit runs fn on the worker pool.
func (r *registry) submit(fn func()) {
	if r == nil || r.workers == nil {
		go fn()
		return
	}
	if err := r.workers.Submit(fn); err != nil {
		go fn()
	}
}

func (r *registry) addConn(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns != nil { r.conns[c.id] = c }
}

func (r *registry) removeConn(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c.id)
}

func (r *registry) addPool(p *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pools != nil { r.pools[p.id] = p }
}

func (r *registry) removePool(p *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pools, p.id)
}

// ConnDiagnostics describes one live connection.
type ConnDiagnostics struct {
	ID       string
	OpenedAt time.Time
	Pending  int
	Busy     bool
}

// Diagnostics is a snapshot of the process-wide registry.
type Diagnostics struct {
	Connections    []ConnDiagnostics
	Pools          []string
	WorkersRunning int
}

// CurrentDiagnostics snapshots live connections and pools without creating the registry.
func CurrentDiagnostics() Diagnostics {
	registryMu.Lock()
	r := current
	registryMu.Unlock()
	if r == nil { return Diagnostics{} }

	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	var d Diagnostics
	for id := range r.pools {
		d.Pools = append(d.Pools, id)
	}
	r.mu.Unlock()

	for _, c := range conns {
		d.Connections = append(d.Connections, ConnDiagnostics{
			ID:       c.id,
			OpenedAt: c.openedAt,
			Pending:  c.queue.size(),
			Busy:     c.queue.isBusy(),
		})
	}
	sort.Slice(d.Connections, func(i, j int) bool { return d.Connections[i].OpenedAt.Before(d.Connections[j].OpenedAt) })
	sort.Strings(d.Pools)
	if r.workers != nil {
		d.WorkersRunning = r.workers.Running()
	}
	return d
}
