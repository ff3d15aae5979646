package ygggo_odbc

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// stmtCache is a per-connection LRU of prepared statements keyed by SQL text.
// Evicted entries are handed back to the caller for release.
type stmtCache struct {
	cap    int
	mu     sync.Mutex
	ll     *list.List               // front = most recently used
	m      map[string]*list.Element // sql -> element
	hits   uint64
	misses uint64
}

func newStmtCache(capacity int) *stmtCache {
	if capacity < 0 { capacity = 0 }
	return &stmtCache{cap: capacity, ll: list.New(), m: make(map[string]*list.Element)}
}

func (c *stmtCache) enabled() bool { return c != nil && c.cap > 0 }

func (c *stmtCache) get(sql string) *Prepared {
	if !c.enabled() { return nil }
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.m[sql]; ok {
		c.ll.MoveToFront(ele)
		atomic.AddUint64(&c.hits, 1)
		return ele.Value.(*Prepared)
	}
	atomic.AddUint64(&c.misses, 1)
	return nil
}

// put stores p unless an entry for the same SQL appeared meanwhile, in which
// case the existing one is returned and p is reported for release.
func (c *stmtCache) put(p *Prepared) (kept *Prepared, release []*Prepared) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.m[p.sql]; ok {
		c.ll.MoveToFront(ele)
		return ele.Value.(*Prepared), []*Prepared{p}
	}
	p.cached = true
	c.m[p.sql] = c.ll.PushFront(p)
	for c.ll.Len() > c.cap {
		back := c.ll.Back()
		c.ll.Remove(back)
		old := back.Value.(*Prepared)
		delete(c.m, old.sql)
		release = append(release, old)
	}
	return p, release
}

// drain empties the cache and returns every entry.
func (c *stmtCache) drain() []*Prepared {
	if c == nil { return nil }
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Prepared, 0, c.ll.Len())
	for e := c.ll.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Prepared))
	}
	c.ll.Init()
	for k := range c.m { delete(c.m, k) }
	return out
}

func (c *stmtCache) stats() (hits, misses uint64, size int) {
	if c == nil { return 0, 0, 0 }
	hits = atomic.LoadUint64(&c.hits)
	misses = atomic.LoadUint64(&c.misses)
	c.mu.Lock()
	size = c.ll.Len()
	c.mu.Unlock()
	return
}
