package ygggo_odbc

import (
	"sync"

	"github.com/agnosticeng/panicsafe"
)

// eventLoop runs posted functions one at a time, in post order, on its own goroutine.
// Everything a Conn does to its queue and statement state happens on its loop.
type eventLoop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	stopped bool
	done    chan struct{}
	onPanic func(error)
}

func newEventLoop(onPanic func(error)) *eventLoop {
	l := &eventLoop{done: make(chan struct{}), onPanic: onPanic}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// post schedules fn. It never runs fn synchronously.
func (l *eventLoop) post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped { return false }
	l.pending = append(l.pending, fn)
	l.cond.Signal()
	return true
}

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.pending) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.pending) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		l.mu.Unlock()

		if err := panicsafe.Recover(func() error { fn(); return nil }); err != nil && l.onPanic != nil {
			l.onPanic(err)
		}
	}
}

// stop refuses further posts; already posted functions still run.
func (l *eventLoop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (l *eventLoop) wait() { <-l.done }
