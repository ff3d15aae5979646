package ygggo_odbc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agnosticeng/panicsafe"
)

// task is one unit of work owned by a workQueue while pending.
// execute is invoked when the task becomes head of the queue and must call
// done once its work is finished; fail settles the task with an error.
type task struct {
	name    string
	execute func(done func())
	fail    func(err error)

	settled  atomic.Bool
	advanced atomic.Bool
}

// reject settles t with err unless it already settled.
func (t *task) reject(err error) {
	if t.settled.CompareAndSwap(false, true) && t.fail != nil {
		t.fail(err)
	}
}

// workQueue is a per-connection FIFO running at most one task at a time.
// busy is true iff items[0] is the active task.
type workQueue struct {
	loop *eventLoop

	mu       sync.Mutex
	items    []*task
	busy     bool
	closed   bool
	closeErr error
	idleCh   chan struct{}
	idleOnce sync.Once
}

func newWorkQueue(loop *eventLoop) *workQueue {
	return &workQueue{loop: loop, idleCh: make(chan struct{})}
}

// enqueue appends t and starts it when the queue was empty.
// A closed queue rejects t synchronously and never executes it.
func (q *workQueue) enqueue(t *task) error {
	q.mu.Lock()
	if q.closed {
		err := q.closeErr
		q.mu.Unlock()
		return err
	}
	q.items = append(q.items, t)
	start := !q.busy
	q.busy = true
	q.mu.Unlock()
	if start { q.schedule(t) }
	return nil
}

// enqueueNext inserts t directly behind the active task, so it runs before
// anything queued later. It is how an active task chains a continuation, and
// is therefore accepted even after close.
func (q *workQueue) enqueueNext(t *task) {
	q.mu.Lock()
	if !q.busy {
		q.items = append(q.items, t)
		q.busy = true
		q.mu.Unlock()
		q.schedule(t)
		return
	}
	q.items = append(q.items, nil)
	copy(q.items[2:], q.items[1:])
	q.items[1] = t
	q.mu.Unlock()
}

// remove drops t if it is queued but not yet started, failing it with err.
func (q *workQueue) remove(t *task, err error) bool {
	q.mu.Lock()
	idx := -1
	for i := 1; i < len(q.items); i++ {
		if q.items[i] == t {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	q.mu.Unlock()
	t.reject(err)
	return true
}

func (q *workQueue) schedule(t *task) {
	if !q.loop.post(func() { q.run(t) }) {
		t.reject(ErrConnectionClosed)
		q.advance(t)
	}
}

func (q *workQueue) run(t *task) {
	done := func() { q.complete(t) }
	err := panicsafe.Recover(func() error {
		t.execute(done)
		return nil
	})
	if err != nil {
		t.reject(fmt.Errorf("task %s: %w", t.name, err))
		q.complete(t)
	}
}

// complete signals that t finished. The advance happens on a later loop turn,
// never inside the frame that signalled it.
func (q *workQueue) complete(t *task) {
	if !t.advanced.CompareAndSwap(false, true) { return }
	if !q.loop.post(func() { q.advance(t) }) {
		q.advance(t)
	}
}

func (q *workQueue) advance(t *task) {
	q.mu.Lock()
	if len(q.items) == 0 || q.items[0] != t {
		q.mu.Unlock()
		return
	}
	q.items[0] = nil
	q.items = q.items[1:]
	var next *task
	if len(q.items) > 0 {
		next = q.items[0]
	} else {
		q.busy = false
	}
	idle := q.closed && !q.busy
	q.mu.Unlock()

	if next != nil {
		q.schedule(next)
	}
	if idle { q.signalIdle() }
}

// close rejects new work with err and fails every task that has not started.
// The active task, if any, is left to finish.
func (q *workQueue) close(err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.closeErr = err
	var dropped []*task
	if q.busy && len(q.items) > 1 {
		dropped = append(dropped, q.items[1:]...)
		q.items = q.items[:1]
	}
	idle := !q.busy
	q.mu.Unlock()

	for _, t := range dropped {
		t.reject(err)
	}
	if idle { q.signalIdle() }
}

func (q *workQueue) signalIdle() { q.idleOnce.Do(func() { close(q.idleCh) }) }

// idle is closed once the queue is closed and no task is active.
func (q *workQueue) idle() <-chan struct{} { return q.idleCh }

func (q *workQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *workQueue) isBusy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

func (q *workQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
