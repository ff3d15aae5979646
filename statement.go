package ygggo_odbc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/agnosticeng/panicsafe"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/trace"
)

// Row is one row of a resultset, indexed by column.
type Row []any

// ResultSet is one row-returning resultset of a batch.
type ResultSet struct {
	Meta []ColumnMeta
	Rows []Row
}

// Results aggregates everything one statement produced.
type Results struct {
	// Meta describes the first row-returning resultset.
	Meta []ColumnMeta
	// Sets holds every row-returning resultset in server order.
	Sets []ResultSet
	// First holds the rows of the first row-returning resultset.
	First []Row
	// Counts holds one entry per rowcount-only statement.
	Counts []int64
	Info   []string
	// Errors holds every per-statement error, including those the batch continued past.
	Errors     []error
	Output     []any
	ReturnCode any
}

// Rows returns the rows of a single-resultset statement, or the rows of every
// resultset concatenated.
func (r *Results) Rows() []Row {
	if r == nil { return nil }
	if len(r.Sets) == 1 { return r.Sets[0].Rows }
	var out []Row
	for _, s := range r.Sets {
		out = append(out, s.Rows...)
	}
	return out
}

// RowsAffected sums every rowcount of the statement.
func (r *Results) RowsAffected() int64 {
	if r == nil { return 0 }
	var n int64
	for _, c := range r.Counts {
		n += c
	}
	return n
}

// Callback receives per-statement errors as (err, nil, more) and, once the
// statement completes, (nil, results, false). A terminal error is the last call.
type Callback func(err error, res *Results, more bool)

// Statement is one submitted unit of work on a connection. Event handlers
// registered with the On methods run on the connection's event loop, in
// protocol order, and must not block on the same connection.
type Statement struct {
	conn    *Conn
	ctx     context.Context
	handler queryHandler
	sql     string
	params  []any
	timeout time.Duration

	mu          sync.Mutex
	submitted   bool
	task        *task
	cb          Callback
	cancelErr   error
	onSubmitted []func()
	onMeta      []func([]ColumnMeta)
	onRow       []func(int)
	onColumn    []func(int, any)
	onRowCount  []func(int64)
	onInfo      []func(string)
	onError     []func(error, bool)
	onDone      []func()
	onFree      []func()
	onOutput    []func(OutputParams)

	// owned by the connection's event loop
	id             QueryID
	running        bool
	state          protocolState
	native         NativeStatement
	runCtx         context.Context
	cancelRun      context.CancelFunc
	stopWatch      func() bool
	inFlight       bool
	paused         bool
	held           *command
	finished       bool
	terminalRouted bool
	results        *Results
	row            Row
	span           trace.Span
	started        time.Time
	done           func()

	settleOnce sync.Once
	finishedCh chan struct{}
	finalErr   error
}

func newStatement(ctx context.Context, c *Conn, h queryHandler, sql string, params []any) *Statement {
	if ctx == nil { ctx = context.Background() }
	return &Statement{
		conn:       c,
		ctx:        ctx,
		handler:    h,
		sql:        sql,
		params:     params,
		timeout:    c.config.QueryTimeout,
		results:    &Results{},
		finishedCh: make(chan struct{}),
	}
}

// SetTimeout sets the driver-level timeout of the statement. Zero disables it.
func (s *Statement) SetTimeout(d time.Duration) *Statement {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.submitted { s.timeout = d }
	return s
}

// ID returns the query id of the native execution, zero until it starts.
func (s *Statement) ID() QueryID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Statement) OnSubmitted(fn func()) *Statement {
	s.mu.Lock()
	s.onSubmitted = append(s.onSubmitted, fn)
	s.mu.Unlock()
	return s
}

func (s *Statement) OnMeta(fn func(meta []ColumnMeta)) *Statement {
	s.mu.Lock()
	s.onMeta = append(s.onMeta, fn)
	s.mu.Unlock()
	return s
}

func (s *Statement) OnRow(fn func(index int)) *Statement {
	s.mu.Lock()
	s.onRow = append(s.onRow, fn)
	s.mu.Unlock()
	return s
}

func (s *Statement) OnColumn(fn func(index int, value any)) *Statement {
	s.mu.Lock()
	s.onColumn = append(s.onColumn, fn)
	s.mu.Unlock()
	return s
}

func (s *Statement) OnRowCount(fn func(count int64)) *Statement {
	s.mu.Lock()
	s.onRowCount = append(s.onRowCount, fn)
	s.mu.Unlock()
	return s
}

func (s *Statement) OnInfo(fn func(message string)) *Statement {
	s.mu.Lock()
	s.onInfo = append(s.onInfo, fn)
	s.mu.Unlock()
	return s
}

// OnError registers an error listener. Listeners only run when the statement
// was submitted without a Callback.
func (s *Statement) OnError(fn func(err error, more bool)) *Statement {
	s.mu.Lock()
	s.onError = append(s.onError, fn)
	s.mu.Unlock()
	return s
}

// OnDone fires when the last resultset completed. It does not fire after a terminal error.
func (s *Statement) OnDone(fn func()) *Statement {
	s.mu.Lock()
	s.onDone = append(s.onDone, fn)
	s.mu.Unlock()
	return s
}

// OnFree fires exactly once when the statement released its native resources,
// whatever the outcome.
func (s *Statement) OnFree(fn func()) *Statement {
	s.mu.Lock()
	s.onFree = append(s.onFree, fn)
	s.mu.Unlock()
	return s
}

func (s *Statement) OnOutput(fn func(out OutputParams)) *Statement {
	s.mu.Lock()
	s.onOutput = append(s.onOutput, fn)
	s.mu.Unlock()
	return s
}

// Submit enqueues the statement on its connection. A closed connection
// rejects it synchronously.
func (s *Statement) Submit(cb Callback) error {
	s.mu.Lock()
	if s.submitted {
		s.mu.Unlock()
		return ErrAlreadySubmitted
	}
	s.submitted = true
	s.cb = cb
	t := &task{name: s.handler.kind(), execute: s.execute, fail: s.fail}
	s.task = t
	s.mu.Unlock()

	if err := s.conn.queue.enqueue(t); err != nil {
		t.settled.Store(true)
		s.settle(err)
		return err
	}
	return nil
}

// Wait blocks until the statement settled. When ctx ends first the statement
// is aborted and Wait still returns its final outcome.
func (s *Statement) Wait(ctx context.Context) (*Results, error) {
	select {
	case <-s.finishedCh:
	case <-ctx.Done():
		if !s.abort(ctxError(ctx.Err())) {
			return nil, ctxError(ctx.Err())
		}
		<-s.finishedCh
	}
	return s.results, s.finalErr
}

// Done is closed once the statement settled.
func (s *Statement) Done() <-chan struct{} { return s.finishedCh }

// Err returns the final error once Done is closed.
func (s *Statement) Err() error {
	select {
	case <-s.finishedCh:
		return s.finalErr
	default:
		return nil
	}
}

// Cancel aborts the statement with ErrQueryCancelled. A statement still queued
// is dropped without running.
func (s *Statement) Cancel() { s.abort(ErrQueryCancelled) }

// Pause holds the statement before its next native call.
func (s *Statement) Pause() {
	s.conn.loop.post(func() {
		if !s.finished { s.paused = true }
	})
}

// Resume continues a paused statement.
func (s *Statement) Resume() {
	s.conn.loop.post(func() {
		s.paused = false
		if s.held == nil || s.finished { return }
		cmd := *s.held
		s.held = nil
		s.dispatch(cmd)
	})
}

// abort reports false when the statement was never submitted.
func (s *Statement) abort(err error) bool {
	s.mu.Lock()
	if s.cancelErr == nil { s.cancelErr = err }
	t := s.task
	s.mu.Unlock()
	if t == nil { return false }
	if !s.conn.queue.remove(t, err) {
		s.conn.loop.post(s.interrupt)
	}
	return true
}

func ctxError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) { return ErrQueryTimeout }
	return ErrQueryCancelled
}

// interruptErr reports why the statement must stop, if it must.
func (s *Statement) interruptErr() error {
	s.mu.Lock()
	err := s.cancelErr
	s.mu.Unlock()
	if err != nil { return err }
	if s.runCtx != nil && s.runCtx.Err() != nil {
		return ctxError(s.runCtx.Err())
	}
	return nil
}

// interrupt runs on the loop after a cancel or deadline.
func (s *Statement) interrupt() {
	if !s.running || s.finished { return }
	if s.inFlight {
		if s.cancelRun != nil { s.cancelRun() }
		if st := s.native; st != nil {
			s.conn.reg.submit(func() { _ = st.Cancel() })
		}
		return
	}
	s.handle(errorEvent(s.interruptErr(), false))
}

// execute is the queue task body. It runs on the loop.
func (s *Statement) execute(done func()) {
	s.done = done
	s.running = true
	s.started = time.Now()
	s.state = newProtocolState()

	s.mu.Lock()
	s.id = nextQueryID()
	timeout := s.timeout
	s.mu.Unlock()

	if timeout > 0 {
		s.runCtx, s.cancelRun = context.WithTimeout(s.ctx, timeout)
	} else {
		s.runCtx, s.cancelRun = context.WithCancel(s.ctx)
	}
	s.runCtx, s.span = s.conn.startSpan(s.runCtx, s.handler.kind(), s.sql)
	s.stopWatch = context.AfterFunc(s.runCtx, func() { s.conn.loop.post(s.interrupt) })

	s.emitSubmitted()
	if err := s.interruptErr(); err != nil {
		s.handle(errorEvent(err, false))
		return
	}
	s.begin()
}

// begin asks the handler for a native statement on a worker.
func (s *Statement) begin() {
	ctx, nc := s.runCtx, s.conn.native
	s.inFlight = true
	s.conn.reg.submit(func() {
		var st NativeStatement
		err := panicsafe.Recover(func() error {
			var err error
			st, err = s.handler.begin(ctx, nc)
			return err
		})
		ev := nativeEvent{kind: evBegun}
		if err != nil {
			ev = errorEvent(err, false)
		} else if ms, ok := st.(MessageSource); ok {
			ev.messages = ms.Messages()
		}
		s.post(func() {
			s.inFlight = false
			if st != nil { s.native = st }
			s.handle(ev)
		}, st)
	})
}

// post hands a native outcome back to the loop; st is closed if the loop is gone.
func (s *Statement) post(fn func(), st NativeStatement) {
	if !s.conn.loop.post(fn) && st != nil {
		_ = st.Close()
	}
}

func (s *Statement) handle(ev nativeEvent) {
	if s.finished { return }
	if ev.kind == evError {
		if err := s.interruptErr(); err != nil {
			ev.err, ev.more = err, false
		}
	}
	next, obs, cmd := step(s.state, ev)
	s.state = next
	for _, o := range obs {
		s.observe(o)
	}
	s.dispatch(cmd)
}

func (s *Statement) dispatch(cmd command) {
	switch cmd.kind {
	case cmdNone:
		return
	case cmdFinish:
		s.finish()
		return
	}
	if err := s.interruptErr(); err != nil {
		s.handle(errorEvent(err, false))
		return
	}
	if s.paused {
		s.held = &cmd
		return
	}
	s.perform(cmd)
}

// perform runs one native call on a worker and posts its outcome back.
func (s *Statement) perform(cmd command) {
	st, ctx := s.native, s.runCtx
	s.inFlight = true
	s.conn.reg.submit(func() {
		var ev nativeEvent
		if err := panicsafe.Recover(func() error {
			ev = invoke(ctx, st, cmd)
			return nil
		}); err != nil {
			ev = errorEvent(fmt.Errorf("native call: %w", err), false)
		}
		s.post(func() {
			s.inFlight = false
			s.handle(ev)
		}, nil)
	})
}

func invoke(ctx context.Context, st NativeStatement, cmd command) nativeEvent {
	var ev nativeEvent
	switch cmd.kind {
	case cmdFetchMeta:
		meta, err := st.Columns(ctx)
		if err != nil {
			ev = errorEvent(err, nativeMore(err))
		} else {
			ev = nativeEvent{kind: evMeta, meta: meta}
		}
	case cmdFetchRow:
		end, err := st.NextRow(ctx)
		if err != nil {
			ev = errorEvent(err, nativeMore(err))
		} else {
			ev = nativeEvent{kind: evRow, endOfRows: end}
		}
	case cmdFetchColumn:
		chunk, err := st.ReadColumn(ctx, cmd.column)
		if err != nil {
			ev = errorEvent(err, nativeMore(err))
		} else {
			ev = nativeEvent{kind: evColumn, chunk: chunk}
		}
	case cmdNextResult:
		info, err := st.NextResult(ctx)
		if err != nil {
			ev = errorEvent(err, nativeMore(err))
		} else {
			ev = nativeEvent{kind: evNextResult, info: info}
		}
	}
	if ms, ok := st.(MessageSource); ok {
		ev.messages = ms.Messages()
	}
	return ev
}

func (s *Statement) observe(o observation) {
	res := s.results
	switch o.kind {
	case obsMeta:
		if res.Meta == nil { res.Meta = o.meta }
		res.Sets = append(res.Sets, ResultSet{Meta: o.meta})
		s.mu.Lock()
		hs := slices.Clone(s.onMeta)
		s.mu.Unlock()
		for _, h := range hs {
			s.call(func() { h(o.meta) })
		}
	case obsRow:
		s.row = make(Row, len(s.state.meta))
		set := &res.Sets[len(res.Sets)-1]
		set.Rows = append(set.Rows, s.row)
		s.mu.Lock()
		hs := slices.Clone(s.onRow)
		s.mu.Unlock()
		for _, h := range hs {
			s.call(func() { h(o.index) })
		}
	case obsColumn:
		if o.index < len(s.row) { s.row[o.index] = o.value }
		s.mu.Lock()
		hs := slices.Clone(s.onColumn)
		s.mu.Unlock()
		for _, h := range hs {
			s.call(func() { h(o.index, o.value) })
		}
	case obsRowCount:
		res.Counts = append(res.Counts, o.rowCount)
		s.mu.Lock()
		hs := slices.Clone(s.onRowCount)
		s.mu.Unlock()
		for _, h := range hs {
			s.call(func() { h(o.rowCount) })
		}
	case obsInfo:
		res.Info = append(res.Info, o.message)
		s.mu.Lock()
		hs := slices.Clone(s.onInfo)
		s.mu.Unlock()
		for _, h := range hs {
			s.call(func() { h(o.message) })
		}
	case obsError:
		res.Errors = append(res.Errors, o.err)
		s.route(o.err, o.more)
	case obsDone:
		s.mu.Lock()
		hs := slices.Clone(s.onDone)
		s.mu.Unlock()
		for _, h := range hs {
			s.call(h)
		}
	}
}

func (s *Statement) emitSubmitted() {
	s.mu.Lock()
	hs := slices.Clone(s.onSubmitted)
	s.mu.Unlock()
	for _, h := range hs {
		s.call(h)
	}
}

func (s *Statement) emitOutput(out OutputParams) {
	s.mu.Lock()
	hs := slices.Clone(s.onOutput)
	s.mu.Unlock()
	for _, h := range hs {
		s.call(func() { h(out) })
	}
}

// call runs an application handler. A panicking handler is logged and
// never breaks the statement.
func (s *Statement) call(fn func()) {
	if err := panicsafe.Recover(func() error { fn(); return nil }); err != nil {
		s.conn.logUnhandled(s.ctx, s.id, s.sql, fmt.Errorf("handler panic: %w", err))
	}
}

// route delivers one error: to the callback, else to the error listeners,
// else it is logged as unhandled.
func (s *Statement) route(err error, more bool) {
	if !more { s.terminalRouted = true }
	s.mu.Lock()
	cb := s.cb
	ls := slices.Clone(s.onError)
	s.mu.Unlock()
	switch {
	case cb != nil:
		s.call(func() { cb(err, nil, more) })
	case len(ls) > 0:
		for _, l := range ls {
			s.call(func() { l(err, more) })
		}
	default:
		s.conn.logUnhandled(s.ctx, s.id, s.sql, err)
	}
}

// finish ends the protocol run and hands control to the handler.
func (s *Statement) finish() {
	s.finished = true
	s.held = nil
	if s.stopWatch != nil { s.stopWatch() }
	var err error
	if s.state.phase == phaseError && len(s.results.Errors) > 0 {
		err = s.results.Errors[len(s.results.Errors)-1]
	}
	s.handler.end(s, err)
}

// restart runs the handler's begin again on a fresh protocol, for handlers
// that execute several bindings inside one task.
func (s *Statement) restart() {
	s.closeNative(func() {
		s.finished = false
		s.state = newProtocolState()
		s.stopWatch = context.AfterFunc(s.runCtx, func() { s.conn.loop.post(s.interrupt) })
		if err := s.interruptErr(); err != nil {
			s.handle(errorEvent(err, false))
			return
		}
		s.begin()
	})
}

// closeNative closes the native statement on a worker, then runs then on the loop.
func (s *Statement) closeNative(then func()) {
	st := s.native
	s.native = nil
	if st == nil {
		then()
		return
	}
	s.conn.reg.submit(func() {
		_ = st.Close()
		if !s.conn.loop.post(then) {
			then()
		}
	})
}

// release closes the native statement, settles the statement and completes
// the queue task with done.
func (s *Statement) release(done func()) {
	s.closeNative(func() {
		s.settle(nil)
		if done != nil { done() }
	})
}

// fail settles a task rejected by the queue: dropped before it started, or
// broken by a panic.
func (s *Statement) fail(err error) {
	if s.running && !s.finished {
		s.finished = true
		if s.stopWatch != nil { s.stopWatch() }
		s.results.Errors = append(s.results.Errors, err)
		s.route(err, false)
		if st := s.native; st != nil {
			s.native = nil
			s.conn.reg.submit(func() { _ = st.Close() })
		}
		s.settle(nil)
		return
	}
	if st := s.native; st != nil {
		s.native = nil
		s.conn.reg.submit(func() { _ = st.Close() })
	}
	s.route(err, false)
	s.settle(err)
}

// settle records the outcome exactly once. extra is an error that never went
// through the protocol.
func (s *Statement) settle(extra error) {
	s.settleOnce.Do(func() {
		errs := s.results.Errors
		if extra != nil { errs = append(errs, extra) }
		switch len(errs) {
		case 0:
		case 1:
			s.finalErr = errs[0]
		default:
			s.finalErr = multierror.Append(nil, errs...)
		}

		ctx := s.ctx
		if s.running {
			dur := time.Since(s.started)
			s.conn.finishSpan(s.span, s.finalErr)
			s.conn.logStatement(ctx, s.handler.kind(), s.sql, s.params, dur, s.finalErr)
			s.conn.recordStatement(ctx, s.handler.kind(), dur, s.finalErr)
			s.conn.noteStatement(s.finalErr)
		}
		if s.cancelRun != nil { s.cancelRun() }
		if len(s.results.Sets) > 0 { s.results.First = s.results.Sets[0].Rows }

		s.mu.Lock()
		cb := s.cb
		free := slices.Clone(s.onFree)
		s.mu.Unlock()
		if cb != nil && !s.terminalRouted {
			s.call(func() { cb(nil, s.results, false) })
		}
		for _, h := range free {
			s.call(h)
		}
		close(s.finishedCh)
	})
}
