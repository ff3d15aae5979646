package ygggo_odbc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockResult is one resultset of a scripted batch. A result without
// Columns is rowcount-only and reports RowCount.
type MockResult struct {
	Columns  []string
	Rows     [][]any
	RowCount int64
	// Err fails this statement of the batch. Later results still run.
	Err      error
	Messages []string
}

// Rows returns a row-returning result.
func Rows(columns []string, rows ...[]any) MockResult {
	return MockResult{Columns: columns, Rows: rows}
}

// RowCount returns a rowcount-only result.
func RowCount(n int64) MockResult { return MockResult{RowCount: n} }

// Fail returns a result failing with err.
func Fail(err error) MockResult { return MockResult{Err: err} }

// MockScript is the scripted outcome of one SQL text or procedure.
type MockScript struct {
	Results []MockResult
	// Delay is spent in every native call; it honors ctx and Cancel.
	Delay time.Duration
	// BeginErr fails the statement before any result.
	BeginErr   error
	Output     []any
	ReturnCode any
	// ChunkSize, when positive, streams []byte and string values in pieces.
	ChunkSize int
	// Panic makes the first native call panic with this value.
	Panic any

	once bool
}

func (s *MockScript) WithDelay(d time.Duration) *MockScript { s.Delay = d; return s }

func (s *MockScript) WithOutput(values []any, returnCode any) *MockScript {
	s.Output, s.ReturnCode = values, returnCode
	return s
}

func (s *MockScript) WithChunkSize(n int) *MockScript { s.ChunkSize = n; return s }

func (s *MockScript) FailBegin(err error) *MockScript { s.BeginErr = err; return s }

// MockDriver is a scripted in-memory Driver. SQL text is matched after
// collapsing whitespace; unscripted statements fail with SQLSTATE 42000.
type MockDriver struct {
	mu        sync.Mutex
	scripts   map[string][]*MockScript
	procs     map[string][]*MockScript
	openErrs  []error
	openDelay time.Duration
	closeErr  error
	executed  []string
	opened    int
	closed    int
	released  int
	inserted  [][]any
}

// NewMockDriver returns a driver answering "SELECT 1" with one row.
func NewMockDriver() *MockDriver {
	d := &MockDriver{scripts: map[string][]*MockScript{}, procs: map[string][]*MockScript{}}
	d.On("SELECT 1", Rows([]string{"1"}, []any{int64(1)}))
	return d
}

func normalizeSQL(sql string) string { return strings.Join(strings.Fields(sql), " ") }

// On scripts every execution of sql. It replaces earlier persistent scripts.
func (d *MockDriver) On(sql string, results ...MockResult) *MockScript {
	s := &MockScript{Results: results}
	d.mu.Lock()
	key := normalizeSQL(sql)
	var keep []*MockScript
	for _, old := range d.scripts[key] {
		if old.once { keep = append(keep, old) }
	}
	d.scripts[key] = append(keep, s)
	d.mu.Unlock()
	return s
}

// Once scripts the next execution of sql only, ahead of persistent scripts.
func (d *MockDriver) Once(sql string, results ...MockResult) *MockScript {
	s := &MockScript{Results: results, once: true}
	d.mu.Lock()
	key := normalizeSQL(sql)
	onces := 0
	for _, old := range d.scripts[key] {
		if old.once { onces++ }
	}
	list := d.scripts[key]
	d.scripts[key] = append(list[:onces:onces], append([]*MockScript{s}, list[onces:]...)...)
	d.mu.Unlock()
	return s
}

// OnProcedure scripts calls of the stored procedure name.
func (d *MockDriver) OnProcedure(name string, results ...MockResult) *MockScript {
	s := &MockScript{Results: results}
	d.mu.Lock()
	d.procs[strings.ToLower(name)] = []*MockScript{s}
	d.mu.Unlock()
	return s
}

// FailOpens makes the next len(errs) opens fail, in order.
func (d *MockDriver) FailOpens(errs ...error) {
	d.mu.Lock()
	d.openErrs = append(d.openErrs, errs...)
	d.mu.Unlock()
}

// SetOpenDelay slows every open down; the open ctx still bounds it.
func (d *MockDriver) SetOpenDelay(delay time.Duration) {
	d.mu.Lock()
	d.openDelay = delay
	d.mu.Unlock()
}

// SetCloseError makes native closes fail with err.
func (d *MockDriver) SetCloseError(err error) {
	d.mu.Lock()
	d.closeErr = err
	d.mu.Unlock()
}

// Executed returns every statement text in execution order, including
// BEGIN, COMMIT, ROLLBACK, CALL and INSERT markers.
func (d *MockDriver) Executed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.executed...)
}

// Opened and Closed count native connections.
func (d *MockDriver) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

func (d *MockDriver) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Released counts released prepared statements.
func (d *MockDriver) Released() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

// Inserted returns every row received through InsertRows.
func (d *MockDriver) Inserted() [][]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]any(nil), d.inserted...)
}

func (d *MockDriver) Open(ctx context.Context, connStr string) (NativeConn, error) {
	d.mu.Lock()
	delay := d.openDelay
	var err error
	if len(d.openErrs) > 0 {
		err, d.openErrs = d.openErrs[0], d.openErrs[1:]
	}
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil { return nil, err }
	d.mu.Lock()
	d.opened++
	d.mu.Unlock()
	return &mockConn{d: d}, nil
}

func (d *MockDriver) record(s string) {
	d.mu.Lock()
	d.executed = append(d.executed, s)
	d.mu.Unlock()
}

func (d *MockDriver) script(sql string) *MockScript {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := normalizeSQL(sql)
	list := d.scripts[key]
	if len(list) == 0 { return nil }
	s := list[0]
	if s.once { d.scripts[key] = list[1:] }
	return s
}

type mockConn struct {
	d      *MockDriver
	inTx   bool
	closed bool
}

func (c *mockConn) statement(ctx context.Context, sql string, s *MockScript) (NativeStatement, error) {
	if s == nil {
		return nil, &NativeError{Message: fmt.Sprintf("unexpected statement %q", normalizeSQL(sql)), SQLState: "42000"}
	}
	st := &mockStatement{script: s, cancelled: make(chan struct{})}
	if s.Panic != nil { panic(s.Panic) }
	if err := st.wait(ctx); err != nil { return nil, err }
	if s.BeginErr != nil { return nil, s.BeginErr }
	return st, nil
}

func (c *mockConn) Query(ctx context.Context, sql string, params []any) (NativeStatement, error) {
	if c.closed { return nil, &NativeError{Message: "connection closed", SQLState: "08003", Fatal: true} }
	c.d.record(sql)
	return c.statement(ctx, sql, c.d.script(sql))
}

func (c *mockConn) Prepare(ctx context.Context, sql string) (NativePrepared, error) {
	if s := c.d.script("PREPARE " + sql); s != nil && s.BeginErr != nil { return nil, s.BeginErr }
	c.d.record("PREPARE " + normalizeSQL(sql))
	return &mockPrepared{c: c, sql: sql}, nil
}

func (c *mockConn) CallProcedure(ctx context.Context, name string, params []ProcParam) (NativeStatement, error) {
	c.d.record("CALL " + name)
	c.d.mu.Lock()
	var s *MockScript
	if list := c.d.procs[strings.ToLower(name)]; len(list) > 0 { s = list[0] }
	c.d.mu.Unlock()
	return c.statement(ctx, "CALL "+name, s)
}

func (c *mockConn) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, useBcp bool) (int64, error) {
	c.d.record("INSERT " + table)
	if s := c.d.script("INSERT " + table); s != nil && s.BeginErr != nil { return 0, s.BeginErr }
	c.d.mu.Lock()
	c.d.inserted = append(c.d.inserted, rows...)
	c.d.mu.Unlock()
	return int64(len(rows)), nil
}

func (c *mockConn) control(word string) error {
	c.d.record(word)
	if s := c.d.script(word); s != nil {
		if s.BeginErr != nil { return s.BeginErr }
		for _, r := range s.Results {
			if r.Err != nil { return r.Err }
		}
	}
	return nil
}

func (c *mockConn) Begin(ctx context.Context) error {
	if c.inTx { return &NativeError{Message: "transaction already in progress", SQLState: "25001"} }
	if err := c.control("BEGIN"); err != nil { return err }
	c.inTx = true
	return nil
}

func (c *mockConn) Commit(ctx context.Context) error {
	c.inTx = false
	return c.control("COMMIT")
}

func (c *mockConn) Rollback(ctx context.Context) error {
	c.inTx = false
	return c.control("ROLLBACK")
}

func (c *mockConn) Close() error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.d.closed++
	}
	return c.d.closeErr
}

type mockPrepared struct {
	c   *mockConn
	sql string
}

func (p *mockPrepared) Bind(ctx context.Context, params []any) (NativeStatement, error) {
	return p.c.Query(ctx, p.sql, params)
}

func (p *mockPrepared) Release() error {
	p.c.d.mu.Lock()
	p.c.d.released++
	p.c.d.mu.Unlock()
	return nil
}

type mockStatement struct {
	script *MockScript

	result   int
	row      int
	chunkCol int
	chunkOff int
	messages []string

	cancelOnce sync.Once
	cancelled  chan struct{}
}

var errMockCancelled = &NativeError{Message: "operation cancelled", SQLState: "HY008"}

func (s *mockStatement) wait(ctx context.Context) error {
	select {
	case <-s.cancelled:
		return errMockCancelled
	default:
	}
	if s.script.Delay <= 0 { return nil }
	t := time.NewTimer(s.script.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.cancelled:
		return errMockCancelled
	}
}

func (s *mockStatement) current() *MockResult {
	if s.result >= len(s.script.Results) { return nil }
	return &s.script.Results[s.result]
}

func (s *mockStatement) more() bool { return s.result+1 < len(s.script.Results) }

func (s *mockStatement) Columns(ctx context.Context) ([]ColumnMeta, error) {
	if err := s.wait(ctx); err != nil { return nil, err }
	r := s.current()
	if r == nil { return nil, nil }
	s.messages = append(s.messages, r.Messages...)
	if r.Err != nil {
		var ne *NativeError
		if errors.As(r.Err, &ne) {
			cp := *ne
			cp.More = s.more()
			return nil, &cp
		}
		return nil, &NativeError{Message: r.Err.Error(), More: s.more(), Err: r.Err}
	}
	meta := make([]ColumnMeta, len(r.Columns))
	for i, name := range r.Columns {
		meta[i] = ColumnMeta{Name: name, Nullable: true}
	}
	s.row = -1
	return meta, nil
}

func (s *mockStatement) NextRow(ctx context.Context) (bool, error) {
	if err := s.wait(ctx); err != nil { return false, err }
	r := s.current()
	if r == nil { return true, nil }
	s.row++
	s.chunkCol, s.chunkOff = -1, 0
	return s.row >= len(r.Rows), nil
}

func (s *mockStatement) ReadColumn(ctx context.Context, index int) (ColumnChunk, error) {
	if err := s.wait(ctx); err != nil { return ColumnChunk{}, err }
	r := s.current()
	if r == nil || s.row < 0 || s.row >= len(r.Rows) || index >= len(r.Rows[s.row]) {
		return ColumnChunk{}, &NativeError{Message: fmt.Sprintf("no column %d", index)}
	}
	v := r.Rows[s.row][index]
	size := s.script.ChunkSize
	if size <= 0 { return ColumnChunk{Data: v}, nil }
	if s.chunkCol != index { s.chunkCol, s.chunkOff = index, 0 }
	switch x := v.(type) {
	case []byte:
		end := min(s.chunkOff+size, len(x))
		piece := x[s.chunkOff:end]
		s.chunkOff = end
		return ColumnChunk{Data: piece, More: end < len(x)}, nil
	case string:
		end := min(s.chunkOff+size, len(x))
		piece := x[s.chunkOff:end]
		s.chunkOff = end
		return ColumnChunk{Data: piece, More: end < len(x)}, nil
	}
	return ColumnChunk{Data: v}, nil
}

func (s *mockStatement) NextResult(ctx context.Context) (ResultInfo, error) {
	if err := s.wait(ctx); err != nil { return ResultInfo{}, err }
	info := ResultInfo{RowCount: -1, More: s.more()}
	if r := s.current(); r != nil && len(r.Columns) == 0 && r.Err == nil {
		info.RowCount = r.RowCount
	}
	s.result++
	return info, nil
}

func (s *mockStatement) Unbind(ctx context.Context) (OutputParams, error) {
	if err := s.wait(ctx); err != nil { return OutputParams{}, err }
	return OutputParams{Values: s.script.Output, ReturnCode: s.script.ReturnCode}, nil
}

func (s *mockStatement) Messages() []string {
	m := s.messages
	s.messages = nil
	return m
}

func (s *mockStatement) Cancel() error {
	s.cancelOnce.Do(func() { close(s.cancelled) })
	return nil
}

func (s *mockStatement) Close() error { return nil }
