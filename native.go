package ygggo_odbc

import (
	"context"
	"sync/atomic"
)

// QueryID identifies one native execution for the lifetime of its callbacks.
type QueryID uint64

var queryIDs atomic.Uint64

func nextQueryID() QueryID { return QueryID(queryIDs.Add(1)) }

// ColumnMeta describes one column of a resultset.
type ColumnMeta struct {
	Name     string
	Nullable bool
	Size     int64
	SQLType  string
}

// ColumnChunk is one piece of a column value. More is set while further
// chunks of the same column remain to be read.
type ColumnChunk struct {
	Data any
	More bool
}

// ResultInfo is returned when the current resultset is finished.
// RowCount is the affected-row count of the finished resultset, or -1 when unknown.
// More reports whether another resultset follows.
type ResultInfo struct {
	RowCount int64
	More     bool
}

// OutputParams carries procedure output values retrieved by the unbind step.
type OutputParams struct {
	Values     []any
	ReturnCode any
}

// ProcParam is a stored procedure argument.
type ProcParam struct {
	Name   string
	Value  any
	Output bool
}

// Driver opens native connections. The ctx deadline bounds the open.
type Driver interface {
	Open(ctx context.Context, connStr string) (NativeConn, error)
}

// NativeConn is one physical connection. It is only ever used by the
// task active on the owning Conn's queue.
type NativeConn interface {
	Query(ctx context.Context, sql string, params []any) (NativeStatement, error)
	Prepare(ctx context.Context, sql string) (NativePrepared, error)
	CallProcedure(ctx context.Context, name string, params []ProcParam) (NativeStatement, error)
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any, useBcp bool) (int64, error)
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error
}

// NativePrepared is a parsed statement that can be bound and executed repeatedly.
type NativePrepared interface {
	Bind(ctx context.Context, params []any) (NativeStatement, error)
	Release() error
}

// NativeStatement is one in-flight native operation.
type NativeStatement interface {
	Columns(ctx context.Context) ([]ColumnMeta, error)
	NextRow(ctx context.Context) (endOfRows bool, err error)
	ReadColumn(ctx context.Context, index int) (ColumnChunk, error)
	NextResult(ctx context.Context) (ResultInfo, error)
	Unbind(ctx context.Context) (OutputParams, error)
	Cancel() error
	Close() error
}

// MessageSource is implemented by statements that collect informational
// server messages (warnings, print output). Messages drains them.
type MessageSource interface {
	Messages() []string
}
