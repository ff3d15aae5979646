package ygggo_odbc

import "context"

// Querier is the query surface shared by a single connection and a pool.
type Querier interface {
	Query(ctx context.Context, sql string, params ...any) (*Results, error)
	Exec(ctx context.Context, sql string, params ...any) (int64, error)
	CallProcedure(ctx context.Context, name string, params ...ProcParam) (*Results, error)
	BulkInsert(ctx context.Context, table string, columns []string, rows [][]any, useBcp bool) (int64, error)
	WithinTx(ctx context.Context, pol RetryPolicy, fn func(ctx context.Context, c *Conn) error) error
	Close(ctx context.Context) error
}

// Ensure our concrete types implement the interfaces at compile time
var (
	_ Querier = (*Conn)(nil)
	_ Querier = (*Pool)(nil)
)
