package ygggo_odbc

import (
	"context"
	"fmt"
	"time"
)

// BulkInsert inserts rows into table through the native bulk capability.
// With useBcp the driver may use its bulk copy path.
func (c *Conn) BulkInsert(ctx context.Context, table string, columns []string, rows [][]any, useBcp bool) (int64, error) {
	if len(rows) == 0 { return 0, nil }
	for i, r := range rows {
		if len(r) != len(columns) {
			return 0, fmt.Errorf("bulk insert: row %d has %d values, want %d", i, len(r), len(columns))
		}
	}
	ctx, span := c.startSpan(ctx, "bulk_insert", table)
	start := time.Now()
	var n int64
	err := c.do(ctx, "bulk_insert", func(ctx context.Context, nc NativeConn) error {
		var err error
		n, err = nc.InsertRows(ctx, table, columns, rows, useBcp)
		return err
	})
	c.finishSpan(span, err)
	c.logStatement(ctx, "bulk_insert", table, nil, time.Since(start), err)
	c.recordStatement(ctx, "bulk_insert", time.Since(start), err)
	if err != nil { return 0, err }
	return n, nil
}
