package query

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	slogctx "github.com/veqryn/slog-context"
	odbc "github.com/yggai/ygggo_odbc"
)

var Flags = []cli.Flag{
	&cli.StringFlag{Name: "conn", EnvVars: []string{"YGGGO_ODBC_CONNECTION_STRING"}, Required: true},
	&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second},
	&cli.BoolFlag{Name: "stream", Usage: "print rows as they arrive instead of buffering"},
}

func Command() *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "run one SQL batch and print every resultset as JSON lines",
		ArgsUsage: "SQL",
		Flags:     Flags,
		Action: func(ctx *cli.Context) error {
			var (
				logger  = slogctx.FromCtx(ctx.Context)
				sql     = ctx.Args().Get(0)
				connStr = ctx.String("conn")
				timeout = ctx.Duration("timeout")
				stream  = ctx.Bool("stream")
			)

			if len(sql) == 0 {
				return fmt.Errorf("a SQL statement must be specified")
			}

			drv, err := odbc.DriverFor(connStr)

			if err != nil {
				return err
			}

			defer drv.Close()

			conn, err := odbc.Open(ctx.Context, drv, connStr, odbc.WithLogger(logger), odbc.WithQueryTimeout(timeout))

			if err != nil {
				return err
			}

			defer conn.Close(ctx.Context)

			enc := json.NewEncoder(os.Stdout)

			if !stream {
				res, err := conn.Query(ctx.Context, sql)

				if res == nil {
					return err
				}

				for _, set := range res.Sets {
					for _, row := range set.Rows {
						_ = enc.Encode(rowObject(set.Meta, row))
					}
				}

				for _, n := range res.Counts {
					_ = enc.Encode(map[string]int64{"rowcount": n})
				}

				return err
			}

			var (
				meta []odbc.ColumnMeta
				row  odbc.Row
			)

			flush := func() {
				if row != nil {
					_ = enc.Encode(rowObject(meta, row))
					row = nil
				}
			}

			st := conn.Statement(ctx.Context, sql)
			st.OnMeta(func(m []odbc.ColumnMeta) {
				flush()
				meta = m
			})
			st.OnRow(func(int) {
				flush()
				row = make(odbc.Row, len(meta))
			})
			st.OnColumn(func(i int, v any) { row[i] = v })
			st.OnRowCount(func(n int64) {
				flush()
				_ = enc.Encode(map[string]int64{"rowcount": n})
			})
			st.OnInfo(func(msg string) { logger.Info(msg) })
			st.OnDone(flush)
			st.OnError(func(err error, more bool) { logger.Error("statement failed", "error", err, "more", more) })

			if err := st.Submit(nil); err != nil {
				return err
			}

			_, err = st.Wait(ctx.Context)
			return err
		},
	}
}

func rowObject(meta []odbc.ColumnMeta, row odbc.Row) map[string]any {
	out := make(map[string]any, len(row))

	for i, v := range row {
		name := fmt.Sprintf("col%d", i)

		if i < len(meta) {
			name = meta[i].Name
		}

		if b, ok := v.([]byte); ok {
			v = string(b)
		}

		out[name] = v
	}

	return out
}
