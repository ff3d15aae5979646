package poolstats

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	slogctx "github.com/veqryn/slog-context"
	odbc "github.com/yggai/ygggo_odbc"
	"golang.org/x/sync/errgroup"
)

var Flags = []cli.Flag{
	&cli.StringFlag{Name: "conn", EnvVars: []string{"YGGGO_ODBC_CONNECTION_STRING"}, Required: true},
	&cli.IntFlag{Name: "requests", Value: 16, Usage: "concurrent probe statements to issue"},
	&cli.StringFlag{Name: "sql", Value: "SELECT 1"},
}

func Command() *cli.Command {
	return &cli.Command{
		Name:  "pool-stats",
		Usage: "open a pool from YGGGO_ODBC_* settings, load it and print its statistics",
		Flags: Flags,
		Action: func(ctx *cli.Context) error {
			var (
				logger   = slogctx.FromCtx(ctx.Context)
				connStr  = ctx.String("conn")
				requests = ctx.Int("requests")
				sql      = ctx.String("sql")
			)

			drv, err := odbc.DriverFor(connStr)

			if err != nil {
				return err
			}

			defer drv.Close()

			cfg, err := odbc.PoolConfigFromEnv()

			if err != nil {
				return err
			}

			cfg.ConnectionString = connStr
			pool, err := odbc.NewPool(drv, cfg)

			if err != nil {
				return err
			}

			pool.SetLogger(logger)
			pool.EnableLogging(true)
			pool.OnDebug(func(msg string) { logger.Debug(msg) })
			pool.OnError(func(err error) { logger.Warn("pool error", "error", err) })

			if err := pool.Open(ctx.Context); err != nil {
				return err
			}

			defer pool.Close(ctx.Context)

			start := time.Now()
			g, gctx := errgroup.WithContext(ctx.Context)

			for i := 0; i < requests; i++ {
				g.Go(func() error {
					_, err := pool.Query(gctx, sql)
					return err
				})
			}

			if err := g.Wait(); err != nil {
				return fmt.Errorf("probe failed: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			return enc.Encode(map[string]any{
				"elapsed":     time.Since(start).String(),
				"stats":       pool.Stats(),
				"diagnostics": odbc.CurrentDiagnostics(),
			})
		},
	}
}
