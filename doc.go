// Package ygggo_odbc provides asynchronous, event-driven access to SQL
// databases through native drivers, with per-connection statement queues,
// streaming multi-resultset processing and an elastic connection pool.
//
// # Overview
//
// Every Conn owns one native connection and a FIFO queue. Statements submitted
// to a Conn run one at a time in submission order; blocking native calls run
// on a shared worker pool and report back to the connection's event loop, so
// callers never block the goroutine that submitted the work.
//
// A statement streams its outcome as events:
//
//   - meta: the column descriptions of a row-returning resultset
//   - row and column: one per row, then one per column value
//   - rowcount: one per statement that returned no rows
//   - info: informational server messages
//   - error: per-statement failures, flagged with whether the batch continues
//   - done, output and free: completion, procedure outputs, resource release
//
// # Quick Start
//
//	drv, err := ygggo_odbc.DriverFor("DRIVER=sqlite;DATABASE=/tmp/app.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	conn, err := ygggo_odbc.Open(ctx, drv, "")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer conn.Close(ctx)
//
//	res, err := conn.Query(ctx, "SELECT id, name FROM users WHERE age > ?", 30)
//	if err != nil {
//		log.Fatal(err)
//	}
//	for _, row := range res.Rows() {
//		fmt.Println(row...)
//	}
//
// ## Streaming
//
//	st := conn.Statement(ctx, "SELECT * FROM big_table; UPDATE stats SET n = n + 1")
//	st.OnMeta(func(meta []ygggo_odbc.ColumnMeta) { ... }).
//		OnColumn(func(i int, v any) { ... }).
//		OnRowCount(func(n int64) { ... })
//	err = st.Submit(func(err error, res *ygggo_odbc.Results, more bool) {
//		if err != nil {
//			log.Printf("statement failed (batch continues: %v): %v", more, err)
//		}
//	})
//
// ## Pools
//
//	cfg := ygggo_odbc.ProductionPoolConfig()
//	cfg.ConnectionString = "DRIVER=mysql;SERVER=db;UID=app;PWD=secret;DATABASE=app"
//	pool, err := ygggo_odbc.NewPool(drv, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := pool.Open(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer pool.Close(ctx)
//
//	n, err := pool.Exec(ctx, "DELETE FROM sessions WHERE expires < NOW()")
//
// The pool opens Floor connections up front and grows toward Ceiling under
// load using the aggressive, gradual or exponential strategy. Idle
// connections are probed with a heartbeat statement and closed after
// InactivityTimeout while the pool stays above Floor.
//
// # Configuration
//
// All pool settings can be overridden using environment variables with the
// prefix YGGGO_ODBC_ (e.g. YGGGO_ODBC_CEILING, YGGGO_ODBC_SCALING_STRATEGY).
//
// # Observability
//
//   - Structured logging through log/slog, with slow statement detection
//   - OpenTelemetry spans per statement, and per native call through otelsql
//   - OpenTelemetry metrics for connections, statements and pool checkouts
//
// For detailed examples, see the examples/ directory in the repository.
package ygggo_odbc
