package ygggo_odbc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/XSAM/otelsql"
	"go.opentelemetry.io/otel/attribute"
)

// columnChunkSize is the largest piece a long column value is streamed in.
const columnChunkSize = 64 << 10

// insertBatchRows bounds the rows of one multi-values INSERT.
const insertBatchRows = 500

// SQLDriver runs native connections on a database/sql pool. Each Conn pins
// one *sql.Conn for its whole lifetime, so session state (transactions,
// user variables) stays with it.
type SQLDriver struct {
	db      *sql.DB
	dialect string
}

// NewSQLDriver wraps db. dialect selects identifier quoting and procedure
// support: "mysql", "sqlite", or anything else for ANSI quoting.
func NewSQLDriver(db *sql.DB, dialect string) *SQLDriver {
	return &SQLDriver{db: db, dialect: strings.ToLower(dialect)}
}

// OpenSQLDriver opens driverName with dsn through otelsql, so every native
// call gets its own client span below the statement span.
func OpenSQLDriver(driverName, dsn string) (*SQLDriver, error) {
	db, err := otelsql.Open(driverName, dsn,
		otelsql.WithAttributes(attribute.String("db.system", driverName)))
	if err != nil { return nil, fmt.Errorf("open %s: %w", driverName, err) }
	return NewSQLDriver(db, driverName), nil
}

// DriverFor opens a driver for a connection string whose DRIVER key names
// mysql or sqlite.
func DriverFor(connStr string) (*SQLDriver, error) {
	cs, err := ParseConnString(connStr)
	if err != nil { return nil, err }
	switch cs.Driver() {
	case "mysql":
		dsn, err := cs.MySQLDSN()
		if err != nil { return nil, err }
		return OpenSQLDriver("mysql", dsn)
	case "sqlite", "sqlite3":
		return OpenSQLDriver("sqlite", cs.SQLitePath())
	}
	return nil, fmt.Errorf("%w: driver %q", ErrNotSupported, cs.Driver())
}

// DB returns the underlying pool.
func (d *SQLDriver) DB() *sql.DB { return d.db }

// Close closes the underlying pool.
func (d *SQLDriver) Close() error { return d.db.Close() }

// Open pins one connection of the pool. connStr is not used: the pool was
// configured when it was opened.
func (d *SQLDriver) Open(ctx context.Context, connStr string) (NativeConn, error) {
	c, err := d.db.Conn(ctx)
	if err != nil { return nil, err }
	return &sqlConn{conn: c, dialect: d.dialect}, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type sqlConn struct {
	conn    *sql.Conn
	dialect string
	tx      *sql.Tx
}

func (c *sqlConn) q() querier {
	if c.tx != nil { return c.tx }
	return c.conn
}

func (c *sqlConn) Query(ctx context.Context, query string, params []any) (NativeStatement, error) {
	parts := splitStatements(query)
	if len(parts) == 0 { return nil, &NativeError{Message: "empty statement"} }
	return newSQLStatement(ctx, c.q(), parts, distributeParams(parts, params)), nil
}

func (c *sqlConn) Prepare(ctx context.Context, query string) (NativePrepared, error) {
	st, err := c.conn.PrepareContext(ctx, query)
	if err != nil { return nil, err }
	return &sqlPrepared{conn: c, stmt: st, query: query}, nil
}

// CallProcedure passes output parameters through session variables, which
// Unbind reads back once every resultset of the call was consumed.
func (c *sqlConn) CallProcedure(ctx context.Context, name string, params []ProcParam) (NativeStatement, error) {
	if c.dialect != "mysql" { return nil, fmt.Errorf("%w: stored procedures on %s", ErrNotSupported, c.dialect) }
	var (
		args    []any
		holders []string
		outs    []string
	)
	for i, p := range params {
		if !p.Output {
			holders = append(holders, "?")
			args = append(args, p.Value)
			continue
		}
		v := "@" + outVarName(p.Name, i)
		if p.Value != nil {
			if _, err := c.q().ExecContext(ctx, "SET "+v+" = ?", p.Value); err != nil { return nil, err }
		}
		holders = append(holders, v)
		outs = append(outs, v)
	}
	call := fmt.Sprintf("CALL %s(%s)", c.quote(name), strings.Join(holders, ", "))
	st := newSQLStatement(ctx, c.q(), []string{call}, [][]any{args})
	st.outVars = outs
	return st, nil
}

func outVarName(name string, i int) string {
	clean := strings.Map(func(r rune) rune {
		if r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' { return r }
		return -1
	}, name)
	return fmt.Sprintf("ygggo_out_%d_%s", i, clean)
}

// InsertRows sends multi-values INSERT statements of at most insertBatchRows
// rows. database/sql has no bulk copy path, so useBcp changes nothing.
func (c *sqlConn) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, useBcp bool) (int64, error) {
	if len(rows) == 0 { return 0, nil }
	cols := make([]string, len(columns))
	for i, col := range columns {
		cols[i] = c.quote(col)
	}
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	var total int64
	for start := 0; start < len(rows); start += insertBatchRows {
		batch := rows[start:min(start+insertBatchRows, len(rows))]
		var b strings.Builder
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", c.quote(table), strings.Join(cols, ", "))
		args := make([]any, 0, len(batch)*len(columns))
		for i, r := range batch {
			if i > 0 { b.WriteString(", ") }
			b.WriteString(tuple)
			args = append(args, r...)
		}
		res, err := c.q().ExecContext(ctx, b.String(), args...)
		if err != nil { return total, err }
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (c *sqlConn) quote(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		if c.dialect == "mysql" {
			parts[i] = "`" + strings.ReplaceAll(p, "`", "``") + "`"
		} else {
			parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
		}
	}
	return strings.Join(parts, ".")
}

func (c *sqlConn) Begin(ctx context.Context) error {
	if c.tx != nil { return &NativeError{Message: "transaction already in progress", SQLState: "25001"} }
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil { return err }
	c.tx = tx
	return nil
}

func (c *sqlConn) Commit(ctx context.Context) error {
	if c.tx == nil { return &NativeError{Message: "no transaction in progress", SQLState: "25000"} }
	tx := c.tx
	c.tx = nil
	return tx.Commit()
}

func (c *sqlConn) Rollback(ctx context.Context) error {
	if c.tx == nil { return &NativeError{Message: "no transaction in progress", SQLState: "25000"} }
	tx := c.tx
	c.tx = nil
	return tx.Rollback()
}

func (c *sqlConn) Close() error {
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	return c.conn.Close()
}

type sqlPrepared struct {
	conn  *sqlConn
	stmt  *sql.Stmt
	query string
}

func (p *sqlPrepared) Bind(ctx context.Context, params []any) (NativeStatement, error) {
	st := p.stmt
	if p.conn.tx != nil { st = p.conn.tx.StmtContext(ctx, p.stmt) }
	return newSQLStatement(ctx, preparedQuerier{st}, []string{p.query}, [][]any{params}), nil
}

func (p *sqlPrepared) Release() error { return p.stmt.Close() }

// preparedQuerier runs a prepared statement wherever a querier is expected;
// the query text is ignored.
type preparedQuerier struct{ st *sql.Stmt }

func (q preparedQuerier) ExecContext(ctx context.Context, _ string, args ...any) (sql.Result, error) {
	return q.st.ExecContext(ctx, args...)
}

func (q preparedQuerier) QueryContext(ctx context.Context, _ string, args ...any) (*sql.Rows, error) {
	return q.st.QueryContext(ctx, args...)
}

// sqlStatement walks the statements of a batch one resultset at a time.
// Statements that only modify data run through Exec so their rowcount is
// known; everything else runs through Query.
type sqlStatement struct {
	ctx    context.Context
	cancel context.CancelFunc
	q      querier
	parts  []string
	params [][]any

	idx      int
	opened   bool
	rows     *sql.Rows
	rowCount int64
	vals     []any

	chunkCol int
	chunkOff int

	outVars []string

	mu     sync.Mutex
	closed bool
}

func newSQLStatement(ctx context.Context, q querier, parts []string, params [][]any) *sqlStatement {
	ctx, cancel := context.WithCancel(ctx)
	return &sqlStatement{ctx: ctx, cancel: cancel, q: q, parts: parts, params: params, chunkCol: -1}
}

func (s *sqlStatement) hasMore() bool { return s.idx+1 < len(s.parts) }

// open runs the current statement of the batch.
func (s *sqlStatement) open() error {
	s.opened = true
	s.rowCount = -1
	query, args := s.parts[s.idx], s.params[s.idx]
	if isExecStatement(query) {
		res, err := s.q.ExecContext(s.ctx, query, args...)
		if err != nil { return err }
		if n, err := res.RowsAffected(); err == nil { s.rowCount = n }
		return nil
	}
	rows, err := s.q.QueryContext(s.ctx, query, args...)
	if err != nil { return err }
	s.rows = rows
	return nil
}

func (s *sqlStatement) nativeErr(err error) error {
	if err == nil { return nil }
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) { return err }
	var ne *NativeError
	if errors.As(err, &ne) { return err }
	return &NativeError{Message: err.Error(), More: s.hasMore(), Err: err}
}

func (s *sqlStatement) Columns(ctx context.Context) ([]ColumnMeta, error) {
	if !s.opened {
		if err := s.open(); err != nil { return nil, s.nativeErr(err) }
	}
	if s.rows == nil { return nil, nil }
	types, err := s.rows.ColumnTypes()
	if err != nil { return nil, s.nativeErr(err) }
	meta := make([]ColumnMeta, len(types))
	for i, t := range types {
		meta[i] = ColumnMeta{Name: t.Name(), SQLType: t.DatabaseTypeName()}
		if n, ok := t.Nullable(); ok { meta[i].Nullable = n }
		if l, ok := t.Length(); ok { meta[i].Size = l }
	}
	s.vals = make([]any, len(types))
	return meta, nil
}

func (s *sqlStatement) NextRow(ctx context.Context) (bool, error) {
	if s.rows == nil { return true, nil }
	if !s.rows.Next() {
		err := s.rows.Err()
		if err == nil { return true, nil }
		// The error ends this resultset; NextResult must not report it again.
		_ = s.rows.Close()
		s.rows = nil
		return true, s.nativeErr(err)
	}
	ptrs := make([]any, len(s.vals))
	for i := range s.vals {
		s.vals[i] = nil
		ptrs[i] = &s.vals[i]
	}
	s.chunkCol, s.chunkOff = -1, 0
	return false, s.nativeErr(s.rows.Scan(ptrs...))
}

// ReadColumn streams byte and string values longer than columnChunkSize in pieces.
func (s *sqlStatement) ReadColumn(ctx context.Context, index int) (ColumnChunk, error) {
	if index < 0 || index >= len(s.vals) {
		return ColumnChunk{}, &NativeError{Message: fmt.Sprintf("column %d out of range", index)}
	}
	if s.chunkCol != index { s.chunkCol, s.chunkOff = index, 0 }
	switch v := s.vals[index].(type) {
	case []byte:
		if len(v) > columnChunkSize {
			end := min(s.chunkOff+columnChunkSize, len(v))
			piece := v[s.chunkOff:end]
			s.chunkOff = end
			return ColumnChunk{Data: piece, More: end < len(v)}, nil
		}
	case string:
		if len(v) > columnChunkSize {
			end := min(s.chunkOff+columnChunkSize, len(v))
			piece := v[s.chunkOff:end]
			s.chunkOff = end
			return ColumnChunk{Data: piece, More: end < len(v)}, nil
		}
	}
	return ColumnChunk{Data: s.vals[index]}, nil
}

func (s *sqlStatement) NextResult(ctx context.Context) (ResultInfo, error) {
	if s.rows != nil {
		if s.rows.NextResultSet() { return ResultInfo{RowCount: -1, More: true}, nil }
		err := s.rows.Err()
		_ = s.rows.Close()
		s.rows = nil
		if err != nil { return ResultInfo{}, s.nativeErr(err) }
	}
	info := ResultInfo{RowCount: s.rowCount, More: s.hasMore()}
	if info.More {
		s.idx++
		s.opened = false
	}
	return info, nil
}

func (s *sqlStatement) Unbind(ctx context.Context) (OutputParams, error) {
	if len(s.outVars) == 0 { return OutputParams{}, nil }
	rows, err := s.q.QueryContext(ctx, "SELECT "+strings.Join(s.outVars, ", "))
	if err != nil { return OutputParams{}, err }
	defer rows.Close()
	vals := make([]any, len(s.outVars))
	ptrs := make([]any, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil { return OutputParams{}, err }
		return OutputParams{}, &NativeError{Message: "no output parameters returned"}
	}
	if err := rows.Scan(ptrs...); err != nil { return OutputParams{}, err }
	return OutputParams{Values: vals}, rows.Err()
}

func (s *sqlStatement) Cancel() error {
	s.cancel()
	return nil
}

func (s *sqlStatement) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed { return nil }
	s.closed = true
	var err error
	if s.rows != nil {
		err = s.rows.Close()
		s.rows = nil
	}
	s.cancel()
	return err
}

var execKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "REPLACE": true, "MERGE": true,
	"CREATE": true, "DROP": true, "ALTER": true, "TRUNCATE": true, "RENAME": true,
	"GRANT": true, "REVOKE": true, "SET": true, "USE": true, "LOCK": true, "UNLOCK": true,
	"BEGIN": true, "START": true, "COMMIT": true, "ROLLBACK": true, "SAVEPOINT": true, "RELEASE": true,
}

// isExecStatement reports whether query starts with a keyword of a statement
// returning a rowcount instead of rows. RETURNING clauses make it a query.
func isExecStatement(query string) bool {
	q := strings.TrimLeft(query, " \t\r\n(")
	end := strings.IndexFunc(q, func(r rune) bool { return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') })
	if end < 0 { end = len(q) }
	if !execKeywords[strings.ToUpper(q[:end])] { return false }
	return !strings.Contains(strings.ToUpper(q), "RETURNING")
}

// splitStatements splits a batch on semicolons outside quotes and comments.
func splitStatements(batch string) []string {
	var (
		parts []string
		start int
		quote byte
	)
	for i := 0; i < len(batch); i++ {
		ch := batch[i]
		switch {
		case quote != 0:
			if ch == '\\' && quote != '`' {
				i++
			} else if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"' || ch == '`':
			quote = ch
		case ch == '-' && i+1 < len(batch) && batch[i+1] == '-':
			for i < len(batch) && batch[i] != '\n' {
				i++
			}
		case ch == ';':
			if p := strings.TrimSpace(batch[start:i]); p != "" { parts = append(parts, p) }
			start = i + 1
		}
	}
	if p := strings.TrimSpace(batch[min(start, len(batch)):]); p != "" { parts = append(parts, p) }
	return parts
}

// distributeParams hands every statement of a batch as many parameters as it
// has placeholders; the last statement takes whatever is left.
func distributeParams(parts []string, params []any) [][]any {
	out := make([][]any, len(parts))
	if len(parts) == 1 {
		out[0] = params
		return out
	}
	for i, p := range parts {
		n := countPlaceholders(p)
		if i == len(parts)-1 { n = len(params) }
		n = min(n, len(params))
		out[i], params = params[:n], params[n:]
	}
	return out
}

func countPlaceholders(query string) int {
	n := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case quote != 0:
			if ch == quote { quote = 0 }
		case ch == '\'' || ch == '"' || ch == '`':
			quote = ch
		case ch == '?':
			n++
		}
	}
	return n
}
