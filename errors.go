package ygggo_odbc

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	mysql "github.com/go-sql-driver/mysql"
)

var (
	// ErrConnectionClosed is returned for work submitted to (or queued on) a closed connection.
	ErrConnectionClosed = errors.New("ygggo_odbc: connection closed")
	// ErrPoolClosed is returned for work submitted to a pool that is closing or closed.
	ErrPoolClosed = errors.New("ygggo_odbc: pool closed")
	// ErrPoolNotOpen is returned when a pool is queried before Open.
	ErrPoolNotOpen = errors.New("ygggo_odbc: pool not open")
	// ErrQueryCancelled terminates a statement cancelled by its caller.
	ErrQueryCancelled = errors.New("ygggo_odbc: query cancelled")
	// ErrQueryTimeout terminates a statement whose driver or wrapper deadline expired.
	ErrQueryTimeout = errors.New("ygggo_odbc: query timeout")
	// ErrNotSupported is returned by native backends lacking a capability.
	ErrNotSupported = errors.New("ygggo_odbc: operation not supported by driver")
	// ErrStatementReleased is returned when executing a released prepared statement.
	ErrStatementReleased = errors.New("ygggo_odbc: prepared statement released")
	// ErrAlreadySubmitted is returned when a Statement is submitted twice.
	ErrAlreadySubmitted = errors.New("ygggo_odbc: statement already submitted")
)

// NativeError is a diagnostic raised by the native layer for one statement.
type NativeError struct {
	Message  string
	SQLState string
	Code     int
	// More reports that further statements of the batch remain to be processed.
	More bool
	// Fatal marks a broken physical connection.
	Fatal bool
	// Err is the underlying driver error, when there is one.
	Err error
}

func (e *NativeError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.SQLState != "" {
		b.WriteString(" [sqlstate ")
		b.WriteString(e.SQLState)
		b.WriteString("]")
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	return b.String()
}

func (e *NativeError) Unwrap() error { return e.Err }

// ErrorClass classifies errors for retry and retirement decisions.
type ErrorClass int

const (
	ErrClassUnknown ErrorClass = iota
	ErrClassRetryable
	ErrClassConflict
	ErrClassReadonly
	ErrClassConstraint
	ErrClassConnection
	ErrClassTimeout
	ErrClassCancelled
)

func (c ErrorClass) String() string {
	switch c {
	case ErrClassRetryable:
		return "retryable"
	case ErrClassConflict:
		return "conflict"
	case ErrClassReadonly:
		return "readonly"
	case ErrClassConstraint:
		return "constraint"
	case ErrClassConnection:
		return "connection"
	case ErrClassTimeout:
		return "timeout"
	case ErrClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Classify maps an error to an ErrorClass.
// MySQL server errors are classified by number, native diagnostics by SQLSTATE class.
func Classify(err error) ErrorClass {
	if err == nil { return ErrClassUnknown }
	switch {
	case errors.Is(err, ErrQueryTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrClassTimeout
	case errors.Is(err, ErrQueryCancelled), errors.Is(err, context.Canceled):
		return ErrClassCancelled
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, mysql.ErrInvalidConn), errors.Is(err, ErrConnectionClosed):
		return ErrClassConnection
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return classifyMySQL(me.Number)
	}
	var ne *NativeError
	if errors.As(err, &ne) {
		if ne.Fatal { return ErrClassConnection }
		if ne.Code != 0 {
			if c := classifyMySQL(uint16(ne.Code)); c != ErrClassUnknown { return c }
		}
		return classifySQLState(ne.SQLState)
	}
	return ErrClassUnknown
}

func classifyMySQL(number uint16) ErrorClass {
	switch number {
	case 1213, 1205: // deadlock, lock wait timeout
		return ErrClassRetryable
	case 1290, 1792: // read-only server / read-only transaction
		return ErrClassReadonly
	case 1062, 1022, 1586:
		return ErrClassConflict
	case 1048, 1451, 1452, 3819:
		return ErrClassConstraint
	case 2006, 2013, 1927, 1053:
		return ErrClassConnection
	}
	return ErrClassUnknown
}

func classifySQLState(state string) ErrorClass {
	if len(state) < 2 { return ErrClassUnknown }
	switch {
	case strings.HasPrefix(state, "08"):
		return ErrClassConnection
	case state == "40001", state == "40P01":
		return ErrClassRetryable
	case state == "HYT00", state == "HYT01":
		return ErrClassTimeout
	case state == "HY008":
		return ErrClassCancelled
	case state == "23505":
		return ErrClassConflict
	case strings.HasPrefix(state, "23"):
		return ErrClassConstraint
	case state == "25006":
		return ErrClassReadonly
	}
	return ErrClassUnknown
}

// isBrokenConnection reports whether err means the physical connection can not be reused.
func isBrokenConnection(err error) bool {
	return Classify(err) == ErrClassConnection
}

func isRetryable(err error) bool {
	switch Classify(err) {
	case ErrClassRetryable, ErrClassReadonly:
		return true
	}
	return false
}

// nativeMore reports the batch-continuation flag carried by a native error.
func nativeMore(err error) bool {
	var ne *NativeError
	if errors.As(err, &ne) { return ne.More }
	return false
}
