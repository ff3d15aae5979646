package ygggo_odbc

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	mysql "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrClassUnknown},
		{"plain", errors.New("x"), ErrClassUnknown},
		{"timeout", ErrQueryTimeout, ErrClassTimeout},
		{"deadline", context.DeadlineExceeded, ErrClassTimeout},
		{"cancelled", fmt.Errorf("wrapped: %w", ErrQueryCancelled), ErrClassCancelled},
		{"bad conn", driver.ErrBadConn, ErrClassConnection},
		{"invalid conn", mysql.ErrInvalidConn, ErrClassConnection},
		{"conn closed", ErrConnectionClosed, ErrClassConnection},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213}, ErrClassRetryable},
		{"mysql lock wait", &mysql.MySQLError{Number: 1205}, ErrClassRetryable},
		{"mysql read only", &mysql.MySQLError{Number: 1290}, ErrClassReadonly},
		{"mysql duplicate", &mysql.MySQLError{Number: 1062}, ErrClassConflict},
		{"mysql fk", &mysql.MySQLError{Number: 1452}, ErrClassConstraint},
		{"mysql gone away", &mysql.MySQLError{Number: 2006}, ErrClassConnection},
		{"native fatal", &NativeError{Message: "x", Fatal: true}, ErrClassConnection},
		{"native code", &NativeError{Message: "x", Code: 1213}, ErrClassRetryable},
		{"sqlstate link", &NativeError{SQLState: "08S01"}, ErrClassConnection},
		{"sqlstate serialization", &NativeError{SQLState: "40001"}, ErrClassRetryable},
		{"sqlstate timeout", &NativeError{SQLState: "HYT00"}, ErrClassTimeout},
		{"sqlstate cancel", &NativeError{SQLState: "HY008"}, ErrClassCancelled},
		{"sqlstate unique", &NativeError{SQLState: "23505"}, ErrClassConflict},
		{"sqlstate integrity", &NativeError{SQLState: "23000"}, ErrClassConstraint},
		{"sqlstate readonly", &NativeError{SQLState: "25006"}, ErrClassReadonly},
		{"sqlstate other", &NativeError{SQLState: "42000"}, ErrClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestNativeError(t *testing.T) {
	inner := errors.New("driver said no")
	err := &NativeError{Message: "insert failed", SQLState: "23000", Code: 1062, Err: inner}
	assert.Equal(t, "insert failed [sqlstate 23000] (code 1062)", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "plain", (&NativeError{Message: "plain"}).Error())
}

func TestNativeMore(t *testing.T) {
	assert.True(t, nativeMore(fmt.Errorf("ctx: %w", &NativeError{More: true})))
	assert.False(t, nativeMore(&NativeError{}))
	assert.False(t, nativeMore(errors.New("x")))
}

func TestIsRetryable(t *testing.T) {
	if !isRetryable(&mysql.MySQLError{Number: 1213}) { t.Fatal("deadlock should retry") }
	if !isRetryable(&NativeError{SQLState: "25006"}) { t.Fatal("read-only should retry") }
	if isRetryable(&mysql.MySQLError{Number: 1062}) { t.Fatal("duplicate key must not retry") }
	if !isBrokenConnection(&NativeError{Fatal: true}) { t.Fatal("fatal error means a broken connection") }
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "retryable", ErrClassRetryable.String())
	assert.Equal(t, "connection", ErrClassConnection.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}
