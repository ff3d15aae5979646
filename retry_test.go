package ygggo_odbc

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errRetry = errors.New("retryable")
var errNonRetry = errors.New("non-retryable")

func retryableForTest(err error) bool { return errors.Is(err, errRetry) }

func TestRetry_SucceedsAfterRetries(t *testing.T) {
	ctx := context.Background()
	pol := RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Jitter: false, MaxElapsed: time.Second}
	calls := 0
	op := func() error {
		calls++
		if calls < 3 { return errRetry }
		return nil
	}
	if err := retryWithPolicy(ctx, pol, op, retryableForTest); err != nil {
		t.Fatalf("retryWithPolicy err: %v", err)
	}
	if calls != 3 { t.Fatalf("calls=%d want 3", calls) }
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	ctx := context.Background()
	pol := RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	calls := 0
	op := func() error { calls++; return errNonRetry }
	if err := retryWithPolicy(ctx, pol, op, retryableForTest); !errors.Is(err, errNonRetry) {
		t.Fatalf("expected non-retryable returned, got %v", err)
	}
	if calls != 1 { t.Fatalf("calls=%d want 1", calls) }
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	pol := RetryPolicy{MaxAttempts: 2, BaseBackoff: time.Millisecond}
	calls := 0
	op := func() error { calls++; return errRetry }
	if err := retryWithPolicy(ctx, pol, op, retryableForTest); !errors.Is(err, errRetry) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 2 { t.Fatalf("calls=%d want 2", calls) }
}

func TestRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = retryWithPolicy(context.Background(), RetryPolicy{}, func() error { calls++; return errRetry }, retryableForTest)
	if calls != 1 { t.Fatalf("calls=%d want 1", calls) }
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pol := RetryPolicy{MaxAttempts: 100, BaseBackoff: 20 * time.Millisecond}
	calls := 0
	op := func() error {
		calls++
		if calls == 2 { cancel() }
		return errRetry
	}
	if err := retryWithPolicy(ctx, pol, op, retryableForTest); err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if calls > 3 { t.Fatalf("calls=%d, retries continued after cancel", calls) }
}
