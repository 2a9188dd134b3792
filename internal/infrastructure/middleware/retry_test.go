package middleware

import (
	"context"
	"testing"
	"time"

	gwerrors "github.com/toolgw/gateway/pkg/errors"
)

func TestRetry_SucceedsAfterRetryableFailures(t *testing.T) {
	r := NewRetry(time.Millisecond, 2, time.Millisecond*10, 3)

	attempts := 0
	result, err := r.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, gwerrors.New(gwerrors.KindTimeout, "transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if result != "ok" {
		t.Fatalf("unexpected result: %v", result)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_StopsOnNonRetryableError(t *testing.T) {
	r := NewRetry(time.Millisecond, 2, time.Millisecond*10, 3)

	attempts := 0
	_, err := r.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, gwerrors.New(gwerrors.KindRateLimit, "not retryable")
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable error, got %d", attempts)
	}
}

func TestRetry_ExhaustsMaxAttempts(t *testing.T) {
	r := NewRetry(time.Millisecond, 2, time.Millisecond*10, 3)

	attempts := 0
	_, err := r.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, gwerrors.New(gwerrors.KindTimeout, "always fails")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}
