package middleware

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	gwerrors "github.com/toolgw/gateway/pkg/errors"
)

const (
	defaultBaseDelay   = 1 * time.Second
	defaultMultiplier  = 2.0
	defaultMaxDelay    = 60 * time.Second
	defaultMaxAttempts = 3
)

// Retry re-attempts a call with exponential backoff, retrying only the
// error kinds pkg/errors.IsRetryable marks retryable.
type Retry struct {
	baseDelay   time.Duration
	multiplier  float64
	maxDelay    time.Duration
	maxAttempts int
}

// NewRetry builds a Retry primitive. Pass zero values to take the spec
// defaults (1s base, x2 multiplier, 60s cap, 3 attempts).
func NewRetry(baseDelay time.Duration, multiplier float64, maxDelay time.Duration, maxAttempts int) *Retry {
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	if multiplier <= 0 {
		multiplier = defaultMultiplier
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Retry{baseDelay: baseDelay, multiplier: multiplier, maxDelay: maxDelay, maxAttempts: maxAttempts}
}

// Do runs fn, retrying on retryable errors up to maxAttempts total tries.
// The last error is returned verbatim if every attempt fails.
func (r *Retry) Do(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.baseDelay
	bo.Multiplier = r.multiplier
	bo.MaxInterval = r.maxDelay
	bo.MaxElapsedTime = 0 // attempt count governs stopping, not elapsed time

	var result interface{}
	attempt := 0

	operation := func() error {
		attempt++
		res, err := fn(ctx)
		if err == nil {
			result = res
			return nil
		}
		if attempt >= r.maxAttempts || !gwerrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	withCtx := backoff.WithContext(bo, ctx)
	if err := backoff.Retry(operation, withCtx); err != nil {
		return nil, err
	}
	return result, nil
}
