package middleware

import (
	"context"
	"time"

	gwerrors "github.com/toolgw/gateway/pkg/errors"
)

// Callable is the narrow shape every Pipeline wraps. Keeping this as a
// closure rather than an interface importing the registry or LLM client
// avoids a dependency cycle between middleware and its callers (spec.md
// §9's cyclic-dependency note, resolved here).
type Callable func(ctx context.Context) (interface{}, error)

// CallOptions parameterizes one invocation through the pipeline.
type CallOptions struct {
	Endpoint      string
	ClientID      string
	BulkheadClass string
	CacheName     string
	CacheKey      string
	Timeout       time.Duration
}

// Pipeline composes the resilience primitives in the fixed order spec.md
// §4.2 mandates: RateLimit → Bulkhead → CircuitBreaker → Retry → Timeout →
// Cache → Call.
type Pipeline struct {
	rateLimit      *RateLimit
	bulkhead       *Bulkhead
	circuitBreaker *CircuitBreaker
	retry          *Retry
	cache          *Cache
	metrics        *Metrics
}

// NewPipeline wires the five primitives plus the metrics sink into one
// pipeline. Any primitive may be nil to disable that stage (used by tests
// exercising one layer in isolation).
func NewPipeline(rl *RateLimit, bh *Bulkhead, cb *CircuitBreaker, rt *Retry, cache *Cache, metrics *Metrics) *Pipeline {
	return &Pipeline{rateLimit: rl, bulkhead: bh, circuitBreaker: cb, retry: rt, cache: cache, metrics: metrics}
}

// Execute runs fn through every configured stage, in order, recording one
// MetricRecord for the call regardless of outcome.
func (p *Pipeline) Execute(ctx context.Context, opts CallOptions, fn Callable) (interface{}, error) {
	start := time.Now()
	retries := 0
	cacheHit := false

	result, err := p.execute(ctx, opts, fn, &retries, &cacheHit)

	if p.metrics != nil {
		rec := MetricRecord{
			Endpoint: opts.Endpoint,
			Duration: float64(time.Since(start).Microseconds()) / 1000.0,
			Success:  err == nil,
			CacheHit: cacheHit,
			Retries:  retries,
		}
		if err != nil {
			rec.ErrorKind = string(gwerrors.KindOf(err))
		}
		p.metrics.Record(rec)
	}
	return result, err
}

func (p *Pipeline) execute(ctx context.Context, opts CallOptions, fn Callable, retries *int, cacheHit *bool) (interface{}, error) {
	if p.rateLimit != nil {
		if err := p.rateLimit.Acquire(opts.Endpoint, opts.ClientID); err != nil {
			return nil, err
		}
	}

	var release func()
	if p.bulkhead != nil {
		class := opts.BulkheadClass
		if class == "" {
			class = opts.Endpoint
		}
		r, err := p.bulkhead.Acquire(ctx, class)
		if err != nil {
			return nil, err
		}
		release = r
		defer release()
	}

	if p.circuitBreaker != nil {
		if !p.circuitBreaker.Allow(opts.Endpoint) {
			return nil, gwerrors.New(gwerrors.KindCircuitOpen, "circuit open for "+opts.Endpoint)
		}
	}

	wrapped := func(ctx context.Context) (interface{}, error) {
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}

		if p.cache != nil && opts.CacheName != "" && opts.CacheKey != "" {
			if v, ok := p.cache.Get(opts.CacheName, opts.CacheKey); ok {
				*cacheHit = true
				return v, nil
			}
		}

		v, err := fn(ctx)
		if err == nil && p.cache != nil && opts.CacheName != "" && opts.CacheKey != "" {
			p.cache.Set(opts.CacheName, opts.CacheKey, v)
		}
		return v, err
	}

	var result interface{}
	var err error
	if p.retry != nil {
		attempts := 0
		countingFn := func(ctx context.Context) (interface{}, error) {
			attempts++
			return wrapped(ctx)
		}
		result, err = p.retry.Do(ctx, countingFn)
		if attempts > 0 {
			*retries = attempts - 1
		}
	} else {
		result, err = wrapped(ctx)
	}

	if p.circuitBreaker != nil {
		if err != nil {
			p.circuitBreaker.RecordFailure(opts.Endpoint)
		} else {
			p.circuitBreaker.RecordSuccess(opts.Endpoint)
		}
	}

	return result, err
}
