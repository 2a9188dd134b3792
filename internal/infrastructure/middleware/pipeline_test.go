package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gwerrors "github.com/toolgw/gateway/pkg/errors"
)

func newTestPipeline() *Pipeline {
	rl := NewRateLimit(1000, 1000)
	bh := NewBulkhead(10)
	cb := NewCircuitBreaker(5, time.Minute)
	rt := NewRetry(time.Millisecond, 2, time.Millisecond*10, 3)
	cache := NewCache(DefaultCacheSpecs(), time.Hour)
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewPipeline(rl, bh, cb, rt, cache, metrics)
}

func TestPipeline_SuccessPath(t *testing.T) {
	p := newTestPipeline()
	calls := 0
	result, err := p.Execute(context.Background(), CallOptions{Endpoint: "tool:fs.read"}, func(ctx context.Context) (interface{}, error) {
		calls++
		return "data", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "data" || calls != 1 {
		t.Fatalf("unexpected result=%v calls=%d", result, calls)
	}
}

func TestPipeline_CachesSuccessfulResult(t *testing.T) {
	p := newTestPipeline()
	calls := 0
	opts := CallOptions{Endpoint: "tool:rag.query", CacheName: CacheRAG, CacheKey: "q1"}
	fn := func(ctx context.Context) (interface{}, error) {
		calls++
		return "result", nil
	}

	if _, err := p.Execute(context.Background(), opts, fn); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := p.Execute(context.Background(), opts, fn); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected underlying fn to run once due to caching, ran %d times", calls)
	}
}

func TestPipeline_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	rl := NewRateLimit(1000, 1000)
	bh := NewBulkhead(10)
	cb := NewCircuitBreaker(2, time.Minute)
	rt := NewRetry(time.Millisecond, 2, time.Millisecond*10, 1) // single attempt, no retry masking
	cache := NewCache(DefaultCacheSpecs(), time.Hour)
	metrics := NewMetrics(prometheus.NewRegistry())
	p := NewPipeline(rl, bh, cb, rt, cache, metrics)

	opts := CallOptions{Endpoint: "tool:flaky.run"}
	failing := func(ctx context.Context) (interface{}, error) {
		return nil, gwerrors.New(gwerrors.KindProtocol, "boom")
	}

	for i := 0; i < 2; i++ {
		if _, err := p.Execute(context.Background(), opts, failing); err == nil {
			t.Fatalf("expected failure on attempt %d", i)
		}
	}

	_, err := p.Execute(context.Background(), opts, failing)
	if gwerrors.KindOf(err) != gwerrors.KindCircuitOpen {
		t.Fatalf("expected circuit open after threshold failures, got %v", err)
	}
}

func TestPipeline_RateLimitRejectsOverBurst(t *testing.T) {
	rl := NewRateLimit(0.001, 1)
	p := NewPipeline(rl, NewBulkhead(10), NewCircuitBreaker(5, time.Minute), NewRetry(time.Millisecond, 2, time.Millisecond*10, 1), NewCache(DefaultCacheSpecs(), time.Hour), NewMetrics(prometheus.NewRegistry()))

	opts := CallOptions{Endpoint: "tool:chatty.run", ClientID: "c1"}
	ok := func(ctx context.Context) (interface{}, error) { return "ok", nil }

	if _, err := p.Execute(context.Background(), opts, ok); err != nil {
		t.Fatalf("first call should consume the lone burst token: %v", err)
	}
	_, err := p.Execute(context.Background(), opts, ok)
	if gwerrors.KindOf(err) != gwerrors.KindRateLimit {
		t.Fatalf("expected rate limit rejection, got %v", err)
	}
}
