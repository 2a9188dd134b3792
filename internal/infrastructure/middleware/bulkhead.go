package middleware

import (
	"context"
	"sync"

	gwerrors "github.com/toolgw/gateway/pkg/errors"
)

const defaultBulkheadCapacity = 10

// Bulkhead bounds the number of concurrent in-flight calls per endpoint
// class, blocking acquirers up to the caller's context deadline before
// failing with ResourceExhausted (spec.md §4.2).
type Bulkhead struct {
	capacity int

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewBulkhead builds a Bulkhead with the given per-class capacity. Zero
// takes the spec default of 10 concurrent calls.
func NewBulkhead(capacity int) *Bulkhead {
	if capacity <= 0 {
		capacity = defaultBulkheadCapacity
	}
	return &Bulkhead{capacity: capacity, slots: make(map[string]chan struct{})}
}

func (b *Bulkhead) slotFor(class string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.slots[class]
	if !ok {
		ch = make(chan struct{}, b.capacity)
		b.slots[class] = ch
	}
	return ch
}

// Acquire reserves one slot in class, blocking until one frees up or ctx is
// done. The returned release func must be called exactly once.
func (b *Bulkhead) Acquire(ctx context.Context, class string) (release func(), err error) {
	slot := b.slotFor(class)
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, gwerrors.Wrap(gwerrors.KindResourceExhausted, "bulkhead capacity exhausted before a slot freed", ctx.Err())
	}
}

// InUse reports the number of currently held slots in class, for tests and
// diagnostics.
func (b *Bulkhead) InUse(class string) int {
	return len(b.slotFor(class))
}
