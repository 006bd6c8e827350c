package resilience

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency caps simultaneous backend calls.
const DefaultConcurrency = 6

// Throttle bounds how many calls run at once. Callers queue on a weighted
// semaphore and give up when their context ends.
type Throttle struct {
	sem      *semaphore.Weighted
	limit    int64
	inFlight atomic.Int64
}

// NewThrottle creates a throttle; limit <= 0 uses DefaultConcurrency.
func NewThrottle(limit int) *Throttle {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	return &Throttle{sem: semaphore.NewWeighted(int64(limit)), limit: int64(limit)}
}

// Acquire blocks until a slot is free. The returned func releases it and is
// safe to call more than once.
func (t *Throttle) Acquire(ctx context.Context) (func(), error) {
	if t == nil {
		return func() {}, nil
	}
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	t.inFlight.Add(1)
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			t.inFlight.Add(-1)
			t.sem.Release(1)
		}
	}, nil
}

// InFlight reports how many slots are taken.
func (t *Throttle) InFlight() int {
	if t == nil {
		return 0
	}
	return int(t.inFlight.Load())
}

// Limit reports the configured ceiling.
func (t *Throttle) Limit() int {
	if t == nil {
		return 0
	}
	return int(t.limit)
}
