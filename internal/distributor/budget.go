package distributor

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Budget bounds the verification calls one audit has outstanding.
// Acquire blocks while the budget is exhausted.
type Budget struct {
	sem   *semaphore.Weighted
	max   int64
	inUse atomic.Int64
}

// NewBudget creates a budget of max units. Values below one are raised to
// one so an audit can always make progress.
//
// Example:
//
//	b := NewBudget(knobs.ConcurrentTaskCountMax)
//	release, err := b.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer release()
func NewBudget(max int) *Budget {
	if max < 1 {
		max = 1
	}
	return &Budget{sem: semaphore.NewWeighted(int64(max)), max: int64(max)}
}

// Acquire takes one unit and returns the function that gives it back.
// Calling the release function more than once is a no-op, so it can be
// deferred on every exit path.
func (b *Budget) Acquire(ctx context.Context) (release func(), err error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	b.inUse.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			b.inUse.Add(-1)
			b.sem.Release(1)
		})
	}, nil
}

// WaitAvailable blocks until at least one unit is free without taking it.
func (b *Budget) WaitAvailable(ctx context.Context) error {
	release, err := b.Acquire(ctx)
	if err != nil {
		return err
	}
	release()
	return nil
}

// Remaining returns the number of free units.
func (b *Budget) Remaining() int {
	return int(b.max - b.inUse.Load())
}

// Max returns the size of the budget.
func (b *Budget) Max() int {
	return int(b.max)
}
