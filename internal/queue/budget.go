package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/saltyorg/markerplow/internal/metrics"
)

// slot is one generation of the budget. A resize retires the current slot;
// holders keep releasing into the slot they acquired from.
type slot struct {
	sem      *semaphore.Weighted
	capacity int
	retired  context.Context
	retire   context.CancelFunc
}

func newSlot(capacity int) *slot {
	ctx, cancel := context.WithCancel(context.Background())
	return &slot{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		retired:  ctx,
		retire:   cancel,
	}
}

// Budget bounds the number of concurrently running work units. Its capacity
// can change at runtime without losing admitted work.
type Budget struct {
	current  atomic.Pointer[slot]
	inflight atomic.Int64
	resizeMu sync.Mutex
}

// NewBudget creates a budget of n slots (minimum 1)
func NewBudget(n int) *Budget {
	b := &Budget{}
	b.current.Store(newSlot(max(n, 1)))
	metrics.QueueBudget.Set(float64(max(n, 1)))
	return b
}

// Capacity returns the current maximum concurrency
func (b *Budget) Capacity() int {
	return b.current.Load().capacity
}

// InFlight returns the number of held slots across all generations
func (b *Budget) InFlight() int {
	return int(b.inflight.Load())
}

// Resize swaps in a new bounded primitive of n slots. Waiters on the old one
// move to the new one; holders of the old one release into it as usual.
func (b *Budget) Resize(n int) {
	n = max(n, 1)

	b.resizeMu.Lock()
	defer b.resizeMu.Unlock()

	if b.current.Load().capacity == n {
		return
	}
	old := b.current.Swap(newSlot(n))
	old.retire()
	metrics.QueueBudget.Set(float64(n))
}

// Acquire blocks until a slot is available or ctx is done. The returned release
// func is idempotent and must be called exactly once the work finishes.
func (b *Budget) Acquire(ctx context.Context) (func(), error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := b.current.Load()
		if s.retired.Err() != nil {
			continue
		}

		acquireCtx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(s.retired, cancel)
		err := s.sem.Acquire(acquireCtx, 1)
		stop()
		cancel()

		if err == nil {
			b.inflight.Add(1)
			metrics.QueueInflight.Inc()
			var once sync.Once
			return func() {
				once.Do(func() {
					s.sem.Release(1)
					b.inflight.Add(-1)
					metrics.QueueInflight.Dec()
				})
			}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// Slot retired while waiting, retry on the current one
	}
}
