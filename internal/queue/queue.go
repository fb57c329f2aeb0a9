package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/markerplow/internal/markers"
	"github.com/saltyorg/markerplow/internal/metrics"
	"github.com/saltyorg/markerplow/internal/web/sse"
)

// Name identifies a task queue
type Name string

const (
	// MediaInfo probes items, refreshes subtitle state and feeds IntroSkip
	MediaInfo Name = "media-info"
	// IntroSkip backfills markers for episodes from their season siblings
	IntroSkip Name = "intro-skip"
)

var (
	// ErrStopped is returned when enqueueing onto a stopped queue
	ErrStopped = errors.New("queue stopped")
	// ErrUnknownQueue is returned for queue names that are not registered
	ErrUnknownQueue = errors.New("unknown queue")
)

// Task performs the deferred work for one item
type Task func(ctx context.Context) error

// Builder turns a drained item into its task
type Builder func(item markers.Item) Task

type unit struct {
	item markers.Item
	run  Task
}

// DrainStats describes one drain of a queue
type DrainStats struct {
	Queue Name `json:"queue"`
	Items int  `json:"items"`
	Units int  `json:"units"`
}

// Queue batches enqueued items, deduplicates them by id on each drain and
// dispatches the resulting units against a shared Budget.
type Queue struct {
	name   Name
	build  Builder
	budget *Budget
	clock  clockwork.Clock
	events sse.Publisher

	interval atomic.Int64

	mu      sync.Mutex
	pending []markers.Item
	lastRun time.Time

	workMu sync.Mutex
	work   []unit

	dispatching atomic.Bool
	wake        chan struct{}
	started     atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	loopWG sync.WaitGroup
	wg     sync.WaitGroup
}

// New creates a queue. A nil clock uses the real clock.
func New(name Name, build Builder, budget *Budget, interval time.Duration, clock clockwork.Clock) *Queue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:   name,
		build:  build,
		budget: budget,
		clock:  clock,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	q.SetInterval(interval)
	return q
}

// Name returns the queue name
func (q *Queue) Name() Name {
	return q.name
}

// Budget returns the budget units acquire from
func (q *Queue) Budget() *Budget {
	return q.budget
}

// SetPublisher sets where drain events are broadcast
func (q *Queue) SetPublisher(p sse.Publisher) {
	q.events = p
}

// SetInterval changes the wake interval; takes effect on the next wake
func (q *Queue) SetInterval(d time.Duration) {
	if d <= 0 {
		d = 30 * time.Second
	}
	q.interval.Store(int64(d))
}

func (q *Queue) currentInterval() time.Duration {
	return time.Duration(q.interval.Load())
}

// Start runs the wake loop
func (q *Queue) Start() {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	q.loopWG.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("queue", string(q.name)).Msg("Queue loop panicked")
			}
		}()
		q.loop()
	})
	log.Info().Str("queue", string(q.name)).Dur("interval", q.currentInterval()).Msg("Queue started")
}

// Stop cancels the wake loop and running units, then waits for them to return
func (q *Queue) Stop() {
	q.cancel()
	q.loopWG.Wait()
	q.wg.Wait()
	log.Info().Str("queue", string(q.name)).Msg("Queue stopped")
}

// Enqueue adds an item for the next drain. Safe for concurrent producers.
func (q *Queue) Enqueue(item markers.Item) error {
	if q.ctx.Err() != nil {
		return ErrStopped
	}
	q.mu.Lock()
	q.pending = append(q.pending, item)
	q.mu.Unlock()
	log.Trace().Str("queue", string(q.name)).Str("item_id", item.ID).Msg("Item enqueued")
	return nil
}

// Flush wakes the loop immediately, skipping the remaining interval
func (q *Queue) Flush() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of items waiting for the next drain
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Waiting returns the number of drained units not yet admitted by the budget
func (q *Queue) Waiting() int {
	q.workMu.Lock()
	defer q.workMu.Unlock()
	return len(q.work)
}

// Wait blocks until the dispatcher and every admitted unit have returned
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) loop() {
	interval := q.currentInterval()
	ticker := q.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		flushed := false
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.Chan():
		case <-q.wake:
			flushed = true
		}

		if next := q.currentInterval(); next != interval {
			interval = next
			ticker.Reset(interval)
		}

		if !flushed {
			q.mu.Lock()
			last := q.lastRun
			q.mu.Unlock()
			if remaining := interval - q.clock.Since(last); !last.IsZero() && remaining > 0 {
				select {
				case <-q.ctx.Done():
					return
				case <-q.clock.After(remaining):
				}
			}
		}

		q.Drain()
	}
}

// Drain atomically takes every pending item, keeps the first occurrence of
// each item id and hands the resulting units to the dispatcher.
func (q *Queue) Drain() DrainStats {
	q.mu.Lock()
	items := q.pending
	q.pending = nil
	q.lastRun = q.clock.Now()
	q.mu.Unlock()

	stats := DrainStats{Queue: q.name, Items: len(items)}
	if len(items) == 0 {
		return stats
	}

	seen := make(map[string]struct{}, len(items))
	units := make([]unit, 0, len(items))
	for _, item := range items {
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		units = append(units, unit{item: item, run: q.build(item)})
	}
	stats.Units = len(units)

	q.workMu.Lock()
	q.work = append(q.work, units...)
	q.workMu.Unlock()

	log.Debug().
		Str("queue", string(q.name)).
		Int("items", stats.Items).
		Int("units", stats.Units).
		Msg("Queue drained")

	if q.events != nil {
		q.events.Broadcast(sse.Event{Type: sse.EventQueueDrained, Data: stats})
	}

	q.kick()
	return stats
}

func (q *Queue) pop() (unit, bool) {
	q.workMu.Lock()
	defer q.workMu.Unlock()
	if len(q.work) == 0 {
		return unit{}, false
	}
	u := q.work[0]
	q.work[0] = unit{}
	q.work = q.work[1:]
	return u, true
}

// kick starts the dispatcher unless one is already running
func (q *Queue) kick() {
	if !q.dispatching.CompareAndSwap(false, true) {
		return
	}
	q.wg.Go(q.dispatch)
}

func (q *Queue) dispatch() {
	for {
		for {
			u, ok := q.pop()
			if !ok {
				break
			}
			release, err := q.budget.Acquire(q.ctx)
			if err != nil {
				q.workMu.Lock()
				dropped := len(q.work) + 1
				q.work = nil
				q.workMu.Unlock()
				log.Debug().Str("queue", string(q.name)).Int("dropped", dropped).Msg("Dispatch cancelled")
				q.dispatching.Store(false)
				return
			}
			q.wg.Go(func() {
				defer release()
				q.runUnit(u)
			})
		}

		q.dispatching.Store(false)
		// Units pushed between the empty pop and the flag reset
		if q.Waiting() == 0 || !q.dispatching.CompareAndSwap(false, true) {
			return
		}
	}
}

func (q *Queue) runUnit(u unit) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("queue", string(q.name)).Str("item_id", u.item.ID).Msg("Queue unit panicked")
			metrics.QueueUnits.WithLabelValues(string(q.name), "panic").Inc()
		}
	}()

	if err := q.ctx.Err(); err != nil {
		log.Debug().Str("queue", string(q.name)).Str("item_id", u.item.ID).Msg("Queue unit cancelled before start")
		return
	}

	err := u.run(q.ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		log.Debug().Str("queue", string(q.name)).Str("item_id", u.item.ID).Msg("Queue unit cancelled")
		return
	default:
		log.Warn().Err(err).Str("queue", string(q.name)).Str("item_id", u.item.ID).Msg("Queue unit failed")
	}
	metrics.RecordQueueUnit(string(q.name), err)
}
