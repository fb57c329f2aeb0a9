package playback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/markerplow/internal/metrics"
)

// Drop reasons reported for rejected updates
const (
	DropInFlight  = "in_flight"
	DropDebounced = "debounced"
	// DropExternal is an observed boundary that would replace external markers
	DropExternal = "external"
)

// Limiter bounds how many coalesced updates run at once
type Limiter interface {
	Acquire(ctx context.Context) (func(), error)
}

// Work is a coalesced marker update
type Work func(ctx context.Context) error

type coalesceKey struct {
	group  Group
	itemID string
}

// Coalescer runs at most one update per item and group at a time and at most one
// per debounce interval. Rejected requests are dropped, not queued.
type Coalescer struct {
	clock    clockwork.Clock
	interval atomic.Int64
	timeout  time.Duration
	limiter  Limiter

	mu       sync.Mutex
	inFlight map[coalesceKey]struct{}
	last     map[coalesceKey]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoalescer creates a coalescer. timeout bounds each update; zero disables it.
func NewCoalescer(interval, timeout time.Duration, clock clockwork.Clock) *Coalescer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coalescer{
		clock:    clock,
		timeout:  timeout,
		inFlight: make(map[coalesceKey]struct{}),
		last:     make(map[coalesceKey]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.interval.Store(int64(interval))
	return c
}

// SetLimiter routes every update through l
func (c *Coalescer) SetLimiter(l Limiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limiter = l
}

// SetInterval changes the debounce interval
func (c *Coalescer) SetInterval(d time.Duration) {
	c.interval.Store(int64(d))
}

// TryUpdateIntro schedules an intro update for itemID unless one is running or ran recently
func (c *Coalescer) TryUpdateIntro(itemID string, work Work) bool {
	return c.TryUpdate(GroupIntro, itemID, work)
}

// TryUpdateCredits schedules a credits update for itemID unless one is running or ran recently
func (c *Coalescer) TryUpdateCredits(itemID string, work Work) bool {
	return c.TryUpdate(GroupCredits, itemID, work)
}

// TryUpdate starts work in the background and reports whether it was accepted
func (c *Coalescer) TryUpdate(group Group, itemID string, work Work) bool {
	key := coalesceKey{group: group, itemID: itemID}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	if _, busy := c.inFlight[key]; busy {
		c.mu.Unlock()
		c.drop(key, DropInFlight)
		return false
	}
	if last, ok := c.last[key]; ok && c.clock.Since(last) < time.Duration(c.interval.Load()) {
		c.mu.Unlock()
		c.drop(key, DropDebounced)
		return false
	}
	c.inFlight[key] = struct{}{}
	limiter := c.limiter
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(key, limiter, work)
	return true
}

func (c *Coalescer) run(key coalesceKey, limiter Limiter, work Work) {
	defer c.wg.Done()
	defer c.finish(key)
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("group", string(key.group)).
				Str("item_id", key.itemID).
				Msg("Panic in marker update")
		}
	}()

	ctx := c.ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if limiter != nil {
		release, err := limiter.Acquire(ctx)
		if err != nil {
			log.Debug().Err(err).Str("item_id", key.itemID).Msg("Marker update abandoned waiting for a slot")
			return
		}
		defer release()
	}

	err := work(ctx)
	metrics.RecordMarkerUpdate(string(key.group), err)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Debug().Err(err).Str("group", string(key.group)).Str("item_id", key.itemID).Msg("Marker update cancelled")
	default:
		log.Warn().Err(err).Str("group", string(key.group)).Str("item_id", key.itemID).Msg("Marker update failed")
	}
}

func (c *Coalescer) finish(key coalesceKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, key)
	c.last[key] = c.clock.Now()
}

func (c *Coalescer) drop(key coalesceKey, reason string) {
	metrics.RecordDrop(string(key.group), reason)
	log.Trace().Str("group", string(key.group)).Str("item_id", key.itemID).Str("reason", reason).Msg("Marker update dropped")
}

// Busy reports whether an update for itemID and group is running
func (c *Coalescer) Busy(group Group, itemID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[coalesceKey{group: group, itemID: itemID}]
	return ok
}

// Prune drops debounce timestamps that can no longer reject an update.
// Timestamps outlive the sessions that set them.
func (c *Coalescer) Prune() int {
	interval := time.Duration(c.interval.Load())
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, last := range c.last {
		if c.clock.Since(last) >= interval {
			delete(c.last, key)
			n++
		}
	}
	return n
}

// Wait blocks until every accepted update has finished
func (c *Coalescer) Wait() {
	c.wg.Wait()
}

// Stop cancels running updates, rejects new ones and waits for the running ones to return
func (c *Coalescer) Stop() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}
