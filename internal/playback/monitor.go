// Package playback turns live playback telemetry into intro and credits markers.
//
// The Monitor keeps one PlaySessionData per playback session, runs the seek and
// pause heuristics on every event and hands observed boundaries to a Coalescer,
// which persists them and propagates them across the season in the background.
package playback

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
	"github.com/saltyorg/markerplow/internal/propagation"
	"github.com/saltyorg/markerplow/internal/web/sse"
)

// ScopeChecker decides whether playback of an item is monitored
type ScopeChecker interface {
	InScope(item *markers.Item, userID, clientName string) bool
}

// Propagator copies confirmed markers across a season
type Propagator interface {
	PropagateToSeason(ctx context.Context, episodeID string) (propagation.Result, error)
}

// Deps are the collaborators of a Monitor
type Deps struct {
	Scope      ScopeChecker
	Store      markers.Store
	Propagator Propagator
	Events     sse.Publisher
	Limiter    Limiter
	Clock      clockwork.Clock
	// UpdateTimeout bounds each persisted update including propagation
	UpdateTimeout time.Duration
}

// Monitor is the playback event sink
type Monitor struct {
	scope      ScopeChecker
	store      markers.Store
	propagator Propagator
	clock      clockwork.Clock

	cfg       atomic.Pointer[Config]
	sessions  *Sessions
	coalescer *Coalescer

	eventsMu sync.RWMutex
	events   sse.Publisher

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewMonitor creates a playback monitor
func NewMonitor(deps Deps, cfg Config) *Monitor {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		scope:      deps.Scope,
		store:      deps.Store,
		propagator: deps.Propagator,
		clock:      clock,
		sessions:   NewSessions(),
		coalescer:  NewCoalescer(cfg.Debounce, deps.UpdateTimeout, clock),
		events:     deps.Events,
		ctx:        ctx,
		cancel:     cancel,
	}
	if deps.Limiter != nil {
		m.coalescer.SetLimiter(deps.Limiter)
	}
	m.cfg.Store(&cfg)
	return m
}

// SetPublisher sets the SSE publisher for session and marker events
func (m *Monitor) SetPublisher(p sse.Publisher) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	m.events = p
}

func (m *Monitor) broadcast(t sse.EventType, data any) {
	m.eventsMu.RLock()
	p := m.events
	m.eventsMu.RUnlock()
	if p != nil {
		p.Broadcast(sse.Event{Type: t, Data: data})
	}
}

// UpdateConfig swaps the detection settings. Running sessions keep their
// no-detection-but-reset flag and max intro bound from when they started.
func (m *Monitor) UpdateConfig(cfg Config) {
	m.cfg.Store(&cfg)
	m.coalescer.SetInterval(cfg.Debounce)
}

// Config returns the current detection settings
func (m *Monitor) Config() Config {
	return *m.cfg.Load()
}

// Coalescer exposes the update coalescer
func (m *Monitor) Coalescer() *Coalescer {
	return m.coalescer
}

// Sessions returns a snapshot of the tracked sessions
func (m *Monitor) Sessions() []SessionInfo {
	return m.sessions.List()
}

// Start begins the idle-session sweep
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.wg.Go(m.cleanupLoop)
	log.Info().Msg("Playback monitor started")
}

// Stop ends the sweep and waits for pending marker updates
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
	m.coalescer.Stop()
	log.Info().Msg("Playback monitor stopped")
}

func (m *Monitor) cleanupLoop() {
	interval := min(m.Config().SessionIdle/4, 15*time.Minute)
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.Chan():
			m.Cleanup()
		}
	}
}

// Cleanup evicts idle sessions and expired debounce state
func (m *Monitor) Cleanup() {
	removed := m.sessions.PruneIdle(m.clock.Now(), m.Config().SessionIdle)
	for _, id := range removed {
		log.Debug().Str("session", id).Msg("Evicted idle playback session")
	}
	m.coalescer.Prune()
}

func (m *Monitor) now(ev Event) time.Time {
	if !ev.Time.IsZero() {
		return ev.Time
	}
	return m.clock.Now()
}

// HandleEvent dispatches ev to the matching handler
func (m *Monitor) HandleEvent(ev Event) {
	switch ev.Type {
	case EventStart:
		m.OnPlaybackStart(ev)
	case EventProgress:
		m.OnPlaybackProgress(ev)
	case EventStopped:
		m.OnPlaybackStopped(ev)
	default:
		log.Debug().Str("type", string(ev.Type)).Str("session", ev.SessionID).Msg("Ignoring unknown playback event")
	}
}

// OnPlaybackStart begins tracking a session. A start for a known session id
// replaces its state.
func (m *Monitor) OnPlaybackStart(ev Event) {
	if ev.SessionID == "" {
		return
	}
	if !m.scope.InScope(&ev.Item, ev.UserID, ev.Client) {
		if _, ok := m.sessions.Remove(ev.SessionID); ok {
			log.Debug().Str("session", ev.SessionID).Msg("Dropped session that left monitoring scope")
		}
		return
	}

	s := newPlaySessionData(ev, m.now(ev), m.Config())
	m.sessions.Replace(ev.SessionID, s)
	m.hydrate(s)

	log.Debug().
		Str("session", ev.SessionID).
		Str("item_id", ev.Item.ID).
		Dur("position", ev.Position()).
		Msg("Tracking playback session")
	m.broadcast(sse.EventSessionStarted, map[string]any{
		"session_id": ev.SessionID,
		"item_id":    ev.Item.ID,
		"user_id":    ev.UserID,
	})
}

// OnPlaybackProgress feeds a progress event through the session heuristics
func (m *Monitor) OnPlaybackProgress(ev Event) {
	if ev.SessionID == "" {
		return
	}
	now := m.now(ev)
	cfg := m.Config()

	s, ok := m.sessions.Get(ev.SessionID)
	if ok && ev.Item.ID != "" && s.item.ID != ev.Item.ID {
		// Same session moved on to another item
		m.OnPlaybackStart(ev)
		return
	}
	if !ok {
		if !m.scope.InScope(&ev.Item, ev.UserID, ev.Client) {
			return
		}
		var created bool
		s, created = m.sessions.GetOrCreate(ev.SessionID, func() *PlaySessionData {
			return newPlaySessionData(ev, now, cfg)
		})
		if created {
			m.hydrate(s)
			return
		}
	}

	var triggers []trigger
	switch ev.Progress {
	case ProgressPause:
		s.pause(ev.Position(), now)
	case ProgressUnpause:
		triggers = s.unpause(ev.Position(), now, cfg)
	case ProgressRateChange:
		s.rateChange(ev.Position(), ev.Rate, now)
	default:
		triggers = s.timeUpdate(ev.Position(), now, cfg)
	}
	m.fire(s, triggers)
}

// OnPlaybackStopped makes the final credits decision and stops tracking the session
func (m *Monitor) OnPlaybackStopped(ev Event) {
	s, ok := m.sessions.Remove(ev.SessionID)
	if !ok {
		return
	}
	m.fire(s, s.stop(ev.Position(), m.now(ev), m.Config()))

	log.Debug().Str("session", ev.SessionID).Str("item_id", s.item.ID).Msg("Playback session ended")
	m.broadcast(sse.EventSessionEnded, map[string]any{
		"session_id": ev.SessionID,
		"item_id":    s.item.ID,
	})
}

// hydrate loads the item's markers in the background when the event carried none
func (m *Monitor) hydrate(s *PlaySessionData) {
	s.mu.Lock()
	done := s.hydrated
	itemID := s.item.ID
	s.mu.Unlock()
	if done || m.store == nil || itemID == "" {
		return
	}

	m.wg.Go(func() {
		ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
		defer cancel()
		ms, err := m.store.GetMarkers(ctx, itemID)
		if err != nil {
			if !errors.Is(err, markers.ErrItemNotFound) {
				log.Debug().Err(err).Str("item_id", itemID).Msg("Failed to load markers for session")
			}
			ms = nil
		}
		s.hydrate(ms)
	})
}

func (m *Monitor) fire(s *PlaySessionData, triggers []trigger) {
	if len(triggers) == 0 {
		return
	}
	s.mu.Lock()
	item := s.item
	session := s.sessionID
	s.mu.Unlock()

	for _, t := range triggers {
		log.Debug().
			Str("session", session).
			Str("item_id", item.ID).
			Str("group", string(t.group)).
			Interface("markers", t.markers).
			Msg("Playback boundary observed")
		m.coalescer.TryUpdate(t.group, item.ID, func(ctx context.Context) error {
			return m.apply(ctx, item, t)
		})
	}
}

// apply persists one observed boundary and propagates it across the season
func (m *Monitor) apply(ctx context.Context, item markers.Item, t trigger) error {
	existing, err := m.store.GetMarkers(ctx, item.ID)
	if err != nil {
		return err
	}
	if !markers.Overwritable(existing, t.group.Kinds(), m.Config().ResetAndOverwrite) {
		metrics.RecordDrop(string(t.group), DropExternal)
		log.Debug().
			Str("item_id", item.ID).
			Str("group", string(t.group)).
			Msg("Keeping external markers over playback boundary")
		return nil
	}
	next := markers.Replace(existing, t.group.Kinds(), t.markers...)
	if markers.Equal(existing, next) {
		return nil
	}
	if err := markers.Validate(next); err != nil {
		return err
	}
	if err := m.store.ReplaceMarkers(ctx, item.ID, next, markers.SourcePlayback); err != nil {
		return err
	}

	log.Info().
		Str("item_id", item.ID).
		Str("group", string(t.group)).
		Interface("markers", t.markers).
		Msg("Stored markers from playback")
	m.broadcast(sse.EventMarkersUpdated, map[string]any{
		"item_id": item.ID,
		"markers": next,
		"source":  markers.SourcePlayback,
	})

	if m.propagator == nil || !item.IsEpisode() {
		return nil
	}
	if _, err := m.propagator.PropagateToSeason(ctx, item.ID); err != nil {
		if errors.Is(err, propagation.ErrNoSource) || errors.Is(err, propagation.ErrNotEpisode) {
			log.Debug().Err(err).Str("item_id", item.ID).Msg("Nothing to propagate")
			return nil
		}
		log.Warn().Err(err).Str("item_id", item.ID).Msg("Propagation after playback update failed")
	}
	return nil
}
