// Package queue runs the throttled, deduplicating background task pipeline:
// named queues drained on an interval and executed against a shared budget.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/markerplow/internal/config"
	"github.com/saltyorg/markerplow/internal/markers"
	"github.com/saltyorg/markerplow/internal/mediainfo"
	"github.com/saltyorg/markerplow/internal/propagation"
	"github.com/saltyorg/markerplow/internal/web/sse"
)

// MediaProbe extracts and caches media metadata
type MediaProbe interface {
	Probe(ctx context.Context, item markers.Item) (*mediainfo.Info, error)
	DeserializeCached(ctx context.Context, item markers.Item) (*mediainfo.Info, bool, error)
	SerializeToCache(ctx context.Context, item markers.Item, info *mediainfo.Info, overwrite bool) (bool, error)
}

// SubtitleSync refreshes external subtitle state
type SubtitleSync interface {
	HasExternalChanged(ctx context.Context, item markers.Item) (bool, error)
	Update(ctx context.Context, item markers.Item) (bool, error)
}

// Backfiller fills missing markers for one episode
type Backfiller interface {
	Backfill(ctx context.Context, episodeID string) (propagation.Result, error)
}

// ScopeChecker decides whether background work applies to an item
type ScopeChecker interface {
	PathInScope(item *markers.Item) bool
}

// RuntimeUpdater stores the probed runtime of an item
type RuntimeUpdater interface {
	SetItemRuntime(ctx context.Context, itemID string, runtime time.Duration) error
}

// Config holds pipeline settings
type Config struct {
	MaxConcurrent      int           `json:"max_concurrent"`
	Interval           time.Duration `json:"interval"`
	PersistMediaInfo   bool          `json:"persist_media_info"`
	OverwriteMediaInfo bool          `json:"overwrite_media_info"`
	SubtitleRescan     bool          `json:"subtitle_rescan"`
}

// DefaultConfig returns the default pipeline settings
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    2,
		Interval:         30 * time.Second,
		PersistMediaInfo: true,
		SubtitleRescan:   true,
	}
}

// LoadConfigFromDB reads pipeline settings through the loader
func LoadConfigFromDB(loader *config.Loader) Config {
	defaults := DefaultConfig()
	return Config{
		MaxConcurrent:      loader.Int("queue.max_concurrent", defaults.MaxConcurrent),
		Interval:           loader.DurationSeconds("queue.interval_seconds", int(defaults.Interval/time.Second)),
		PersistMediaInfo:   loader.Bool("queue.persist_media_info", defaults.PersistMediaInfo),
		OverwriteMediaInfo: loader.Bool("queue.overwrite_media_info", defaults.OverwriteMediaInfo),
		SubtitleRescan:     loader.Bool("queue.subtitle_rescan", defaults.SubtitleRescan),
	}
}

// Deps are the collaborators the pipeline's units call into
type Deps struct {
	Probe      MediaProbe
	Subtitles  SubtitleSync
	Backfiller Backfiller
	Scope      ScopeChecker
	Runtime    RuntimeUpdater
	Events     sse.Publisher
	Clock      clockwork.Clock
}

// QueueStatus is a point-in-time view of one queue
type QueueStatus struct {
	Name    Name `json:"name"`
	Pending int  `json:"pending"`
	Waiting int  `json:"waiting"`
}

// Status is a point-in-time view of the pipeline
type Status struct {
	Budget   int           `json:"budget"`
	InFlight int           `json:"in_flight"`
	Queues   []QueueStatus `json:"queues"`
}

// Manager owns the named queues and their shared budget
type Manager struct {
	deps   Deps
	budget *Budget
	queues map[Name]*Queue
	order  []Name

	mu  sync.RWMutex
	cfg Config
}

// NewManager creates the media-info and intro-skip queues
func NewManager(cfg Config, deps Deps) *Manager {
	m := &Manager{
		deps:   deps,
		budget: NewBudget(cfg.MaxConcurrent),
		queues: make(map[Name]*Queue),
		cfg:    cfg,
	}
	m.register(New(MediaInfo, m.mediaInfoTask, m.budget, cfg.Interval, deps.Clock))
	m.register(New(IntroSkip, m.introSkipTask, m.budget, cfg.Interval, deps.Clock))
	return m
}

func (m *Manager) register(q *Queue) {
	q.SetPublisher(m.deps.Events)
	m.queues[q.Name()] = q
	m.order = append(m.order, q.Name())
}

// Start runs every queue loop
func (m *Manager) Start() {
	for _, name := range m.order {
		m.queues[name].Start()
	}
	log.Info().Int("budget", m.budget.Capacity()).Msg("Task pipeline started")
}

// Stop stops every queue and waits for in-flight units
func (m *Manager) Stop() {
	for _, name := range m.order {
		m.queues[name].Stop()
	}
	log.Info().Msg("Task pipeline stopped")
}

// Queue returns a registered queue
func (m *Manager) Queue(name Name) (*Queue, error) {
	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

// Enqueue adds item to the named queue
func (m *Manager) Enqueue(name Name, item markers.Item) error {
	q, err := m.Queue(name)
	if err != nil {
		return err
	}
	return q.Enqueue(item)
}

// RequestMediaInfo schedules item for probing
func (m *Manager) RequestMediaInfo(item markers.Item) {
	if err := m.Enqueue(MediaInfo, item); err != nil {
		log.Debug().Err(err).Str("item_id", item.ID).Msg("Media info request dropped")
	}
}

// Budget returns the shared concurrency budget
func (m *Manager) Budget() *Budget {
	return m.budget
}

// UpdateConcurrencyBudget changes the maximum number of concurrent units
func (m *Manager) UpdateConcurrencyBudget(n int) {
	m.budget.Resize(n)
	m.mu.Lock()
	m.cfg.MaxConcurrent = m.budget.Capacity()
	m.mu.Unlock()
	if m.deps.Events != nil {
		m.deps.Events.Broadcast(sse.Event{Type: sse.EventBudgetChanged, Data: map[string]int{"budget": m.budget.Capacity()}})
	}
	log.Info().Int("budget", m.budget.Capacity()).Msg("Concurrency budget updated")
}

// UpdateConfig applies new pipeline settings
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.budget.Resize(cfg.MaxConcurrent)
	for _, q := range m.queues {
		q.SetInterval(cfg.Interval)
	}
}

// Config returns the current pipeline settings
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Status reports queue depths and budget usage
func (m *Manager) Status() Status {
	st := Status{Budget: m.budget.Capacity(), InFlight: m.budget.InFlight()}
	for _, name := range m.order {
		q := m.queues[name]
		st.Queues = append(st.Queues, QueueStatus{Name: name, Pending: q.Pending(), Waiting: q.Waiting()})
	}
	return st
}

// mediaInfoTask loads cached media info or probes the item, hands episodes in
// scope to the intro-skip queue, refreshes subtitle state and persists the result.
func (m *Manager) mediaInfoTask(item markers.Item) Task {
	return func(ctx context.Context) error {
		cfg := m.Config()

		info, cached, err := m.deps.Probe.DeserializeCached(ctx, item)
		if err != nil {
			log.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to read cached media info")
		}
		if !cached {
			if info, err = m.deps.Probe.Probe(ctx, item); err != nil {
				return fmt.Errorf("probe %s: %w", item.ID, err)
			}
		}

		if item.Runtime <= 0 && info.Duration > 0 && m.deps.Runtime != nil {
			if err := m.deps.Runtime.SetItemRuntime(ctx, item.ID, info.Duration); err != nil {
				log.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to store probed runtime")
			}
		}

		if item.IsEpisode() && (m.deps.Scope == nil || m.deps.Scope.PathInScope(&item)) {
			if err := m.Enqueue(IntroSkip, item); err != nil {
				log.Debug().Err(err).Str("item_id", item.ID).Msg("Intro-skip enqueue dropped")
			}
		}

		if cfg.SubtitleRescan && m.deps.Subtitles != nil {
			changed, err := m.deps.Subtitles.HasExternalChanged(ctx, item)
			if err != nil {
				log.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to check subtitle sidecars")
			} else if changed {
				if _, err := m.deps.Subtitles.Update(ctx, item); err != nil {
					log.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to sync subtitle sidecars")
				}
			}
		}

		if cfg.PersistMediaInfo && (!cached || cfg.OverwriteMediaInfo) {
			if _, err := m.deps.Probe.SerializeToCache(ctx, item, info, cfg.OverwriteMediaInfo); err != nil {
				return fmt.Errorf("persist media info %s: %w", item.ID, err)
			}
		}
		return ctx.Err()
	}
}

// introSkipTask backfills the episode's missing markers from its season
func (m *Manager) introSkipTask(item markers.Item) Task {
	return func(ctx context.Context) error {
		if m.deps.Backfiller == nil {
			return nil
		}
		res, err := m.deps.Backfiller.Backfill(ctx, item.ID)
		if err != nil {
			// Nothing to copy from yet; a later confirmation propagates instead
			if isBenign(err) {
				log.Debug().Err(err).Str("item_id", item.ID).Msg("Backfill skipped")
				return nil
			}
			return err
		}
		log.Debug().Str("item_id", item.ID).Int("updated", res.Updated).Msg("Backfill finished")
		return nil
	}
}

func isBenign(err error) bool {
	return errors.Is(err, propagation.ErrNoSource) || errors.Is(err, propagation.ErrNotEpisode)
}
