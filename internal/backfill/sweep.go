// Package backfill runs a scheduled sweep that queues episodes still missing
// markers for season backfill.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/markerplow/internal/config"
	"github.com/saltyorg/markerplow/internal/markers"
	"github.com/saltyorg/markerplow/internal/queue"
)

// ErrSweepRunning is returned when a sweep is requested while one runs
var ErrSweepRunning = errors.New("backfill sweep already running")

// Source lists the work of a sweep and prunes marker history
type Source interface {
	EpisodesMissingMarkers(ctx context.Context, limit int) ([]markers.Item, error)
	PruneHistory(ctx context.Context, retention time.Duration) (int64, error)
}

// Enqueuer accepts items for a task queue
type Enqueuer interface {
	Enqueue(name queue.Name, item markers.Item) error
}

// Config holds sweep settings
type Config struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
	// Limit caps the episodes queued per run; zero means no cap
	Limit            int           `json:"limit"`
	HistoryRetention time.Duration `json:"history_retention"`
}

// DefaultConfig returns the default sweep settings
func DefaultConfig() Config {
	return Config{
		Schedule:         "@daily",
		Limit:            500,
		HistoryRetention: 30 * 24 * time.Hour,
	}
}

// LoadConfigFromDB reads sweep settings through the loader
func LoadConfigFromDB(loader *config.Loader) Config {
	return Config{
		Enabled:          loader.Bool("backfill.enabled", false),
		Schedule:         loader.String("backfill.schedule", "@daily"),
		Limit:            loader.Int("backfill.limit", 500),
		HistoryRetention: time.Duration(loader.Int("history.retention_days", 30)) * 24 * time.Hour,
	}
}

// RunResult describes one sweep
type RunResult struct {
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Found         int           `json:"found"`
	Queued        int           `json:"queued"`
	HistoryPruned int64         `json:"history_pruned"`
	TriggeredBy   string        `json:"triggered_by"`
	Error         string        `json:"error,omitempty"`
}

// Status is the sweeper state shown by the API
type Status struct {
	Running  bool       `json:"running"`
	Enabled  bool       `json:"enabled"`
	Schedule string     `json:"schedule"`
	Sweeping bool       `json:"sweeping"`
	LastRun  *RunResult `json:"last_run,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
}

// Sweeper schedules backfill sweeps
type Sweeper struct {
	source Source
	queue  Enqueuer

	mu          sync.RWMutex
	config      Config
	cron        *cron.Cron
	cronEntryID cron.EntryID
	running     bool
	sweeping    bool
	lastRun     *RunResult
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewSweeper creates a sweeper
func NewSweeper(source Source, enq Enqueuer, cfg Config) *Sweeper {
	return &Sweeper{
		source: source,
		queue:  enq,
		config: cfg,
		cron:   cron.New(),
	}
}

// Start starts the scheduler
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	s.cron.Start()

	if s.config.Enabled && s.config.Schedule != "" {
		if err := s.updateSchedule(s.config.Schedule); err != nil {
			log.Warn().Err(err).Str("schedule", s.config.Schedule).Msg("Failed to set backfill schedule")
		}
	}

	log.Info().
		Bool("enabled", s.config.Enabled).
		Str("schedule", s.config.Schedule).
		Msg("Backfill sweeper started")
	return nil
}

// Stop stops the scheduler and cancels a running sweep
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	// Waits for a running sweep to return
	<-s.cron.Stop().Done()
	log.Info().Msg("Backfill sweeper stopped")
}

// Status returns the current sweeper status
func (s *Sweeper) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		Running:  s.running,
		Enabled:  s.config.Enabled,
		Schedule: s.config.Schedule,
		Sweeping: s.sweeping,
	}
	if s.lastRun != nil {
		last := *s.lastRun
		status.LastRun = &last
	}
	if s.cronEntryID != 0 {
		entry := s.cron.Entry(s.cronEntryID)
		if !entry.Next.IsZero() {
			next := entry.Next
			status.NextRun = &next
		}
	}
	return status
}

// GetConfig returns the current configuration
func (s *Sweeper) GetConfig() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// UpdateConfig applies new settings and reschedules
func (s *Sweeper) UpdateConfig(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.Enabled && cfg.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
			return fmt.Errorf("invalid schedule: %w", err)
		}
	}
	s.config = cfg

	if !cfg.Enabled || cfg.Schedule == "" {
		s.removeSchedule()
	} else if s.running {
		if err := s.updateSchedule(cfg.Schedule); err != nil {
			return fmt.Errorf("invalid schedule: %w", err)
		}
	}

	log.Info().
		Bool("enabled", cfg.Enabled).
		Str("schedule", cfg.Schedule).
		Msg("Backfill config updated")
	return nil
}

// updateSchedule replaces the cron entry. Caller must hold s.mu.
func (s *Sweeper) updateSchedule(schedule string) error {
	s.removeSchedule()

	id, err := s.cron.AddFunc(schedule, s.scheduledRun)
	if err != nil {
		return err
	}
	s.cronEntryID = id
	log.Info().Str("schedule", schedule).Msg("Backfill schedule updated")
	return nil
}

func (s *Sweeper) removeSchedule() {
	if s.cronEntryID != 0 {
		s.cron.Remove(s.cronEntryID)
		s.cronEntryID = 0
	}
}

// scheduledRun is called by cron to run a sweep
func (s *Sweeper) scheduledRun() {
	s.mu.RLock()
	parent := s.ctx
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(parent, 30*time.Minute)
	defer cancel()

	if _, err := s.Run(ctx, "schedule"); err != nil {
		log.Error().Err(err).Msg("Scheduled backfill sweep failed")
	}
}

// Run queues every episode missing markers onto the intro-skip queue and prunes
// old marker history. Only one sweep runs at a time.
func (s *Sweeper) Run(ctx context.Context, triggeredBy string) (RunResult, error) {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		return RunResult{}, ErrSweepRunning
	}
	s.sweeping = true
	cfg := s.config
	s.mu.Unlock()

	res := RunResult{StartedAt: time.Now(), TriggeredBy: triggeredBy}
	err := s.sweep(ctx, cfg, &res)
	res.Duration = time.Since(res.StartedAt)
	if err != nil {
		res.Error = err.Error()
	}

	s.mu.Lock()
	s.sweeping = false
	s.lastRun = &res
	s.mu.Unlock()

	log.Info().
		Int("found", res.Found).
		Int("queued", res.Queued).
		Int64("history_pruned", res.HistoryPruned).
		Str("triggered_by", triggeredBy).
		Dur("duration", res.Duration).
		Msg("Backfill sweep finished")
	return res, err
}

func (s *Sweeper) sweep(ctx context.Context, cfg Config, res *RunResult) error {
	items, err := s.source.EpisodesMissingMarkers(ctx, cfg.Limit)
	if err != nil {
		return fmt.Errorf("failed to list episodes missing markers: %w", err)
	}
	res.Found = len(items)

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.queue.Enqueue(queue.IntroSkip, item); err != nil {
			log.Debug().Err(err).Str("item_id", item.ID).Msg("Backfill enqueue failed")
			continue
		}
		res.Queued++
	}

	if cfg.HistoryRetention > 0 {
		pruned, err := s.source.PruneHistory(ctx, cfg.HistoryRetention)
		if err != nil {
			return fmt.Errorf("failed to prune marker history: %w", err)
		}
		res.HistoryPruned = pruned
	}
	return nil
}
