// Package propagation copies confirmed intro and credits markers across the
// episodes of a season.
package propagation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/markerplow/internal/config"
	"github.com/saltyorg/markerplow/internal/markers"
	"github.com/saltyorg/markerplow/internal/metrics"
	"github.com/saltyorg/markerplow/internal/web/sse"
)

var (
	// ErrNoSource is returned when no episode in scan range carries usable markers.
	ErrNoSource = errors.New("no confirmed markers to propagate")
	// ErrNotEpisode is returned for items that do not belong to a season.
	ErrNotEpisode = errors.New("item is not an episode")
)

// MediaInfoIndex reports whether probed media metadata exists for an item
type MediaInfoIndex interface {
	HasMediaInfo(ctx context.Context, itemID string) (bool, error)
}

// MediaInfoRequester schedules an item for probing
type MediaInfoRequester interface {
	RequestMediaInfo(item markers.Item)
}

// Config holds propagation settings
type Config struct {
	// ResetAndOverwrite treats every existing marker as overwritable
	ResetAndOverwrite bool `json:"reset_and_overwrite"`
}

// DefaultConfig returns the default propagation settings
func DefaultConfig() Config {
	return Config{}
}

// LoadConfigFromDB reads propagation settings through the loader
func LoadConfigFromDB(loader *config.Loader) Config {
	return Config{
		ResetAndOverwrite: loader.Bool("propagation.reset_and_overwrite", false),
	}
}

// Outcome is the per-episode result of a propagation pass
type Outcome string

const (
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	OutcomeQueued  Outcome = "queued"
	OutcomeFailed  Outcome = "failed"
)

// EpisodeResult describes what happened to one target episode
type EpisodeResult struct {
	ItemID  string  `json:"item_id"`
	Index   int     `json:"index"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Result summarizes a propagation pass
type Result struct {
	ItemID        string          `json:"item_id"`
	SeasonKey     string          `json:"season_key"`
	IntroSource   string          `json:"intro_source,omitempty"`
	CreditsSource string          `json:"credits_source,omitempty"`
	Updated       int             `json:"updated"`
	Skipped       int             `json:"skipped"`
	Queued        int             `json:"queued"`
	Failed        int             `json:"failed"`
	Episodes      []EpisodeResult `json:"episodes"`
}

func (r *Result) record(ep markers.Item, outcome Outcome, reason string) {
	switch outcome {
	case OutcomeUpdated:
		r.Updated++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeQueued:
		r.Queued++
	case OutcomeFailed:
		r.Failed++
	}
	r.Episodes = append(r.Episodes, EpisodeResult{ItemID: ep.ID, Index: ep.Index, Outcome: outcome, Reason: reason})
	metrics.PropagationEpisodes.WithLabelValues(string(outcome)).Inc()
}

// Engine propagates markers between sibling episodes. It holds no marker state
// between calls; every pass reads the store afresh.
type Engine struct {
	store     markers.Store
	library   markers.Library
	media     MediaInfoIndex
	requester MediaInfoRequester
	events    sse.Publisher

	mu  sync.RWMutex
	cfg Config
}

// NewEngine creates a propagation engine
func NewEngine(store markers.Store, library markers.Library, media MediaInfoIndex, cfg Config) *Engine {
	return &Engine{
		store:   store,
		library: library,
		media:   media,
		cfg:     cfg,
	}
}

// SetRequester sets where episodes lacking media info are sent for probing.
// The queue manager depends on the engine, so this is wired after construction.
func (e *Engine) SetRequester(r MediaInfoRequester) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requester = r
}

// SetPublisher sets the event publisher for completed passes
func (e *Engine) SetPublisher(p sse.Publisher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = p
}

// UpdateConfig replaces the propagation settings
func (e *Engine) UpdateConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

func (e *Engine) snapshot() (Config, MediaInfoRequester, sse.Publisher) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg, e.requester, e.events
}

// season is one read of a season's episodes and their markers
type season struct {
	key      string
	episodes []markers.Item
	markers  map[string][]markers.Marker
}

type introSource struct {
	idx        int
	start, end time.Duration
}

type creditsSource struct {
	idx int
	// offset from the end of the episode; propagated instead of the absolute position
	offset time.Duration
}

func (e *Engine) loadSeason(ctx context.Context, episodeID string) (*season, int, error) {
	ep, err := e.library.GetItem(ctx, episodeID)
	if err != nil {
		return nil, -1, err
	}
	if !ep.IsEpisode() {
		return nil, -1, fmt.Errorf("%w: %s", ErrNotEpisode, episodeID)
	}

	episodes, err := e.library.SeasonEpisodes(ctx, ep.SeasonKey)
	if err != nil {
		return nil, -1, fmt.Errorf("failed to list season %s: %w", ep.SeasonKey, err)
	}

	s := &season{key: ep.SeasonKey, episodes: episodes, markers: make(map[string][]markers.Marker, len(episodes))}
	pivot := -1
	for i, sib := range episodes {
		if sib.ID == episodeID {
			pivot = i
		}
		ms, err := e.store.GetMarkers(ctx, sib.ID)
		if err != nil {
			return nil, -1, fmt.Errorf("failed to read markers for %s: %w", sib.ID, err)
		}
		s.markers[sib.ID] = ms
	}
	if pivot < 0 {
		return nil, -1, fmt.Errorf("%w: %s missing from season %s", markers.ErrItemNotFound, episodeID, ep.SeasonKey)
	}
	return s, pivot, nil
}

func (s *season) intro(idx int) (introSource, bool) {
	start, end, ok := markers.IntroRange(s.markers[s.episodes[idx].ID])
	return introSource{idx: idx, start: start, end: end}, ok
}

func (s *season) credits(idx int) (creditsSource, bool) {
	ep := s.episodes[idx]
	start, ok := markers.CreditsStart(s.markers[ep.ID])
	if !ok || ep.Runtime <= 0 || start >= ep.Runtime {
		return creditsSource{}, false
	}
	return creditsSource{idx: idx, offset: ep.Runtime - start}, true
}

// PropagateToSeason copies the most recently confirmed intro and credits markers,
// found by scanning backwards from episodeID, onto the other episodes of its season.
func (e *Engine) PropagateToSeason(ctx context.Context, episodeID string) (Result, error) {
	res := Result{ItemID: episodeID}

	s, pivot, err := e.loadSeason(ctx, episodeID)
	if err != nil {
		return res, err
	}
	res.SeasonKey = s.key

	var intro *introSource
	var credits *creditsSource
	for i := pivot; i >= 0 && (intro == nil || credits == nil); i-- {
		if intro == nil {
			if src, ok := s.intro(i); ok {
				intro = &src
			}
		}
		if credits == nil {
			if src, ok := s.credits(i); ok {
				credits = &src
			}
		}
	}
	if intro == nil && credits == nil {
		return res, fmt.Errorf("%w: season %s up to %s", ErrNoSource, s.key, episodeID)
	}

	err = e.apply(ctx, &res, s, pivot, intro, credits)
	e.finish(res, err)
	return res, err
}

// Backfill fills in markers for a single episode from its nearest confirmed
// neighbour, preferring prior episodes and falling back to following ones.
func (e *Engine) Backfill(ctx context.Context, episodeID string) (Result, error) {
	res := Result{ItemID: episodeID}

	s, target, err := e.loadSeason(ctx, episodeID)
	if err != nil {
		return res, err
	}
	res.SeasonKey = s.key

	cfg, _, _ := e.snapshot()
	existing := s.markers[episodeID]
	needIntro := markers.Missing(existing, markers.IntroKinds...)
	needCredits := markers.Missing(existing, markers.CreditsKinds...)
	if !needIntro && !needCredits {
		res.record(s.episodes[target], OutcomeSkipped, "markers present")
		return res, nil
	}

	order := make([]int, 0, len(s.episodes)-1)
	for i := target - 1; i >= 0; i-- {
		order = append(order, i)
	}
	for i := target + 1; i < len(s.episodes); i++ {
		order = append(order, i)
	}

	var intro *introSource
	var credits *creditsSource
	for _, i := range order {
		if needIntro && intro == nil {
			if src, ok := s.intro(i); ok {
				intro = &src
			}
		}
		if needCredits && credits == nil {
			if src, ok := s.credits(i); ok {
				credits = &src
			}
		}
	}
	if intro == nil && credits == nil {
		return res, fmt.Errorf("%w: season %s around %s", ErrNoSource, s.key, episodeID)
	}

	err = e.applyOne(ctx, &res, s, target, intro, credits, cfg)
	e.finish(res, err)
	return res, err
}

func (e *Engine) apply(ctx context.Context, res *Result, s *season, pivot int, intro *introSource, credits *creditsSource) error {
	cfg, _, _ := e.snapshot()
	if intro != nil {
		res.IntroSource = s.episodes[intro.idx].ID
	}
	if credits != nil {
		res.CreditsSource = s.episodes[credits.idx].ID
	}

	for i := range s.episodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		tIntro, tCredits := intro, credits
		// Direction is judged against the confirmed episode, and a source never
		// overwrites itself
		if tIntro != nil && (tIntro.idx == i || !eligible(i, pivot, s.markers[s.episodes[i].ID], markers.IntroKinds, cfg)) {
			tIntro = nil
		}
		if tCredits != nil && (tCredits.idx == i || !eligible(i, pivot, s.markers[s.episodes[i].ID], markers.CreditsKinds, cfg)) {
			tCredits = nil
		}
		// The confirmed episode only appears in the result when it gained markers
		if i == pivot && tIntro == nil && tCredits == nil {
			continue
		}
		e.write(ctx, res, s, i, tIntro, tCredits, true)
	}
	return nil
}

func (e *Engine) applyOne(ctx context.Context, res *Result, s *season, target int, intro *introSource, credits *creditsSource, cfg Config) error {
	existing := s.markers[s.episodes[target].ID]
	if intro != nil {
		res.IntroSource = s.episodes[intro.idx].ID
		if !eligible(target, intro.idx, existing, markers.IntroKinds, cfg) {
			intro = nil
		}
	}
	if credits != nil {
		res.CreditsSource = s.episodes[credits.idx].ID
		if !eligible(target, credits.idx, existing, markers.CreditsKinds, cfg) {
			credits = nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Backfill runs after the media-info queue probed the episode
	e.write(ctx, res, s, target, intro, credits, false)
	return nil
}

// eligible applies the direction rule: episodes before the pivot only receive
// markers of a kind they have none of; episodes after it also accept
// overwriting markers that are overwritable.
func eligible(idx, pivot int, existing []markers.Marker, kinds []markers.Kind, cfg Config) bool {
	if len(markers.Filter(existing, kinds...)) == 0 {
		return true
	}
	if idx < pivot {
		return false
	}
	return markers.Overwritable(existing, kinds, cfg.ResetAndOverwrite)
}

// requestUnprobed sends target for probing when it has no media info yet and
// reports whether it did. A probed episode without a runtime is not requeued.
func (e *Engine) requestUnprobed(ctx context.Context, target markers.Item) bool {
	_, requester, _ := e.snapshot()
	if requester == nil || e.media == nil {
		return false
	}
	has, err := e.media.HasMediaInfo(ctx, target.ID)
	if err != nil {
		log.Warn().Err(err).Str("item_id", target.ID).Msg("Failed to check media info")
		return false
	}
	if has {
		return false
	}
	requester.RequestMediaInfo(target)
	return true
}

func (e *Engine) write(ctx context.Context, res *Result, s *season, idx int, intro *introSource, credits *creditsSource, checkMedia bool) {
	target := s.episodes[idx]
	if intro == nil && credits == nil {
		res.record(target, OutcomeSkipped, "not eligible")
		return
	}

	if checkMedia && e.media != nil {
		_, requester, _ := e.snapshot()
		has, err := e.media.HasMediaInfo(ctx, target.ID)
		if err != nil {
			log.Warn().Err(err).Str("item_id", target.ID).Msg("Failed to check media info, skipping episode")
			res.record(target, OutcomeFailed, "media info check failed")
			return
		}
		if !has {
			if requester != nil {
				requester.RequestMediaInfo(target)
			}
			res.record(target, OutcomeQueued, "missing media info")
			return
		}
	}

	existing := s.markers[target.ID]
	updated := existing
	var reasons []string
	if intro != nil {
		if target.Runtime > 0 && intro.end >= target.Runtime {
			reasons = append(reasons, "intro exceeds runtime")
		} else {
			updated = markers.Replace(updated, markers.IntroKinds, markers.Intro(intro.start, intro.end)...)
		}
	}
	if credits != nil {
		start := target.Runtime - credits.offset
		switch {
		case target.Runtime <= 0 && !checkMedia && e.requestUnprobed(ctx, target):
			reasons = append(reasons, "missing media info")
		case target.Runtime <= 0 || start <= 0:
			reasons = append(reasons, "credits offset not positive")
		default:
			updated = markers.Replace(updated, markers.CreditsKinds, markers.Credits(start))
		}
	}

	if markers.Equal(existing, updated) {
		reason := "unchanged"
		if len(reasons) > 0 {
			reason = reasons[0]
		}
		res.record(target, OutcomeSkipped, reason)
		return
	}

	if err := e.store.ReplaceMarkers(ctx, target.ID, updated, markers.SourcePropagation); err != nil {
		log.Error().Err(err).Str("item_id", target.ID).Str("season", s.key).Msg("Failed to write propagated markers")
		res.record(target, OutcomeFailed, err.Error())
		return
	}
	s.markers[target.ID] = updated

	log.Debug().
		Str("item_id", target.ID).
		Int("index", target.Index).
		Str("season", s.key).
		Msg("Propagated markers")
	res.record(target, OutcomeUpdated, "")
}

func (e *Engine) finish(res Result, err error) {
	_, _, events := e.snapshot()

	evt := log.Info()
	if err != nil {
		evt = log.Warn().Err(err)
	}
	evt.Str("item_id", res.ItemID).
		Str("season", res.SeasonKey).
		Int("updated", res.Updated).
		Int("skipped", res.Skipped).
		Int("queued", res.Queued).
		Int("failed", res.Failed).
		Msg("Marker propagation completed")

	if events != nil {
		events.Broadcast(sse.Event{Type: sse.EventPropagationCompleted, Data: res})
	}
}
