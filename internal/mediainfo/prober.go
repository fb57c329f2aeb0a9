package mediainfo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/markerplow/internal/config"
	"github.com/saltyorg/markerplow/internal/markers"
)

// Cache persists probe documents keyed by item id
type Cache interface {
	GetMediaInfo(ctx context.Context, itemID string) ([]byte, bool, error)
	HasMediaInfo(ctx context.Context, itemID string) (bool, error)
	PutMediaInfo(ctx context.Context, itemID string, data []byte, overwrite bool) (bool, error)
}

// Config holds probe settings
type Config struct {
	FFprobePath string        `json:"ffprobe_path"`
	Timeout     time.Duration `json:"timeout"`
}

// DefaultConfig returns the default probe settings
func DefaultConfig() Config {
	return Config{
		FFprobePath: "ffprobe",
		Timeout:     config.DefaultTimeoutConfig().ProbeOperation,
	}
}

// LoadConfigFromDB reads probe settings through the loader
func LoadConfigFromDB(loader *config.Loader, timeouts config.TimeoutConfig) Config {
	return Config{
		FFprobePath: loader.String("mediainfo.ffprobe_path", "ffprobe"),
		Timeout:     timeouts.ProbeOperation,
	}
}

// Prober runs ffprobe against library items and keeps results in a Cache
type Prober struct {
	cfg   Config
	cache Cache
	run   func(ctx context.Context, binary, path string) ([]byte, error)
	now   func() time.Time
}

// NewProber creates a prober backed by cache
func NewProber(cfg Config, cache Cache) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Prober{cfg: cfg, cache: cache, run: runFFprobe, now: time.Now}
}

// HasMediaInfo reports whether a probe result is cached for the item
func (p *Prober) HasMediaInfo(ctx context.Context, item markers.Item) (bool, error) {
	return p.cache.HasMediaInfo(ctx, item.ID)
}

// Probe runs ffprobe for the item
func (p *Prober) Probe(ctx context.Context, item markers.Item) (*Info, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := p.now()
	data, err := p.run(ctx, p.cfg.FFprobePath, item.Path)
	if err != nil {
		return nil, err
	}
	info, err := parseProbe(data)
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", item.ID, err)
	}
	info.ItemID = item.ID
	if info.Path == "" {
		info.Path = item.Path
	}
	info.ProbedAt = p.now()

	log.Debug().
		Str("item_id", item.ID).
		Str("path", item.Path).
		Dur("duration", info.Duration).
		Int("streams", len(info.Streams)).
		Dur("took", info.ProbedAt.Sub(start)).
		Msg("Probed media")
	return info, nil
}

// DeserializeCached loads a cached probe result. A corrupt document is
// reported as a cache miss so the item is probed again.
func (p *Prober) DeserializeCached(ctx context.Context, item markers.Item) (*Info, bool, error) {
	data, ok, err := p.cache.GetMediaInfo(ctx, item.ID)
	if err != nil || !ok {
		return nil, false, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		log.Warn().Err(err).Str("item_id", item.ID).Msg("Discarding unreadable cached media info")
		return nil, false, nil
	}
	return &info, true, nil
}

// SerializeToCache stores info for the item. Reports whether anything was written.
func (p *Prober) SerializeToCache(ctx context.Context, item markers.Item, info *Info, overwrite bool) (bool, error) {
	if info == nil {
		return false, nil
	}
	data, err := json.Marshal(info)
	if err != nil {
		return false, fmt.Errorf("failed to encode media info for %s: %w", item.ID, err)
	}
	return p.cache.PutMediaInfo(ctx, item.ID, data, overwrite)
}
