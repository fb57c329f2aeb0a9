// Package markers defines intro/credits chapter markers and the storage and library
// capabilities the detection pipeline depends on.
package markers

import (
	"context"
	"errors"
	"time"
)

// ErrItemNotFound indicates the library has no item with the requested id.
var ErrItemNotFound = errors.New("library item not found")

// ErrInvalidMarkers indicates a marker set violates the one-per-kind or ordering rules.
var ErrInvalidMarkers = errors.New("invalid marker set")

// Kind identifies which boundary a marker describes
type Kind string

const (
	KindIntroStart   Kind = "intro_start"
	KindIntroEnd     Kind = "intro_end"
	KindCreditsStart Kind = "credits_start"
)

// IntroKinds are the kinds written together by an intro update.
var IntroKinds = []Kind{KindIntroStart, KindIntroEnd}

// CreditsKinds are the kinds written by a credits update.
var CreditsKinds = []Kind{KindCreditsStart}

// AllKinds lists every marker kind in display order.
var AllKinds = []Kind{KindIntroStart, KindIntroEnd, KindCreditsStart}

// Valid reports whether k is a known marker kind
func (k Kind) Valid() bool {
	switch k {
	case KindIntroStart, KindIntroEnd, KindCreditsStart:
		return true
	}
	return false
}

func (k Kind) order() int {
	switch k {
	case KindIntroStart:
		return 0
	case KindIntroEnd:
		return 1
	case KindCreditsStart:
		return 2
	}
	return 3
}

// Origin records who produced a marker
type Origin string

const (
	// OriginSystem markers were written by this pipeline (detection or propagation).
	OriginSystem Origin = "system"
	// OriginExternal markers were set by a user or another tool.
	OriginExternal Origin = "external"
)

// Source labels the writer of a marker update in the history table
type Source string

const (
	SourcePlayback    Source = "playback"
	SourcePropagation Source = "propagation"
	SourceBackfill    Source = "backfill"
	SourceAPI         Source = "api"
)

// Marker is a named position offset within a video
type Marker struct {
	Kind     Kind
	Position time.Duration
	Origin   Origin
}

// Item is a library item. Episodes carry a non-empty SeasonKey and an Index within
// that season; other items (movies, extras) leave both zero.
type Item struct {
	ID         string
	Path       string
	SeasonKey  string
	SeriesName string
	Index      int
	Runtime    time.Duration
}

// IsEpisode reports whether the item belongs to a season
func (i *Item) IsEpisode() bool {
	return i != nil && i.SeasonKey != ""
}

// Store reads and writes chapter-style markers for library items.
// ReplaceMarkers replaces the whole marker set of the item.
type Store interface {
	GetMarkers(ctx context.Context, itemID string, kinds ...Kind) ([]Marker, error)
	ReplaceMarkers(ctx context.Context, itemID string, markers []Marker, source Source) error
}

// Library looks up items and their season siblings.
// SeasonEpisodes returns the episodes of a season ordered by index.
type Library interface {
	GetItem(ctx context.Context, id string) (*Item, error)
	SeasonEpisodes(ctx context.Context, seasonKey string) ([]Item, error)
}
