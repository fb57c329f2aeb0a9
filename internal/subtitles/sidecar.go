// Package subtitles tracks external subtitle sidecar files next to library items.
package subtitles

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/markerplow/internal/markers"
)

var sidecarExtensions = []string{".srt", ".ass", ".ssa", ".vtt", ".sub", ".idx", ".sup"}

// StateStore persists the last seen sidecar fingerprint per item
type StateStore interface {
	GetSubtitleFingerprint(ctx context.Context, itemID string) (string, error)
	SetSubtitleFingerprint(ctx context.Context, itemID, fingerprint string) error
}

// Sidecar is one external subtitle file
type Sidecar struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time"`
}

// Sync detects added, removed or rewritten sidecars for an item
type Sync struct {
	store StateStore
}

// NewSync creates a sidecar sync backed by store
func NewSync(store StateStore) *Sync {
	return &Sync{store: store}
}

// IsSidecar reports whether path looks like an external subtitle file
func IsSidecar(path string) bool {
	return slices.Contains(sidecarExtensions, strings.ToLower(filepath.Ext(path)))
}

// Sidecars lists the subtitle files that belong to the video at path.
// A sidecar shares the video's base name, e.g. e1.mkv -> e1.en.srt.
func Sidecars(path string) ([]Sidecar, error) {
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var out []Sidecar
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !IsSidecar(name) || !strings.HasPrefix(name, base+".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Sidecar{Name: name, Size: info.Size(), ModTime: info.ModTime().UnixNano()})
	}
	slices.SortFunc(out, func(a, b Sidecar) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// Fingerprint hashes the sidecar set. An item without sidecars has an empty fingerprint.
func Fingerprint(sidecars []Sidecar) string {
	if len(sidecars) == 0 {
		return ""
	}
	h := xxhash.New()
	for _, s := range sidecars {
		_, _ = h.WriteString(s.Name)
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(strconv.FormatInt(s.Size, 10))
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(strconv.FormatInt(s.ModTime, 10))
		_, _ = h.WriteString("\n")
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// HasExternalChanged reports whether the sidecar set differs from the last sync
func (s *Sync) HasExternalChanged(ctx context.Context, item markers.Item) (bool, error) {
	sidecars, err := Sidecars(item.Path)
	if err != nil {
		return false, err
	}
	stored, err := s.store.GetSubtitleFingerprint(ctx, item.ID)
	if err != nil {
		return false, err
	}
	return Fingerprint(sidecars) != stored, nil
}

// Update records the current sidecar set as synced
func (s *Sync) Update(ctx context.Context, item markers.Item) (bool, error) {
	sidecars, err := Sidecars(item.Path)
	if err != nil {
		return false, err
	}
	if err := s.store.SetSubtitleFingerprint(ctx, item.ID, Fingerprint(sidecars)); err != nil {
		return false, err
	}
	log.Debug().Str("item_id", item.ID).Int("sidecars", len(sidecars)).Msg("Subtitle sidecars synced")
	return true, nil
}
