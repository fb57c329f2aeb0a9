package propagation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/saltyorg/markerplow/internal/markers"
)

type fakeStore struct {
	mu      sync.Mutex
	markers map[string][]markers.Marker
	writes  map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{markers: make(map[string][]markers.Marker), writes: make(map[string]int)}
}

func (s *fakeStore) GetMarkers(_ context.Context, itemID string, kinds ...markers.Kind) ([]markers.Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := append([]markers.Marker(nil), s.markers[itemID]...)
	if len(kinds) > 0 {
		ms = markers.Filter(ms, kinds...)
	}
	return ms, nil
}

func (s *fakeStore) ReplaceMarkers(_ context.Context, itemID string, ms []markers.Marker, _ markers.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[itemID] = append([]markers.Marker(nil), ms...)
	s.writes[itemID]++
	return nil
}

func (s *fakeStore) get(itemID string) []markers.Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markers[itemID]
}

type fakeLibrary struct {
	items []markers.Item
}

func (l *fakeLibrary) GetItem(_ context.Context, id string) (*markers.Item, error) {
	for i := range l.items {
		if l.items[i].ID == id {
			item := l.items[i]
			return &item, nil
		}
	}
	return nil, markers.ErrItemNotFound
}

func (l *fakeLibrary) SeasonEpisodes(_ context.Context, seasonKey string) ([]markers.Item, error) {
	var out []markers.Item
	for _, item := range l.items {
		if item.SeasonKey == seasonKey {
			out = append(out, item)
		}
	}
	return out, nil
}

type fakeMedia struct {
	missing map[string]bool
}

func (m *fakeMedia) HasMediaInfo(_ context.Context, itemID string) (bool, error) {
	return !m.missing[itemID], nil
}

type fakeRequester struct {
	requested []string
}

func (r *fakeRequester) RequestMediaInfo(item markers.Item) {
	r.requested = append(r.requested, item.ID)
}

func newSeason(count int, runtime time.Duration) *fakeLibrary {
	lib := &fakeLibrary{}
	for i := 1; i <= count; i++ {
		lib.items = append(lib.items, markers.Item{
			ID:        fmt.Sprintf("e%d", i),
			Path:      fmt.Sprintf("/tv/Show/Season 01/e%d.mkv", i),
			SeasonKey: "show-s01",
			Index:     i,
			Runtime:   runtime,
		})
	}
	return lib
}

func external(start, end time.Duration) []markers.Marker {
	return []markers.Marker{
		{Kind: markers.KindIntroStart, Position: start, Origin: markers.OriginExternal},
		{Kind: markers.KindIntroEnd, Position: end, Origin: markers.OriginExternal},
	}
}

func assertIntro(t *testing.T, store *fakeStore, id string, start, end time.Duration) {
	t.Helper()
	gotStart, gotEnd, ok := markers.IntroRange(store.get(id))
	if !ok || gotStart != start || gotEnd != end {
		t.Fatalf("expected %s intro %s-%s, got %s-%s (ok=%v)", id, start, end, gotStart, gotEnd, ok)
	}
}

func TestPropagateToSeason_DirectionAsymmetry(t *testing.T) {
	store := newFakeStore()
	store.markers["e1"] = external(5*time.Second, 80*time.Second)
	store.markers["e3"] = markers.Intro(10*time.Second, 90*time.Second)
	store.markers["e4"] = markers.Intro(20*time.Second, 70*time.Second)

	engine := NewEngine(store, newSeason(5, 1400*time.Second), &fakeMedia{}, DefaultConfig())

	res, err := engine.PropagateToSeason(context.Background(), "e3")
	if err != nil {
		t.Fatalf("expected propagation to succeed, got %v", err)
	}

	assertIntro(t, store, "e1", 5*time.Second, 80*time.Second)
	assertIntro(t, store, "e2", 10*time.Second, 90*time.Second)
	assertIntro(t, store, "e4", 10*time.Second, 90*time.Second)
	assertIntro(t, store, "e5", 10*time.Second, 90*time.Second)

	if store.writes["e1"] != 0 {
		t.Fatalf("expected external markers on e1 to be left alone, got %d writes", store.writes["e1"])
	}
	if res.Updated != 3 || res.Skipped != 1 {
		t.Fatalf("expected 3 updated and 1 skipped, got %+v", res)
	}
	if res.IntroSource != "e3" {
		t.Fatalf("expected intro source e3, got %q", res.IntroSource)
	}
}

func TestPropagateToSeason_PriorSystemMarkersKept(t *testing.T) {
	store := newFakeStore()
	store.markers["e1"] = markers.Intro(5*time.Second, 80*time.Second)
	store.markers["e2"] = markers.Intro(10*time.Second, 90*time.Second)

	engine := NewEngine(store, newSeason(2, 1400*time.Second), &fakeMedia{}, DefaultConfig())
	if _, err := engine.PropagateToSeason(context.Background(), "e2"); err != nil {
		t.Fatalf("expected propagation to succeed, got %v", err)
	}

	assertIntro(t, store, "e1", 5*time.Second, 80*time.Second)
}

func TestPropagateToSeason_ResetAndOverwrite(t *testing.T) {
	store := newFakeStore()
	store.markers["e1"] = external(5*time.Second, 80*time.Second)
	store.markers["e2"] = markers.Intro(10*time.Second, 90*time.Second)
	store.markers["e3"] = external(15*time.Second, 95*time.Second)

	engine := NewEngine(store, newSeason(3, 1400*time.Second), &fakeMedia{}, Config{ResetAndOverwrite: true})
	if _, err := engine.PropagateToSeason(context.Background(), "e2"); err != nil {
		t.Fatalf("expected propagation to succeed, got %v", err)
	}

	assertIntro(t, store, "e1", 5*time.Second, 80*time.Second)
	assertIntro(t, store, "e3", 10*time.Second, 90*time.Second)
}

func TestPropagateToSeason_CreditsProportional(t *testing.T) {
	lib := newSeason(3, 1500*time.Second)
	lib.items[1].Runtime = 1200 * time.Second
	lib.items[2].Runtime = 80 * time.Second

	store := newFakeStore()
	store.markers["e1"] = []markers.Marker{markers.Credits(1400 * time.Second)}

	engine := NewEngine(store, lib, &fakeMedia{}, DefaultConfig())
	res, err := engine.PropagateToSeason(context.Background(), "e1")
	if err != nil {
		t.Fatalf("expected propagation to succeed, got %v", err)
	}

	credits, ok := markers.CreditsStart(store.get("e2"))
	if !ok || credits != 1100*time.Second {
		t.Fatalf("expected e2 credits at 1100s, got %s (ok=%v)", credits, ok)
	}
	if _, ok := markers.CreditsStart(store.get("e3")); ok {
		t.Fatal("expected e3 to be skipped for a non-positive credits start")
	}
	if res.Updated != 1 || res.Skipped != 1 {
		t.Fatalf("expected 1 updated and 1 skipped, got %+v", res)
	}
}

func TestPropagateToSeason_SourceFromEarlierEpisode(t *testing.T) {
	store := newFakeStore()
	store.markers["e1"] = markers.Intro(10*time.Second, 90*time.Second)
	store.markers["e3"] = []markers.Marker{markers.Credits(1300 * time.Second)}

	engine := NewEngine(store, newSeason(4, 1400*time.Second), &fakeMedia{}, DefaultConfig())
	res, err := engine.PropagateToSeason(context.Background(), "e3")
	if err != nil {
		t.Fatalf("expected propagation to succeed, got %v", err)
	}

	if res.IntroSource != "e1" || res.CreditsSource != "e3" {
		t.Fatalf("expected sources e1/e3, got %q/%q", res.IntroSource, res.CreditsSource)
	}
	assertIntro(t, store, "e3", 10*time.Second, 90*time.Second)
	assertIntro(t, store, "e4", 10*time.Second, 90*time.Second)
	if credits, _ := markers.CreditsStart(store.get("e1")); credits != 1300*time.Second {
		t.Fatalf("expected e1 credits backfilled to 1300s, got %s", credits)
	}
}

func TestPropagateToSeason_QueuesMissingMediaInfo(t *testing.T) {
	store := newFakeStore()
	store.markers["e1"] = markers.Intro(10*time.Second, 90*time.Second)

	requester := &fakeRequester{}
	engine := NewEngine(store, newSeason(3, 1400*time.Second), &fakeMedia{missing: map[string]bool{"e2": true}}, DefaultConfig())
	engine.SetRequester(requester)

	res, err := engine.PropagateToSeason(context.Background(), "e1")
	if err != nil {
		t.Fatalf("expected propagation to succeed, got %v", err)
	}

	if len(requester.requested) != 1 || requester.requested[0] != "e2" {
		t.Fatalf("expected e2 to be queued for probing, got %v", requester.requested)
	}
	if store.writes["e2"] != 0 {
		t.Fatal("expected e2 to be excluded from this pass")
	}
	if res.Queued != 1 || res.Updated != 1 {
		t.Fatalf("expected 1 queued and 1 updated, got %+v", res)
	}
}

func TestPropagateToSeason_NoSource(t *testing.T) {
	engine := NewEngine(newFakeStore(), newSeason(3, 1400*time.Second), &fakeMedia{}, DefaultConfig())

	_, err := engine.PropagateToSeason(context.Background(), "e2")
	if !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}
}

func TestPropagateToSeason_NotEpisode(t *testing.T) {
	lib := &fakeLibrary{items: []markers.Item{{ID: "movie", Path: "/movies/m.mkv"}}}
	engine := NewEngine(newFakeStore(), lib, &fakeMedia{}, DefaultConfig())

	_, err := engine.PropagateToSeason(context.Background(), "movie")
	if !errors.Is(err, ErrNotEpisode) {
		t.Fatalf("expected ErrNotEpisode, got %v", err)
	}
}

func TestBackfill_PrefersPriorEpisode(t *testing.T) {
	store := newFakeStore()
	store.markers["e1"] = markers.Intro(10*time.Second, 90*time.Second)
	store.markers["e3"] = markers.Intro(20*time.Second, 100*time.Second)

	engine := NewEngine(store, newSeason(3, 1400*time.Second), &fakeMedia{}, DefaultConfig())
	res, err := engine.Backfill(context.Background(), "e2")
	if err != nil {
		t.Fatalf("expected backfill to succeed, got %v", err)
	}

	assertIntro(t, store, "e2", 10*time.Second, 90*time.Second)
	if res.IntroSource != "e1" {
		t.Fatalf("expected intro source e1, got %q", res.IntroSource)
	}
}

func TestBackfill_FallsBackToFollowingEpisode(t *testing.T) {
	store := newFakeStore()
	store.markers["e3"] = markers.Intro(20*time.Second, 100*time.Second)

	engine := NewEngine(store, newSeason(3, 1400*time.Second), &fakeMedia{}, DefaultConfig())
	if _, err := engine.Backfill(context.Background(), "e1"); err != nil {
		t.Fatalf("expected backfill to succeed, got %v", err)
	}

	assertIntro(t, store, "e1", 20*time.Second, 100*time.Second)
	if store.writes["e2"] != 0 {
		t.Fatal("expected backfill to touch only the requested episode")
	}
}

func TestBackfill_SkipsCompleteEpisode(t *testing.T) {
	store := newFakeStore()
	store.markers["e1"] = markers.Intro(10*time.Second, 90*time.Second)
	store.markers["e2"] = append(markers.Intro(5*time.Second, 85*time.Second), markers.Credits(1300*time.Second))

	engine := NewEngine(store, newSeason(2, 1400*time.Second), &fakeMedia{}, DefaultConfig())
	res, err := engine.Backfill(context.Background(), "e2")
	if err != nil {
		t.Fatalf("expected backfill to succeed, got %v", err)
	}
	if res.Skipped != 1 || store.writes["e2"] != 0 {
		t.Fatalf("expected e2 to be skipped, got %+v", res)
	}
}

func TestBackfill_RequestsMediaInfoForMissingRuntime(t *testing.T) {
	tests := []struct {
		name          string
		probed        bool
		wantRequested int
	}{
		{"unprobed episode is queued", false, 1},
		{"probed episode is not requeued", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib := newSeason(2, 1400*time.Second)
			lib.items[1].Runtime = 0

			store := newFakeStore()
			store.markers["e1"] = append(markers.Intro(10*time.Second, 90*time.Second), markers.Credits(1300*time.Second))

			requester := &fakeRequester{}
			media := &fakeMedia{missing: map[string]bool{"e2": !tt.probed}}
			engine := NewEngine(store, lib, media, DefaultConfig())
			engine.SetRequester(requester)

			if _, err := engine.Backfill(context.Background(), "e2"); err != nil {
				t.Fatalf("expected backfill to succeed, got %v", err)
			}

			if len(requester.requested) != tt.wantRequested {
				t.Fatalf("expected %d media info requests, got %v", tt.wantRequested, requester.requested)
			}
			assertIntro(t, store, "e2", 10*time.Second, 90*time.Second)
			if _, ok := markers.CreditsStart(store.get("e2")); ok {
				t.Fatal("expected credits to wait for a runtime")
			}
		})
	}
}
