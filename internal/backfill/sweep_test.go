package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/saltyorg/markerplow/internal/markers"
	"github.com/saltyorg/markerplow/internal/queue"
)

type fakeSource struct {
	items     []markers.Item
	listErr   error
	pruned    int64
	retention time.Duration
	limit     int
}

func (f *fakeSource) EpisodesMissingMarkers(ctx context.Context, limit int) ([]markers.Item, error) {
	f.limit = limit
	return f.items, f.listErr
}

func (f *fakeSource) PruneHistory(ctx context.Context, retention time.Duration) (int64, error) {
	f.retention = retention
	return f.pruned, nil
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	items []markers.Item
	names []queue.Name
	fail  map[string]bool
}

func (f *fakeEnqueuer) Enqueue(name queue.Name, item markers.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[item.ID] {
		return queue.ErrStopped
	}
	f.items = append(f.items, item)
	f.names = append(f.names, name)
	return nil
}

func TestRunQueuesMissingEpisodes(t *testing.T) {
	src := &fakeSource{
		items:  []markers.Item{{ID: "e1"}, {ID: "e2"}, {ID: "e3"}},
		pruned: 4,
	}
	enq := &fakeEnqueuer{fail: map[string]bool{"e2": true}}
	s := NewSweeper(src, enq, DefaultConfig())

	res, err := s.Run(context.Background(), "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Found != 3 || res.Queued != 2 {
		t.Fatalf("expected 3 found and 2 queued, got %d and %d", res.Found, res.Queued)
	}
	for _, name := range enq.names {
		if name != queue.IntroSkip {
			t.Fatalf("expected %s queue, got %s", queue.IntroSkip, name)
		}
	}
	if res.HistoryPruned != 4 {
		t.Fatalf("expected 4 pruned rows, got %d", res.HistoryPruned)
	}
	if src.limit != 500 {
		t.Fatalf("expected limit 500, got %d", src.limit)
	}
	if src.retention != 30*24*time.Hour {
		t.Fatalf("expected 30 day retention, got %s", src.retention)
	}

	status := s.Status()
	if status.LastRun == nil || status.LastRun.Queued != 2 {
		t.Fatalf("expected last run in status, got %+v", status.LastRun)
	}
}

func TestRunSkipsPruneWithoutRetention(t *testing.T) {
	src := &fakeSource{}
	cfg := DefaultConfig()
	cfg.HistoryRetention = 0
	s := NewSweeper(src, &fakeEnqueuer{}, cfg)

	if _, err := s.Run(context.Background(), "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.retention != 0 {
		t.Fatalf("expected prune to be skipped, got retention %s", src.retention)
	}
}

func TestRunReportsListFailure(t *testing.T) {
	src := &fakeSource{listErr: errors.New("database locked")}
	s := NewSweeper(src, &fakeEnqueuer{}, DefaultConfig())

	res, err := s.Run(context.Background(), "test")
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Error == "" {
		t.Fatal("expected error in result")
	}
}

func TestUpdateConfigSchedules(t *testing.T) {
	s := NewSweeper(&fakeSource{}, &fakeEnqueuer{}, DefaultConfig())
	if err := s.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Stop()

	if s.Status().NextRun != nil {
		t.Fatal("expected no schedule while disabled")
	}

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Schedule = "0 3 * * *"
	if err := s.UpdateConfig(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.cronEntryID == 0 {
		t.Fatal("expected a cron entry")
	}

	cfg.Schedule = "not a schedule"
	if err := s.UpdateConfig(cfg); err == nil {
		t.Fatal("expected invalid schedule error")
	}

	cfg.Schedule = "@hourly"
	cfg.Enabled = false
	if err := s.UpdateConfig(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.cronEntryID != 0 {
		t.Fatal("expected schedule to be removed when disabled")
	}
}
