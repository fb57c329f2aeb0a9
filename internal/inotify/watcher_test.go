package inotify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/saltyorg/markerplow/internal/markers"
	"github.com/saltyorg/markerplow/internal/queue"
)

type fakeIndex map[string]markers.Item

func (f fakeIndex) GetItemByPath(ctx context.Context, path string) (*markers.Item, error) {
	item, ok := f[path]
	if !ok {
		return nil, markers.ErrItemNotFound
	}
	return &item, nil
}

type enqueued struct {
	name queue.Name
	item markers.Item
}

type fakeEnqueuer chan enqueued

func (f fakeEnqueuer) Enqueue(name queue.Name, item markers.Item) error {
	f <- enqueued{name: name, item: item}
	return nil
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func newTestWatcher(t *testing.T, index fakeIndex) (*Watcher, *clockwork.FakeClock, fakeEnqueuer, string) {
	t.Helper()
	root := t.TempDir()
	clock := clockwork.NewFakeClock()
	enq := make(fakeEnqueuer, 8)
	w := New(Config{Enabled: true, Debounce: 10 * time.Second, Roots: []string{root}}, index, enq, clock)
	w.paths = []string{root}
	return w, clock, enq, root
}

func waitEnqueued(t *testing.T, enq fakeEnqueuer) enqueued {
	t.Helper()
	select {
	case e := <-enq:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("expected an item to be enqueued")
	}
	return enqueued{}
}

func TestWatcherDebouncesVideoEvents(t *testing.T) {
	index := fakeIndex{}
	w, clock, enq, root := newTestWatcher(t, index)
	video := filepath.Join(root, "Show.S01E01.mkv")
	touch(t, video)
	index[video] = markers.Item{ID: "e1", Path: video}

	w.handleEvent(fsnotify.Event{Name: video, Op: fsnotify.Create})
	w.handleEvent(fsnotify.Event{Name: video, Op: fsnotify.Write})
	if n := w.Stats().PendingCount; n != 1 {
		t.Fatalf("expected 1 pending event, got %d", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("expected debounce timer: %v", err)
	}
	select {
	case e := <-enq:
		t.Fatalf("expected nothing before the debounce elapsed, got %v", e)
	default:
	}

	clock.Advance(10 * time.Second)
	got := waitEnqueued(t, enq)
	if got.name != queue.MediaInfo || got.item.ID != "e1" {
		t.Fatalf("expected e1 on %s, got %s on %s", queue.MediaInfo, got.item.ID, got.name)
	}
}

func TestWatcherSidecarEnqueuesVideo(t *testing.T) {
	index := fakeIndex{}
	w, clock, enq, root := newTestWatcher(t, index)
	video := filepath.Join(root, "Show.S01E02.mkv")
	sub := filepath.Join(root, "Show.S01E02.en.srt")
	touch(t, video)
	touch(t, sub)
	index[video] = markers.Item{ID: "e2", Path: video}

	w.handleEvent(fsnotify.Event{Name: sub, Op: fsnotify.Create})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("expected debounce timer: %v", err)
	}
	clock.Advance(10 * time.Second)
	if got := waitEnqueued(t, enq); got.item.ID != "e2" {
		t.Fatalf("expected e2, got %s", got.item.ID)
	}
}

func TestWatcherIgnoresUnrelatedEvents(t *testing.T) {
	w, _, _, root := newTestWatcher(t, fakeIndex{})
	outside := filepath.Join(t.TempDir(), "Other.mkv")

	tests := []fsnotify.Event{
		{Name: outside, Op: fsnotify.Create},
		{Name: filepath.Join(root, "notes.txt"), Op: fsnotify.Create},
		{Name: filepath.Join(root, "Show.mkv"), Op: fsnotify.Remove},
		{Name: filepath.Join(root, "Show.mkv"), Op: fsnotify.Chmod},
	}
	for _, ev := range tests {
		w.handleEvent(ev)
	}
	if n := w.Stats().PendingCount; n != 0 {
		t.Fatalf("expected no pending events, got %d", n)
	}
}

func TestVideosForSidecar(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"Show.S01E01.mkv", "Show.S01E01.nfo", "Show.S01E010.mkv", "Other.mp4"} {
		touch(t, filepath.Join(dir, name))
	}

	got := videosForSidecar(filepath.Join(dir, "Show.S01E01.forced.en.srt"))
	if len(got) != 1 || filepath.Base(got[0]) != "Show.S01E01.mkv" {
		t.Fatalf("expected [Show.S01E01.mkv], got %v", got)
	}
}

func TestIsUnderPath(t *testing.T) {
	tests := []struct {
		child, parent string
		want          bool
	}{
		{"/tv/Show/e1.mkv", "/tv", true},
		{"/tv", "/tv", true},
		{"/tvshows/e1.mkv", "/tv", false},
		{"/movies/m.mkv", "/tv", false},
		{"/tv/..hidden/e1.mkv", "/tv", true},
	}
	for _, tt := range tests {
		t.Run(tt.child, func(t *testing.T) {
			if got := isUnderPath(tt.child, tt.parent); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestWatcherStartStop(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "Show", "Season 01"), 0o755); err != nil {
		t.Fatalf("failed to create dirs: %v", err)
	}

	disabled := New(Config{Roots: []string{root}}, fakeIndex{}, make(fakeEnqueuer, 1), nil)
	if started, err := disabled.Start(); err != nil || started {
		t.Fatalf("expected disabled watcher not to start, got %v, %v", started, err)
	}

	w := New(Config{Enabled: true, Roots: []string{root}}, fakeIndex{}, make(fakeEnqueuer, 1), nil)
	started, err := w.Start()
	if err != nil || !started {
		t.Fatalf("expected watcher to start, got %v, %v", started, err)
	}
	if n := w.Stats().PathCount; n != 3 {
		t.Fatalf("expected 3 watched directories, got %d", n)
	}
	w.Stop()
	if w.IsRunning() {
		t.Fatal("expected watcher to be stopped")
	}
}
