// Package inotify watches library roots and schedules new or changed media for probing.
package inotify

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/markerplow/internal/config"
	"github.com/saltyorg/markerplow/internal/markers"
	"github.com/saltyorg/markerplow/internal/queue"
	"github.com/saltyorg/markerplow/internal/subtitles"
)

var videoExtensions = []string{".mkv", ".mp4", ".m4v", ".avi", ".mov", ".ts", ".m2ts", ".wmv", ".webm"}

// IsVideo reports whether path has a video file extension
func IsVideo(path string) bool {
	return slices.Contains(videoExtensions, strings.ToLower(filepath.Ext(path)))
}

// ItemIndex resolves file paths to library items
type ItemIndex interface {
	GetItemByPath(ctx context.Context, path string) (*markers.Item, error)
}

// Enqueuer accepts items for a task queue
type Enqueuer interface {
	Enqueue(name queue.Name, item markers.Item) error
}

// Config holds watcher settings
type Config struct {
	Enabled  bool          `json:"enabled"`
	Debounce time.Duration `json:"debounce"`
	Roots    []string      `json:"roots"`
}

// DefaultConfig returns the default watcher settings
func DefaultConfig() Config {
	return Config{Debounce: 10 * time.Second}
}

// LoadConfigFromDB reads watcher settings. The watched roots are the in-scope library paths.
func LoadConfigFromDB(loader *config.Loader) Config {
	return Config{
		Enabled:  loader.Bool("watch.enabled", false),
		Debounce: loader.DurationSeconds("watch.debounce_seconds", 10),
		Roots:    loader.Strings("scope.library_paths"),
	}
}

// Watcher watches library roots and enqueues media-info work for changed files
type Watcher struct {
	items ItemIndex
	queue Enqueuer
	clock clockwork.Clock

	mu      sync.RWMutex
	cfg     Config
	watcher *fsnotify.Watcher
	paths   []string
	running bool

	// Debounce tracking
	pending   map[string]clockwork.Timer
	pendingMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher. It does not watch anything until Start.
func New(cfg Config, items ItemIndex, enq Enqueuer, clock clockwork.Clock) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Watcher{
		items:   items,
		queue:   enq,
		clock:   clock,
		cfg:     cfg,
		pending: make(map[string]clockwork.Timer),
	}
}

// Start begins watching the configured roots.
// Returns true if the watcher was started, false when disabled or without roots.
func (w *Watcher) Start() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return true, nil
	}
	if !w.cfg.Enabled || len(w.cfg.Roots) == 0 {
		return false, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	w.watcher = fsw
	w.paths = nil
	for _, root := range w.cfg.Roots {
		absPath, err := filepath.Abs(root)
		if err != nil {
			log.Error().Err(err).Str("path", root).Msg("Failed to get absolute path")
			continue
		}
		watched := w.addWatchRecursive(absPath)
		w.paths = append(w.paths, watched...)
		log.Debug().Str("path", absPath).Int("directories", len(watched)).Msg("Added recursive watch")
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true
	w.wg.Go(func() { w.eventLoop(ctx, fsw) })

	log.Info().Int("roots", len(w.cfg.Roots)).Int("directories", len(w.paths)).Msg("Library watcher started")
	return true, nil
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	fsw := w.watcher
	w.mu.Unlock()

	fsw.Close()
	w.wg.Wait()

	// Cancel any pending events
	w.pendingMu.Lock()
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = make(map[string]clockwork.Timer)
	w.pendingMu.Unlock()

	log.Info().Msg("Library watcher stopped")
}

// IsRunning returns whether the watcher is currently running
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Reload applies new settings, restarting the watches when they changed
func (w *Watcher) Reload(cfg Config) error {
	w.mu.Lock()
	same := w.cfg.Enabled == cfg.Enabled && slices.Equal(w.cfg.Roots, cfg.Roots)
	w.cfg = cfg
	running := w.running
	w.mu.Unlock()

	if same && running {
		return nil
	}
	w.Stop()
	_, err := w.Start()
	return err
}

// eventLoop processes filesystem events
func (w *Watcher) eventLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Library watcher error")
		}
	}
}

// handleEvent processes a single filesystem event
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.mu.Lock()
			if w.running && w.underRootLocked(event.Name) {
				watched := w.addWatchRecursive(event.Name)
				w.paths = append(w.paths, watched...)
				log.Debug().Str("path", event.Name).Int("directories", len(watched)).Msg("Added watch for new directory")
			}
			w.mu.Unlock()
			return
		}
	}

	w.mu.RLock()
	under := w.underRootLocked(event.Name)
	debounce := w.cfg.Debounce
	w.mu.RUnlock()
	if !under {
		return
	}
	if debounce < time.Second {
		debounce = 5 * time.Second
	}

	switch {
	case IsVideo(event.Name):
		w.scheduleEvent(event.Name, debounce)
	case subtitles.IsSidecar(event.Name):
		for _, video := range videosForSidecar(event.Name) {
			w.scheduleEvent(video, debounce)
		}
	}
}

func (w *Watcher) underRootLocked(path string) bool {
	for _, root := range w.paths {
		if isUnderPath(path, root) {
			return true
		}
	}
	return false
}

// scheduleEvent schedules a media-info request with debouncing
func (w *Watcher) scheduleEvent(path string, debounce time.Duration) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if existing, ok := w.pending[path]; ok {
		existing.Reset(debounce)
		return
	}

	w.pending[path] = w.clock.AfterFunc(debounce, func() {
		w.fire(path)
	})
	log.Debug().Str("path", path).Str("debounce", debounce.String()).Msg("Scheduled debounced media info request")
}

// fire enqueues the item stored for path after the debounce period
func (w *Watcher) fire(path string) {
	w.pendingMu.Lock()
	delete(w.pending, path)
	w.pendingMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	item, err := w.items.GetItemByPath(ctx, path)
	if errors.Is(err, markers.ErrItemNotFound) {
		log.Debug().Str("path", path).Msg("Changed file is not a registered item")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to resolve changed file")
		return
	}

	if err := w.queue.Enqueue(queue.MediaInfo, *item); err != nil {
		log.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to enqueue changed file")
		return
	}
	log.Info().Str("path", path).Str("item_id", item.ID).Msg("Library change queued for media info")
}

// videosForSidecar returns the video files a sidecar subtitle belongs to: those in the
// same directory whose base name prefixes the sidecar's.
func videosForSidecar(sidecar string) []string {
	dir := filepath.Dir(sidecar)
	base := filepath.Base(sidecar)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !IsVideo(e.Name()) {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if strings.HasPrefix(base, stem+".") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out
}

// isUnderPath checks if childPath is under or equal to parentPath
func isUnderPath(childPath, parentPath string) bool {
	rel, err := filepath.Rel(parentPath, childPath)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// addWatchRecursive adds watches to a directory and all its subdirectories.
// Returns a slice of all paths that were successfully watched.
func (w *Watcher) addWatchRecursive(rootPath string) []string {
	var watched []string

	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Debug().Err(err).Str("path", path).Msg("Error walking directory")
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			log.Debug().Err(err).Str("path", path).Msg("Failed to add watch for directory")
			return nil
		}
		watched = append(watched, path)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("path", rootPath).Msg("Failed to walk directory tree")
	}

	return watched
}

// Stats returns watcher statistics
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	w.pendingMu.Lock()
	pendingCount := len(w.pending)
	w.pendingMu.Unlock()

	return WatcherStats{
		Running:      w.running,
		RootCount:    len(w.cfg.Roots),
		PathCount:    len(w.paths),
		PendingCount: pendingCount,
	}
}

// WatcherStats holds watcher statistics
type WatcherStats struct {
	Running      bool `json:"running"`
	RootCount    int  `json:"root_count"`
	PathCount    int  `json:"path_count"`
	PendingCount int  `json:"pending_count"`
}
