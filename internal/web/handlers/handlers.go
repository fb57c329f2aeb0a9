package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/markerplow/internal/backfill"
	"github.com/saltyorg/markerplow/internal/database"
	"github.com/saltyorg/markerplow/internal/inotify"
	"github.com/saltyorg/markerplow/internal/markers"
	"github.com/saltyorg/markerplow/internal/playback"
	"github.com/saltyorg/markerplow/internal/propagation"
	"github.com/saltyorg/markerplow/internal/queue"
)

// Monitor receives playback events
type Monitor interface {
	HandleEvent(ev playback.Event)
	Sessions() []playback.SessionInfo
}

// Pipeline is the throttled task pipeline
type Pipeline interface {
	Enqueue(name queue.Name, item markers.Item) error
	UpdateConcurrencyBudget(n int)
	Status() queue.Status
}

// Propagator copies markers across a season
type Propagator interface {
	PropagateToSeason(ctx context.Context, episodeID string) (propagation.Result, error)
}

// Library reads and writes items and their markers
type Library interface {
	GetItem(ctx context.Context, id string) (*markers.Item, error)
	UpsertItem(ctx context.Context, item markers.Item) error
	GetMarkers(ctx context.Context, itemID string, kinds ...markers.Kind) ([]markers.Marker, error)
	ReplaceMarkers(ctx context.Context, itemID string, set []markers.Marker, source markers.Source) error
	MarkerHistory(ctx context.Context, itemID string, limit int) ([]database.MarkerHistoryEntry, error)
}

// SettingsStore reads and writes runtime settings
type SettingsStore interface {
	GetAllSettings(ctx context.Context) (map[string]string, error)
	SetSettingJSON(key string, v any) error
}

// Sweeper runs the backfill sweep
type Sweeper interface {
	Run(ctx context.Context, triggeredBy string) (backfill.RunResult, error)
	Status() backfill.Status
}

// WatcherStats reports library watcher state
type WatcherStats interface {
	Stats() inotify.WatcherStats
}

// StreamClients reports connected SSE clients
type StreamClients interface {
	ClientCount() int
}

// ApplyFunc reloads every component's settings from the store
type ApplyFunc func(ctx context.Context) error

// Deps are the collaborators the HTTP handlers call into.
// Sweeper, Watcher and Stream are optional.
type Deps struct {
	Monitor    Monitor
	Pipeline   Pipeline
	Propagator Propagator
	Library    Library
	Settings   SettingsStore
	Apply      ApplyFunc
	Sweeper    Sweeper
	Watcher    WatcherStats
	Stream     StreamClients
}

// VersionInfo holds application version information
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Handlers contains all HTTP handlers
type Handlers struct {
	deps     Deps
	upgrader websocket.Upgrader

	// wsPing is how often websocket clients are pinged
	wsPing time.Duration

	versionMu   sync.RWMutex
	versionInfo VersionInfo
	startedAt   time.Time
}

// New creates a new Handlers instance
func New(deps Deps) *Handlers {
	return &Handlers{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Callers authenticate with the API key, not cookies
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		wsPing:    30 * time.Second,
		startedAt: time.Now(),
	}
}

// SetVersionInfo sets the version reported by the status endpoint
func (h *Handlers) SetVersionInfo(version, commit, date string) {
	h.versionMu.Lock()
	h.versionInfo = VersionInfo{Version: version, Commit: commit, Date: date}
	h.versionMu.Unlock()
}

// SetWebsocketPing sets how often playback websocket clients are pinged
func (h *Handlers) SetWebsocketPing(d time.Duration) {
	if d > 0 {
		h.wsPing = d
	}
}

// getVersionInfo returns a copy of the version info (thread-safe)
func (h *Handlers) getVersionInfo() VersionInfo {
	h.versionMu.RLock()
	defer h.versionMu.RUnlock()
	return h.versionInfo
}

// Healthz reports liveness
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON sends v as a JSON response
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

// jsonError sends a JSON error response
func (h *Handlers) jsonError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// jsonSuccess sends a JSON success response
func (h *Handlers) jsonSuccess(w http.ResponseWriter, message string) {
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": message})
}

// decodeJSON reads a JSON request body into v, rejecting bodies over 1 MiB
func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.jsonError(w, "Invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}
