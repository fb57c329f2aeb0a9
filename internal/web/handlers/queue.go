package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/markerplow/internal/backfill"
	"github.com/saltyorg/markerplow/internal/markers"
	"github.com/saltyorg/markerplow/internal/queue"
)

type enqueueRequest struct {
	ItemID string        `json:"item_id"`
	Item   *markers.Item `json:"item"`
}

// APIQueueEnqueue handles POST /api/queue/{queue}. The body names a stored
// item by id or carries a full item.
func (h *Handlers) APIQueueEnqueue(w http.ResponseWriter, r *http.Request) {
	name := queue.Name(chi.URLParam(r, "queue"))

	var req enqueueRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	var item markers.Item
	switch {
	case req.Item != nil:
		if err := ValidateItem(*req.Item); err != nil {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		item = *req.Item
	case req.ItemID != "":
		stored, err := h.deps.Library.GetItem(r.Context(), req.ItemID)
		if errors.Is(err, markers.ErrItemNotFound) {
			h.jsonError(w, "Item not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error().Err(err).Str("item_id", req.ItemID).Msg("Failed to load item")
			h.jsonError(w, "Failed to load item", http.StatusInternalServerError)
			return
		}
		item = *stored
	default:
		h.jsonError(w, "item_id or item is required", http.StatusBadRequest)
		return
	}

	err := h.deps.Pipeline.Enqueue(name, item)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "queue": name, "item_id": item.ID})
	case errors.Is(err, queue.ErrUnknownQueue):
		h.jsonError(w, "Unknown queue", http.StatusNotFound)
	case errors.Is(err, queue.ErrStopped):
		h.jsonError(w, "Queue is stopped", http.StatusServiceUnavailable)
	default:
		log.Error().Err(err).Str("queue", string(name)).Msg("Failed to enqueue item")
		h.jsonError(w, "Failed to enqueue item", http.StatusInternalServerError)
	}
}

type budgetRequest struct {
	MaxConcurrent int `json:"max_concurrent"`
}

// APIQueueBudget handles PUT /api/queue/budget
func (h *Handlers) APIQueueBudget(w http.ResponseWriter, r *http.Request) {
	var req budgetRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.MaxConcurrent < 1 {
		h.jsonError(w, "max_concurrent must be at least 1", http.StatusBadRequest)
		return
	}

	h.deps.Pipeline.UpdateConcurrencyBudget(req.MaxConcurrent)
	if h.deps.Settings != nil {
		if err := h.deps.Settings.SetSettingJSON("queue.max_concurrent", req.MaxConcurrent); err != nil {
			log.Warn().Err(err).Msg("Failed to persist concurrency budget")
		}
	}
	h.writeJSON(w, http.StatusOK, h.deps.Pipeline.Status())
}

type statusResponse struct {
	Version       VersionInfo      `json:"version"`
	Uptime        string           `json:"uptime"`
	Sessions      int              `json:"sessions"`
	Pipeline      queue.Status     `json:"pipeline"`
	Backfill      *backfill.Status `json:"backfill,omitempty"`
	Watcher       any              `json:"watcher,omitempty"`
	StreamClients int              `json:"stream_clients"`
}

// APIStatus handles GET /api/status
func (h *Handlers) APIStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:  h.getVersionInfo(),
		Uptime:   time.Since(h.startedAt).Round(time.Second).String(),
		Sessions: len(h.deps.Monitor.Sessions()),
		Pipeline: h.deps.Pipeline.Status(),
	}
	if h.deps.Sweeper != nil {
		st := h.deps.Sweeper.Status()
		resp.Backfill = &st
	}
	if h.deps.Watcher != nil {
		resp.Watcher = h.deps.Watcher.Stats()
	}
	if h.deps.Stream != nil {
		resp.StreamClients = h.deps.Stream.ClientCount()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// APIBackfillRun handles POST /api/backfill/run. A client disconnect does not
// cancel the sweep.
func (h *Handlers) APIBackfillRun(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sweeper == nil {
		h.jsonError(w, "Backfill is not available", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Minute)
	defer cancel()

	res, err := h.deps.Sweeper.Run(ctx, "api")
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, res)
	case errors.Is(err, backfill.ErrSweepRunning):
		h.jsonError(w, "A backfill sweep is already running", http.StatusConflict)
	default:
		log.Error().Err(err).Msg("Backfill sweep failed")
		h.writeJSON(w, http.StatusInternalServerError, res)
	}
}
