package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/markerplow/internal/markers"
	"github.com/saltyorg/markerplow/internal/propagation"
	"github.com/saltyorg/markerplow/internal/queue"
)

type itemsRequest struct {
	Items []markers.Item `json:"items"`
}

type itemsResponse struct {
	Upserted int      `json:"upserted"`
	Queued   int      `json:"queued"`
	Errors   []string `json:"errors,omitempty"`
}

// APIItemsPut handles PUT /api/items. Each upserted item is scheduled for
// media-info probing so it reaches the intro-skip queue.
func (h *Handlers) APIItemsPut(w http.ResponseWriter, r *http.Request) {
	var req itemsRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		h.jsonError(w, "items is required", http.StatusBadRequest)
		return
	}
	for _, item := range req.Items {
		if err := ValidateItem(item); err != nil {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	var resp itemsResponse
	for _, item := range req.Items {
		if err := h.deps.Library.UpsertItem(r.Context(), item); err != nil {
			log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to upsert item")
			resp.Errors = append(resp.Errors, item.ID+": "+err.Error())
			continue
		}
		resp.Upserted++

		if err := h.deps.Pipeline.Enqueue(queue.MediaInfo, item); err != nil {
			log.Debug().Err(err).Str("item_id", item.ID).Msg("Media info request dropped")
			continue
		}
		resp.Queued++
	}

	status := http.StatusOK
	if resp.Upserted == 0 {
		status = http.StatusInternalServerError
	}
	h.writeJSON(w, status, resp)
}

// loadItem resolves the {id} URL parameter, writing the error response on failure
func (h *Handlers) loadItem(w http.ResponseWriter, r *http.Request) (*markers.Item, bool) {
	id := chi.URLParam(r, "id")
	item, err := h.deps.Library.GetItem(r.Context(), id)
	if errors.Is(err, markers.ErrItemNotFound) {
		h.jsonError(w, "Item not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		log.Error().Err(err).Str("item_id", id).Msg("Failed to load item")
		h.jsonError(w, "Failed to load item", http.StatusInternalServerError)
		return nil, false
	}
	return item, true
}

// APIEpisodeMarkersGet handles GET /api/episodes/{id}/markers
func (h *Handlers) APIEpisodeMarkersGet(w http.ResponseWriter, r *http.Request) {
	item, ok := h.loadItem(w, r)
	if !ok {
		return
	}
	ms, err := h.deps.Library.GetMarkers(r.Context(), item.ID)
	if err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to load markers")
		h.jsonError(w, "Failed to load markers", http.StatusInternalServerError)
		return
	}
	if ms == nil {
		ms = []markers.Marker{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"item": item, "markers": ms})
}

type markersRequest struct {
	Markers []markers.Marker `json:"markers"`
}

type markersResponse struct {
	Markers     []markers.Marker    `json:"markers"`
	Propagation *propagation.Result `json:"propagation,omitempty"`
	Warning     string              `json:"warning,omitempty"`
}

// APIEpisodeMarkersPut handles PUT /api/episodes/{id}/markers. The body replaces
// the item's whole marker set; the markers are recorded as user-set and then
// propagated to the rest of the season.
func (h *Handlers) APIEpisodeMarkersPut(w http.ResponseWriter, r *http.Request) {
	item, ok := h.loadItem(w, r)
	if !ok {
		return
	}
	var req markersRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	set := make([]markers.Marker, 0, len(req.Markers))
	for _, m := range req.Markers {
		if !m.Kind.Valid() {
			h.jsonError(w, "Unknown marker kind: "+string(m.Kind), http.StatusBadRequest)
			return
		}
		m.Origin = markers.OriginExternal
		set = append(set, m)
	}
	markers.Sort(set)
	if err := markers.Validate(set); err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.deps.Library.ReplaceMarkers(r.Context(), item.ID, set, markers.SourceAPI); err != nil {
		if errors.Is(err, markers.ErrInvalidMarkers) {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to store markers")
		h.jsonError(w, "Failed to store markers", http.StatusInternalServerError)
		return
	}
	log.Info().Str("item_id", item.ID).Int("markers", len(set)).Msg("Markers set through API")

	resp := markersResponse{Markers: set}
	if item.IsEpisode() && len(set) > 0 {
		res, err := h.deps.Propagator.PropagateToSeason(r.Context(), item.ID)
		switch {
		case err == nil:
			resp.Propagation = &res
		case errors.Is(err, propagation.ErrNoSource):
		default:
			log.Warn().Err(err).Str("item_id", item.ID).Msg("Propagation after marker update failed")
			resp.Warning = "markers stored but propagation failed"
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// APIEpisodePropagate handles POST /api/episodes/{id}/propagate
func (h *Handlers) APIEpisodePropagate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.deps.Propagator.PropagateToSeason(r.Context(), id)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, res)
	case errors.Is(err, markers.ErrItemNotFound):
		h.jsonError(w, "Item not found", http.StatusNotFound)
	case errors.Is(err, propagation.ErrNotEpisode):
		h.jsonError(w, "Item is not an episode", http.StatusBadRequest)
	case errors.Is(err, propagation.ErrNoSource):
		h.jsonError(w, "No markers to propagate", http.StatusConflict)
	default:
		log.Error().Err(err).Str("item_id", id).Msg("Propagation failed")
		h.jsonError(w, "Propagation failed", http.StatusInternalServerError)
	}
}

// APIEpisodeHistory handles GET /api/episodes/{id}/history
func (h *Handlers) APIEpisodeHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.jsonError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, 500)
	}

	entries, err := h.deps.Library.MarkerHistory(r.Context(), id, limit)
	if err != nil {
		log.Error().Err(err).Str("item_id", id).Msg("Failed to load marker history")
		h.jsonError(w, "Failed to load marker history", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"item_id": id, "history": entries})
}
