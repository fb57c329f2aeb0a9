package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/markerplow/internal/database"
)

// protectedPrefix marks settings that are never exposed or written through the API
const protectedPrefix = "auth."

// APISettingsGet handles GET /api/settings
func (h *Handlers) APISettingsGet(w http.ResponseWriter, r *http.Request) {
	all, err := h.deps.Settings.GetAllSettings(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to load settings")
		h.jsonError(w, "Failed to load settings", http.StatusInternalServerError)
		return
	}

	out := make(map[string]json.RawMessage, len(all))
	for key, value := range all {
		if strings.HasPrefix(key, protectedPrefix) {
			continue
		}
		if json.Valid([]byte(value)) {
			out[key] = json.RawMessage(value)
			continue
		}
		// Values written before JSON encoding was used
		quoted, _ := json.Marshal(value)
		out[key] = quoted
	}
	h.writeJSON(w, http.StatusOK, out)
}

// APISettingsPut handles PUT /api/settings. Only known settings are accepted;
// the new values are applied to the running components.
func (h *Handlers) APISettingsPut(w http.ResponseWriter, r *http.Request) {
	var req map[string]json.RawMessage
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if len(req) == 0 {
		h.jsonError(w, "No settings provided", http.StatusBadRequest)
		return
	}

	values := make(map[string]any, len(req))
	for key, raw := range req {
		v, err := decodeSetting(key, raw)
		if err != nil {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		values[key] = v
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		if err := h.deps.Settings.SetSettingJSON(key, values[key]); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Failed to save setting")
			h.jsonError(w, "Failed to save settings", http.StatusInternalServerError)
			return
		}
	}
	log.Info().Strs("keys", keys).Msg("Settings updated")

	if h.deps.Apply != nil {
		if err := h.deps.Apply(r.Context()); err != nil {
			log.Error().Err(err).Msg("Failed to apply settings")
			h.jsonError(w, "Settings saved but could not be applied: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}
	h.jsonSuccess(w, "Settings updated")
}

// decodeSetting checks that key is a known setting and that raw has the
// same JSON shape as its default value.
func decodeSetting(key string, raw json.RawMessage) (any, error) {
	if strings.HasPrefix(key, protectedPrefix) {
		return nil, fmt.Errorf("setting %s cannot be changed", key)
	}
	def, ok := database.DefaultSettings[key]
	if !ok {
		return nil, fmt.Errorf("unknown setting %s", key)
	}

	switch def.(type) {
	case bool:
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("setting %s must be a boolean", key)
		}
		return v, nil
	case int, int64:
		var v int64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("setting %s must be an integer", key)
		}
		if v < 0 {
			return nil, fmt.Errorf("setting %s cannot be negative", key)
		}
		return v, nil
	case []string:
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil {
			return list, nil
		}
		// Comma or newline separated text is accepted as well
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("setting %s must be a list of strings", key)
		}
		return s, nil
	default:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("setting %s must be a string", key)
		}
		return s, nil
	}
}
