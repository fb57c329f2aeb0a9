package markers

import (
	"encoding/json"
	"time"
)

// Positions and runtimes travel as integer milliseconds on the wire.

type markerJSON struct {
	Kind       Kind   `json:"kind"`
	PositionMS int64  `json:"position_ms"`
	Origin     Origin `json:"origin,omitempty"`
}

// MarshalJSON encodes the position as position_ms
func (m Marker) MarshalJSON() ([]byte, error) {
	return json.Marshal(markerJSON{
		Kind:       m.Kind,
		PositionMS: m.Position.Milliseconds(),
		Origin:     m.Origin,
	})
}

// UnmarshalJSON decodes a marker with a position_ms field
func (m *Marker) UnmarshalJSON(data []byte) error {
	var raw markerJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Marker{
		Kind:     raw.Kind,
		Position: time.Duration(raw.PositionMS) * time.Millisecond,
		Origin:   raw.Origin,
	}
	return nil
}

type itemJSON struct {
	ID         string `json:"id"`
	Path       string `json:"path"`
	SeasonKey  string `json:"season_key,omitempty"`
	SeriesName string `json:"series_name,omitempty"`
	Index      int    `json:"index,omitempty"`
	RuntimeMS  int64  `json:"runtime_ms,omitempty"`
}

// MarshalJSON encodes the runtime as runtime_ms
func (i Item) MarshalJSON() ([]byte, error) {
	return json.Marshal(itemJSON{
		ID:         i.ID,
		Path:       i.Path,
		SeasonKey:  i.SeasonKey,
		SeriesName: i.SeriesName,
		Index:      i.Index,
		RuntimeMS:  i.Runtime.Milliseconds(),
	})
}

// UnmarshalJSON decodes an item with a runtime_ms field
func (i *Item) UnmarshalJSON(data []byte) error {
	var raw itemJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*i = Item{
		ID:         raw.ID,
		Path:       raw.Path,
		SeasonKey:  raw.SeasonKey,
		SeriesName: raw.SeriesName,
		Index:      raw.Index,
		Runtime:    time.Duration(raw.RuntimeMS) * time.Millisecond,
	}
	return nil
}
