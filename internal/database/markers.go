package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/saltyorg/markerplow/internal/markers"
)

// GetMarkers returns the markers of an item, optionally restricted to kinds
func (db *DB) GetMarkers(ctx context.Context, itemID string, kinds ...markers.Kind) ([]markers.Marker, error) {
	query := "SELECT kind, position_ms, origin FROM markers WHERE item_id = ?"
	args := []any{itemID}
	if len(kinds) > 0 {
		query += " AND kind IN (?" + strings.Repeat(", ?", len(kinds)-1) + ")"
		for _, k := range kinds {
			args = append(args, string(k))
		}
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get markers for %s: %w", itemID, err)
	}
	defer rows.Close()

	var out []markers.Marker
	for rows.Next() {
		var m markers.Marker
		var kind, origin string
		var positionMS int64
		if err := rows.Scan(&kind, &positionMS, &origin); err != nil {
			return nil, fmt.Errorf("failed to scan marker: %w", err)
		}
		m.Kind = markers.Kind(kind)
		m.Origin = markers.Origin(origin)
		m.Position = fromMillis(positionMS)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	markers.Sort(out)
	return out, nil
}

// ReplaceMarkers replaces the complete marker set of an item and records every
// changed kind in marker_history.
func (db *DB) ReplaceMarkers(ctx context.Context, itemID string, set []markers.Marker, source markers.Source) error {
	if err := markers.Validate(set); err != nil {
		return err
	}

	return db.Transaction(ctx, func(tx *sql.Tx) error {
		previous, err := markersTx(ctx, tx, itemID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM markers WHERE item_id = ?", itemID); err != nil {
			return fmt.Errorf("failed to clear markers for %s: %w", itemID, err)
		}

		now := time.Now()
		for _, m := range set {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO markers (item_id, kind, position_ms, origin, updated_at)
				VALUES (?, ?, ?, ?, ?)
			`, itemID, string(m.Kind), millis(m.Position), string(m.Origin), now); err != nil {
				return fmt.Errorf("failed to insert %s marker for %s: %w", m.Kind, itemID, err)
			}
		}

		for _, kind := range markers.AllKinds {
			before, hadBefore := previous[kind]
			after, hasAfter := markers.Find(set, kind)
			if hadBefore == hasAfter && before == after {
				continue
			}
			var oldPos, newPos sql.NullInt64
			origin := after.Origin
			if hadBefore {
				oldPos = sql.NullInt64{Int64: millis(before.Position), Valid: true}
			}
			if hasAfter {
				newPos = sql.NullInt64{Int64: millis(after.Position), Valid: true}
			} else {
				origin = before.Origin
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO marker_history (item_id, kind, old_position_ms, new_position_ms, origin, source, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, itemID, string(kind), oldPos, newPos, string(origin), string(source), now); err != nil {
				return fmt.Errorf("failed to record marker history for %s: %w", itemID, err)
			}
		}
		return nil
	})
}

func markersTx(ctx context.Context, tx *sql.Tx, itemID string) (map[markers.Kind]markers.Marker, error) {
	rows, err := tx.QueryContext(ctx, "SELECT kind, position_ms, origin FROM markers WHERE item_id = ?", itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to read markers for %s: %w", itemID, err)
	}
	defer rows.Close()

	out := make(map[markers.Kind]markers.Marker)
	for rows.Next() {
		var kind, origin string
		var positionMS int64
		if err := rows.Scan(&kind, &positionMS, &origin); err != nil {
			return nil, fmt.Errorf("failed to scan marker: %w", err)
		}
		out[markers.Kind(kind)] = markers.Marker{
			Kind:     markers.Kind(kind),
			Position: fromMillis(positionMS),
			Origin:   markers.Origin(origin),
		}
	}
	return out, rows.Err()
}

// MarkerHistoryEntry is one recorded marker change
type MarkerHistoryEntry struct {
	ID            int64          `json:"id"`
	ItemID        string         `json:"item_id"`
	Kind          markers.Kind   `json:"kind"`
	OldPosition   *time.Duration `json:"-"`
	NewPosition   *time.Duration `json:"-"`
	// Millisecond copies of the positions for API responses
	OldPositionMS *int64         `json:"old_position_ms,omitempty"`
	NewPositionMS *int64         `json:"new_position_ms,omitempty"`
	Origin        markers.Origin `json:"origin"`
	Source        markers.Source `json:"source"`
	CreatedAt     time.Time      `json:"created_at"`
}

// MarkerHistory returns the most recent marker changes for an item, newest first
func (db *DB) MarkerHistory(ctx context.Context, itemID string, limit int) ([]MarkerHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, item_id, kind, old_position_ms, new_position_ms, origin, source, created_at
		FROM marker_history
		WHERE item_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get marker history for %s: %w", itemID, err)
	}
	defer rows.Close()

	var entries []MarkerHistoryEntry
	for rows.Next() {
		var e MarkerHistoryEntry
		var kind, origin, source string
		var oldPos, newPos sql.NullInt64
		if err := rows.Scan(&e.ID, &e.ItemID, &kind, &oldPos, &newPos, &origin, &source, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan marker history: %w", err)
		}
		e.Kind = markers.Kind(kind)
		e.Origin = markers.Origin(origin)
		e.Source = markers.Source(source)
		if p := nullInt64ToPtr(oldPos); p != nil {
			d := fromMillis(*p)
			e.OldPosition, e.OldPositionMS = &d, p
		}
		if p := nullInt64ToPtr(newPos); p != nil {
			d := fromMillis(*p)
			e.NewPosition, e.NewPositionMS = &d, p
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
