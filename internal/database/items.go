package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/saltyorg/markerplow/internal/markers"
)

const itemColumns = "id, path, season_key, series_name, episode_index, runtime_ms"

func scanItem(row interface{ Scan(...any) error }) (markers.Item, error) {
	var item markers.Item
	var runtimeMS int64
	err := row.Scan(&item.ID, &item.Path, &item.SeasonKey, &item.SeriesName, &item.Index, &runtimeMS)
	item.Runtime = fromMillis(runtimeMS)
	return item, err
}

// UpsertItem creates or updates a library item
func (db *DB) UpsertItem(ctx context.Context, item markers.Item) error {
	if item.ID == "" {
		return fmt.Errorf("item id is required")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO items (id, path, season_key, series_name, episode_index, runtime_ms, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path,
			season_key = excluded.season_key,
			series_name = excluded.series_name,
			episode_index = excluded.episode_index,
			runtime_ms = excluded.runtime_ms,
			updated_at = excluded.updated_at
	`, item.ID, item.Path, item.SeasonKey, item.SeriesName, item.Index, millis(item.Runtime), time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert item %s: %w", item.ID, err)
	}
	return nil
}

// SetItemRuntime updates the runtime of an item, typically after a probe
func (db *DB) SetItemRuntime(ctx context.Context, itemID string, runtime time.Duration) error {
	_, err := db.ExecContext(ctx, "UPDATE items SET runtime_ms = ?, updated_at = ? WHERE id = ?", millis(runtime), time.Now(), itemID)
	if err != nil {
		return fmt.Errorf("failed to update runtime for %s: %w", itemID, err)
	}
	return nil
}

// GetItem returns the item with the given id, or markers.ErrItemNotFound
func (db *DB) GetItem(ctx context.Context, id string) (*markers.Item, error) {
	item, err := scanItem(db.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM items WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", markers.ErrItemNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", id, err)
	}
	return &item, nil
}

// GetItemByPath returns the item stored for a file path, or markers.ErrItemNotFound
func (db *DB) GetItemByPath(ctx context.Context, path string) (*markers.Item, error) {
	item, err := scanItem(db.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM items WHERE path = ? LIMIT 1", path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", markers.ErrItemNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item by path %s: %w", path, err)
	}
	return &item, nil
}

// SeasonEpisodes returns the episodes of a season ordered by index
func (db *DB) SeasonEpisodes(ctx context.Context, seasonKey string) ([]markers.Item, error) {
	return db.listItems(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE season_key = ?
		ORDER BY episode_index, id
	`, seasonKey)
}

// EpisodesMissingMarkers returns episodes lacking at least one marker kind,
// ordered by season and index.
func (db *DB) EpisodesMissingMarkers(ctx context.Context, limit int) ([]markers.Item, error) {
	if limit <= 0 {
		limit = -1
	}
	return db.listItems(ctx, `
		SELECT `+itemColumns+` FROM items i
		WHERE i.season_key <> ''
		  AND (SELECT COUNT(*) FROM markers m WHERE m.item_id = i.id) < ?
		ORDER BY i.season_key, i.episode_index
		LIMIT ?
	`, len(markers.AllKinds), limit)
}

// CountItems returns the number of stored items
func (db *DB) CountItems(ctx context.Context) (int, error) {
	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM items").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return count, nil
}

func (db *DB) listItems(ctx context.Context, query string, args ...any) ([]markers.Item, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []markers.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
