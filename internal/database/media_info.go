package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetMediaInfo returns the cached probe document for an item.
// The boolean is false when nothing is cached.
func (db *DB) GetMediaInfo(ctx context.Context, itemID string) ([]byte, bool, error) {
	var data string
	err := db.QueryRowContext(ctx, "SELECT data FROM media_info WHERE item_id = ?", itemID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get media info for %s: %w", itemID, err)
	}
	return []byte(data), true, nil
}

// HasMediaInfo reports whether a probe document is cached for an item
func (db *DB) HasMediaInfo(ctx context.Context, itemID string) (bool, error) {
	var exists int
	err := db.QueryRowContext(ctx, "SELECT 1 FROM media_info WHERE item_id = ?", itemID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check media info for %s: %w", itemID, err)
	}
	return true, nil
}

// PutMediaInfo stores a probe document. An existing document is kept unless
// overwrite is set. Reports whether a row was written.
func (db *DB) PutMediaInfo(ctx context.Context, itemID string, data []byte, overwrite bool) (bool, error) {
	query := `
		INSERT INTO media_info (item_id, data, probed_at) VALUES (?, ?, ?)
		ON CONFLICT(item_id) DO NOTHING
	`
	if overwrite {
		query = `
			INSERT INTO media_info (item_id, data, probed_at) VALUES (?, ?, ?)
			ON CONFLICT(item_id) DO UPDATE SET data = excluded.data, probed_at = excluded.probed_at
		`
	}
	res, err := db.ExecContext(ctx, query, itemID, string(data), time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to store media info for %s: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteMediaInfo drops the cached probe document, forcing a re-probe
func (db *DB) DeleteMediaInfo(ctx context.Context, itemID string) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM media_info WHERE item_id = ?", itemID); err != nil {
		return fmt.Errorf("failed to delete media info for %s: %w", itemID, err)
	}
	return nil
}

// GetSubtitleFingerprint returns the last recorded sidecar fingerprint for an item
func (db *DB) GetSubtitleFingerprint(ctx context.Context, itemID string) (string, error) {
	var fp sql.NullString
	err := db.QueryRowContext(ctx, "SELECT fingerprint FROM subtitle_state WHERE item_id = ?", itemID).Scan(&fp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get subtitle state for %s: %w", itemID, err)
	}
	return nullStringValue(fp), nil
}

// SetSubtitleFingerprint records the sidecar fingerprint for an item
func (db *DB) SetSubtitleFingerprint(ctx context.Context, itemID, fingerprint string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO subtitle_state (item_id, fingerprint, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET fingerprint = excluded.fingerprint, updated_at = excluded.updated_at
	`, itemID, fingerprint, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set subtitle state for %s: %w", itemID, err)
	}
	return nil
}
