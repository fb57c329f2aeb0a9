package database

import (
	"context"
	"fmt"
	"time"
)

// Optimize runs SQLite's PRAGMA optimize to refresh planner stats.
func (db *DB) Optimize(ctx context.Context) error {
	if db == nil || db.DB == nil {
		return fmt.Errorf("database not initialized")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("failed to optimize database: %w", err)
	}

	return nil
}

// PruneHistory deletes marker history rows older than the retention window.
// A zero retention keeps history forever.
func (db *DB) PruneHistory(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}

	res, err := db.ExecContext(ctx, "DELETE FROM marker_history WHERE created_at < ?", time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune marker history: %w", err)
	}
	return res.RowsAffected()
}
