package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/saltyorg/markerplow/internal/logging"
)

// GetSetting retrieves a setting value by key
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting stores a setting value
func (db *DB) SetSetting(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// SetSettingJSON stores a setting as JSON
func (db *DB) SetSettingJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal setting %s: %w", key, err)
	}
	return db.SetSetting(key, string(data))
}

// GetAllSettings retrieves all settings
func (db *DB) GetAllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings[key] = value
	}

	return settings, rows.Err()
}

// DeleteSetting removes a setting
func (db *DB) DeleteSetting(key string) error {
	_, err := db.Exec("DELETE FROM settings WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

// DefaultSettings are written on first start for keys that have no value yet
var DefaultSettings = map[string]any{
	"log.level":                          "info",
	"log.max_size_mb":                    logging.DefaultMaxSizeMB,
	"log.max_backups":                    logging.DefaultMaxBackups,
	"log.max_age_days":                   logging.DefaultMaxAgeDays,
	"log.compress":                       logging.DefaultCompress,
	"log.file_format":                    logging.FormatText,
	"scope.library_paths":                []string{},
	"scope.users":                        []string{},
	"scope.clients":                      []string{},
	"detection.max_intro_seconds":        150,
	"detection.max_credits_seconds":      360,
	"detection.min_opening_plot_seconds": 60,
	"detection.early_start_seconds":      5,
	"detection.jump_slack_seconds":       5,
	"detection.pause_min_ms":             500,
	"detection.pause_min_rate_change_ms": 1500,
	"detection.pause_max_ms":             5000,
	"detection.intro_end_tolerance_ms":   1500,
	"detection.no_detection_but_reset":   false,
	"detection.debounce_seconds":         10,
	"detection.session_idle_minutes":     360,
	"propagation.reset_and_overwrite":    false,
	"queue.max_concurrent":               2,
	"queue.interval_seconds":             30,
	"queue.persist_media_info":           true,
	"queue.overwrite_media_info":         false,
	"queue.subtitle_rescan":              true,
	"backfill.enabled":                   false,
	"backfill.schedule":                  "@daily",
	"backfill.limit":                     500,
	"watch.enabled":                      false,
	"watch.debounce_seconds":             10,
	"mediainfo.ffprobe_path":             "ffprobe",
	"history.retention_days":             30, // 0 keeps marker history forever
}

// InitializeDefaults sets default values for settings that don't exist
func (db *DB) InitializeDefaults() error {
	for key, value := range DefaultSettings {
		existing, err := db.GetSetting(key)
		if err != nil {
			return err
		}
		if existing == "" {
			if err := db.SetSettingJSON(key, value); err != nil {
				return err
			}
		}
	}
	return nil
}
