package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Migrate runs all database migrations
func (db *DB) Migrate() error {
	ctx := context.Background()
	log.Info().Msg("Running database migrations")

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	log.Debug().Int("current_version", currentVersion).Msg("Current schema version")

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}
		log.Info().Int("version", migration.Version).Str("name", migration.Name).Msg("Applying migration")

		if err := db.Transaction(ctx, func(tx *sql.Tx) error {
			statements := splitSQLStatements(migration.SQL)
			for i, stmt := range statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d statement %d failed: %w", migration.Version, i+1, err)
				}
			}

			if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", migration.Version); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
			}

			return nil
		}); err != nil {
			return err
		}
	}

	log.Info().Msg("Database migrations complete")
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}

type migration struct {
	Version int
	Name    string
	SQL     string
}

// splitSQLStatements splits a SQL string into individual statements.
// Comment lines and blank lines are dropped.
func splitSQLStatements(sql string) []string {
	var statements []string
	var current strings.Builder

	for line := range strings.SplitSeq(sql, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSpace(current.String())
			if stmt != "" && stmt != ";" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}

	if remaining := strings.TrimSpace(current.String()); remaining != "" {
		statements = append(statements, remaining)
	}

	return statements
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "initial_schema",
		SQL: `
			CREATE TABLE settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);

			-- Library items; episodes carry a season key and index
			CREATE TABLE items (
				id TEXT PRIMARY KEY,
				path TEXT NOT NULL,
				season_key TEXT NOT NULL DEFAULT '',
				series_name TEXT NOT NULL DEFAULT '',
				episode_index INTEGER NOT NULL DEFAULT 0,
				runtime_ms INTEGER NOT NULL DEFAULT 0,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX idx_items_season ON items(season_key, episode_index);
			CREATE INDEX idx_items_path ON items(path);

			-- One marker per kind per item
			CREATE TABLE markers (
				item_id TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
				kind TEXT NOT NULL,
				position_ms INTEGER NOT NULL,
				origin TEXT NOT NULL DEFAULT 'system',
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (item_id, kind)
			);
		`,
	},
	{
		Version: 2,
		Name:    "media_info_cache",
		SQL: `
			CREATE TABLE media_info (
				item_id TEXT PRIMARY KEY REFERENCES items(id) ON DELETE CASCADE,
				data TEXT NOT NULL,
				probed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);

			-- Fingerprint of the external subtitle sidecars seen at last sync
			CREATE TABLE subtitle_state (
				item_id TEXT PRIMARY KEY REFERENCES items(id) ON DELETE CASCADE,
				fingerprint TEXT NOT NULL,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
	{
		Version: 3,
		Name:    "marker_history",
		SQL: `
			CREATE TABLE marker_history (
				id INTEGER PRIMARY KEY,
				item_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				old_position_ms INTEGER,
				new_position_ms INTEGER,
				origin TEXT NOT NULL,
				source TEXT NOT NULL,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX idx_marker_history_item ON marker_history(item_id, created_at);
		`,
	},
}
