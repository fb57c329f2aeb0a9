package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/saltyorg/markerplow/internal/markers"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "markerplow.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedSeason(t *testing.T, db *DB, count int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= count; i++ {
		item := markers.Item{
			ID:         "ep" + string(rune('0'+i)),
			Path:       filepath.Join("/tv/Show/Season 01", "ep"+string(rune('0'+i))+".mkv"),
			SeasonKey:  "show-s01",
			SeriesName: "Show",
			Index:      i,
			Runtime:    1400 * time.Second,
		}
		if err := db.UpsertItem(ctx, item); err != nil {
			t.Fatalf("failed to upsert item: %v", err)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("expected second migrate to succeed, got %v", err)
	}
	version, err := db.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("failed to read schema version: %v", err)
	}
	if version != migrations[len(migrations)-1].Version {
		t.Fatalf("expected schema version %d, got %d", migrations[len(migrations)-1].Version, version)
	}
}

func TestSplitSQLStatements(t *testing.T) {
	stmts := splitSQLStatements(`
		-- comment
		CREATE TABLE a (id INTEGER);

		CREATE TABLE b (
			id INTEGER
		);
		SELECT 1`)
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(stmts), stmts)
	}
}

func TestSettings_Defaults(t *testing.T) {
	db := openTestDB(t)
	if err := db.InitializeDefaults(); err != nil {
		t.Fatalf("failed to initialize defaults: %v", err)
	}
	val, err := db.GetSetting("queue.max_concurrent")
	if err != nil {
		t.Fatalf("failed to get setting: %v", err)
	}
	if val != "2" {
		t.Fatalf("expected default 2, got %q", val)
	}

	if err := db.SetSetting("queue.max_concurrent", "4"); err != nil {
		t.Fatalf("failed to set setting: %v", err)
	}
	if err := db.InitializeDefaults(); err != nil {
		t.Fatalf("failed to re-initialize defaults: %v", err)
	}
	if val, _ := db.GetSetting("queue.max_concurrent"); val != "4" {
		t.Fatalf("expected defaults to keep existing value 4, got %q", val)
	}
}

func TestItems_SeasonOrdering(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSeason(t, db, 3)

	episodes, err := db.SeasonEpisodes(ctx, "show-s01")
	if err != nil {
		t.Fatalf("failed to list season: %v", err)
	}
	if len(episodes) != 3 {
		t.Fatalf("expected 3 episodes, got %d", len(episodes))
	}
	for i, ep := range episodes {
		if ep.Index != i+1 {
			t.Fatalf("expected index %d at position %d, got %d", i+1, i, ep.Index)
		}
		if ep.Runtime != 1400*time.Second {
			t.Fatalf("expected runtime 1400s, got %s", ep.Runtime)
		}
	}

	if _, err := db.GetItem(ctx, "missing"); !errors.Is(err, markers.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestMarkers_ReplaceAndHistory(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSeason(t, db, 1)

	set := append(markers.Intro(5*time.Second, 85*time.Second), markers.Credits(1300*time.Second))
	if err := db.ReplaceMarkers(ctx, "ep1", set, markers.SourcePlayback); err != nil {
		t.Fatalf("failed to replace markers: %v", err)
	}

	got, err := db.GetMarkers(ctx, "ep1")
	if err != nil {
		t.Fatalf("failed to get markers: %v", err)
	}
	if !markers.Equal(got, set) {
		t.Fatalf("expected %v, got %v", set, got)
	}

	intro, err := db.GetMarkers(ctx, "ep1", markers.IntroKinds...)
	if err != nil {
		t.Fatalf("failed to get intro markers: %v", err)
	}
	if len(intro) != 2 {
		t.Fatalf("expected 2 intro markers, got %d", len(intro))
	}

	updated := markers.Replace(got, markers.CreditsKinds, markers.Credits(1310*time.Second))
	if err := db.ReplaceMarkers(ctx, "ep1", updated, markers.SourcePropagation); err != nil {
		t.Fatalf("failed to replace markers: %v", err)
	}

	history, err := db.MarkerHistory(ctx, "ep1", 10)
	if err != nil {
		t.Fatalf("failed to get history: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 history rows, got %d", len(history))
	}
	latest := history[0]
	if latest.Kind != markers.KindCreditsStart || latest.Source != markers.SourcePropagation {
		t.Fatalf("expected latest change to be propagated credits, got %+v", latest)
	}
	if latest.OldPosition == nil || *latest.OldPosition != 1300*time.Second {
		t.Fatalf("expected old position 1300s, got %v", latest.OldPosition)
	}
}

func TestMarkers_RejectsInvalidSet(t *testing.T) {
	db := openTestDB(t)
	seedSeason(t, db, 1)

	err := db.ReplaceMarkers(context.Background(), "ep1", markers.Intro(90*time.Second, 10*time.Second), markers.SourceAPI)
	if !errors.Is(err, markers.ErrInvalidMarkers) {
		t.Fatalf("expected ErrInvalidMarkers, got %v", err)
	}
}

func TestMediaInfo_Overwrite(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSeason(t, db, 1)

	written, err := db.PutMediaInfo(ctx, "ep1", []byte(`{"v":1}`), false)
	if err != nil || !written {
		t.Fatalf("expected first write to succeed, got written=%v err=%v", written, err)
	}
	written, err = db.PutMediaInfo(ctx, "ep1", []byte(`{"v":2}`), false)
	if err != nil || written {
		t.Fatalf("expected write without overwrite to be skipped, got written=%v err=%v", written, err)
	}
	data, ok, err := db.GetMediaInfo(ctx, "ep1")
	if err != nil || !ok || string(data) != `{"v":1}` {
		t.Fatalf("expected cached v1 document, got %q ok=%v err=%v", data, ok, err)
	}

	if _, err := db.PutMediaInfo(ctx, "ep1", []byte(`{"v":2}`), true); err != nil {
		t.Fatalf("failed to overwrite media info: %v", err)
	}
	data, _, _ = db.GetMediaInfo(ctx, "ep1")
	if string(data) != `{"v":2}` {
		t.Fatalf("expected overwritten v2 document, got %q", data)
	}

	has, err := db.HasMediaInfo(ctx, "ep2")
	if err != nil || has {
		t.Fatalf("expected no media info for unknown item, got has=%v err=%v", has, err)
	}
}

func TestEpisodesMissingMarkers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSeason(t, db, 3)

	full := append(markers.Intro(5*time.Second, 85*time.Second), markers.Credits(1300*time.Second))
	if err := db.ReplaceMarkers(ctx, "ep2", full, markers.SourceAPI); err != nil {
		t.Fatalf("failed to replace markers: %v", err)
	}

	missing, err := db.EpisodesMissingMarkers(ctx, 0)
	if err != nil {
		t.Fatalf("failed to list missing markers: %v", err)
	}
	if len(missing) != 2 || missing[0].ID != "ep1" || missing[1].ID != "ep3" {
		t.Fatalf("expected ep1 and ep3, got %v", missing)
	}
}

func TestOpenAppliesPragmas(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tests := []struct {
		pragma string
		want   string
	}{
		{"journal_mode", "wal"},
		{"foreign_keys", "1"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
	}
	for _, tt := range tests {
		t.Run(tt.pragma, func(t *testing.T) {
			var got string
			if err := db.QueryRowContext(ctx, "PRAGMA "+tt.pragma).Scan(&got); err != nil {
				t.Fatalf("failed to read pragma: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %s=%s, got %s", tt.pragma, tt.want, got)
			}
		})
	}
}
