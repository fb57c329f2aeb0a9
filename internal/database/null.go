package database

import (
	"database/sql"
	"time"
)

// nullInt64ToPtr converts a sql.NullInt64 to a pointer (nil if not valid)
func nullInt64ToPtr(n sql.NullInt64) *int64 {
	if n.Valid {
		return &n.Int64
	}
	return nil
}

// nullStringValue converts a sql.NullString to a string (empty if not valid)
func nullStringValue(n sql.NullString) string {
	if n.Valid {
		return n.String
	}
	return ""
}

func millis(d time.Duration) int64 {
	return d.Milliseconds()
}

func fromMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
