package repository

import (
	"database/sql"
	"time"
)

// timeLayout is fixed-width so stored timestamps compare lexically.
const timeLayout = "2006-01-02 15:04:05.000000"

// boolToInt converts a boolean to an integer (1 or 0) for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.ParseInLocation(timeLayout, s, time.UTC)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
