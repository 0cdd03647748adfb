package database

import (
	"database/sql"
	"time"
)

// Timestamps are stored as fixed-width RFC3339 TEXT in UTC with microsecond
// precision. Fixed width keeps lexical order equal to time order, which the
// expiry and window comparisons in SQL depend on.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a stored timestamp. The zero time is returned for
// malformed input, since the format is controlled by FormatTime.
func ParseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s) //nolint:errcheck // format is controlled
	}
	return t.UTC()
}

// NullTime renders an optional timestamp for storage.
func NullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

// ParseNullTime converts a nullable column back to an optional timestamp.
func ParseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := ParseTime(ns.String)
	return &t
}

// BoolToInt converts a bool to SQLite's INTEGER representation.
func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
