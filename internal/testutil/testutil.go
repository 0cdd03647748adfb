// Package testutil provides a migrated SQLite database and seed helpers for
// package tests.
package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/database"
	_ "github.com/mariokehl/gymportal-access/migrations" // registers embedded schema
)

// OpenDB returns a *sql.DB backed by a temporary file with the full schema applied.
// The database is closed when the test completes.
func OpenDB(t testing.TB) *sql.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "access.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	return db.DB
}

// SeedTenant inserts a tenant with default settings.
func SeedTenant(t testing.TB, db *sql.DB, id string) {
	t.Helper()
	mustExec(t, db,
		`INSERT INTO tenants (id, name, timezone, qr_validity_minutes, qr_enabled, nfc_enabled, created_at)
		 VALUES (?, ?, 'UTC', 0, 1, 1, ?)`,
		id, "Gym "+id, database.FormatTime(time.Now()))
}

// SeedMember inserts a member with the given status.
func SeedMember(t testing.TB, db *sql.DB, tenantID, memberID, email, status string) {
	t.Helper()
	mustExec(t, db,
		`INSERT INTO members (id, tenant_id, first_name, last_name, email, status, created_at)
		 VALUES (?, ?, 'Max', 'Mustermann', ?, ?, ?)`,
		memberID, tenantID, email, status, database.FormatTime(time.Now()))
}

// SeedMembership inserts a membership running from startsAt until endsAt (nil for open-ended).
func SeedMembership(t testing.TB, db *sql.DB, tenantID, memberID, status string, startsAt time.Time, endsAt *time.Time) {
	t.Helper()
	mustExec(t, db,
		`INSERT INTO memberships (id, tenant_id, member_id, status, starts_at, ends_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		"ms-"+memberID+"-"+status, tenantID, memberID, status,
		database.FormatTime(startsAt), database.NullTime(endsAt))
}

// SeedActiveMember inserts an active member with an open-ended active membership.
func SeedActiveMember(t testing.TB, db *sql.DB, tenantID, memberID, email string) {
	t.Helper()
	SeedMember(t, db, tenantID, memberID, email, "active")
	SeedMembership(t, db, tenantID, memberID, "active", time.Now().Add(-30*24*time.Hour), nil)
}

func mustExec(t testing.TB, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.ExecContext(context.Background(), query, args...); err != nil {
		t.Fatalf("seeding: %v", err)
	}
}
