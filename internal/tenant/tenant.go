// Package tenant stores per-gym settings that the access core reads: the
// reporting timezone, the QR validity window and the QR/NFC feature flags.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/database"
)

// ErrTenantNotFound is returned when no tenant has the requested ID.
var ErrTenantNotFound = errors.New("tenant not found")

// Tenant holds the access-related settings of one gym.
type Tenant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`

	// QRValidityMinutes overrides the service default when > 0.
	QRValidityMinutes int  `json:"qr_validity_minutes"`
	QREnabled         bool `json:"qr_enabled"`
	NFCEnabled        bool `json:"nfc_enabled"`

	CreatedAt time.Time `json:"created_at"`
}

// QRWindow returns the tenant's QR validity window, or def when unset.
// The same window applies to member display and scanner validation.
func (t *Tenant) QRWindow(def time.Duration) time.Duration {
	if t.QRValidityMinutes > 0 {
		return time.Duration(t.QRValidityMinutes) * time.Minute
	}
	return def
}

// Location returns the tenant's timezone, falling back to UTC.
func (t *Tenant) Location() *time.Location {
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Repository defines tenant settings persistence.
type Repository interface {
	Get(ctx context.Context, id string) (*Tenant, error)
	Create(ctx context.Context, t *Tenant) error
	UpdateSettings(ctx context.Context, t *Tenant) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a tenant repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Get returns the tenant with the given ID.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	var qr, nfc int
	var createdAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, timezone, qr_validity_minutes, qr_enabled, nfc_enabled, created_at
		 FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.Timezone, &t.QRValidityMinutes, &qr, &nfc, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("getting tenant: %w", err)
	}

	t.QREnabled = qr != 0
	t.NFCEnabled = nfc != 0
	t.CreatedAt = database.ParseTime(createdAt)
	return &t, nil
}

// Create inserts a tenant. Timezone defaults to UTC.
func (r *SQLiteRepository) Create(ctx context.Context, t *Tenant) error {
	if t.Timezone == "" {
		t.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(t.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", t.Timezone, err)
	}
	t.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, timezone, qr_validity_minutes, qr_enabled, nfc_enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Timezone, t.QRValidityMinutes,
		database.BoolToInt(t.QREnabled), database.BoolToInt(t.NFCEnabled),
		database.FormatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("creating tenant: %w", err)
	}
	return nil
}

// UpdateSettings overwrites the mutable settings of an existing tenant.
func (r *SQLiteRepository) UpdateSettings(ctx context.Context, t *Tenant) error {
	if _, err := time.LoadLocation(t.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", t.Timezone, err)
	}
	if t.QRValidityMinutes < 0 {
		return fmt.Errorf("qr_validity_minutes must not be negative")
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE tenants SET name = ?, timezone = ?, qr_validity_minutes = ?, qr_enabled = ?, nfc_enabled = ?
		 WHERE id = ?`,
		t.Name, t.Timezone, t.QRValidityMinutes,
		database.BoolToInt(t.QREnabled), database.BoolToInt(t.NFCEnabled), t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating tenant: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrTenantNotFound
	}
	return nil
}
