// Package member reads the member and membership records owned by the
// back office. The access core never writes them.
package member

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/database"
)

// ErrMemberNotFound is returned when no member matches within the tenant.
var ErrMemberNotFound = errors.New("member not found")

// Status is the lifecycle state of a member.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusPaused   Status = "paused"
	StatusPending  Status = "pending"
	StatusOverdue  Status = "overdue"
)

// Member is a gym member as seen by the access core.
type Member struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Name returns the display name used in scanner responses.
func (m *Member) Name() string {
	return strings.TrimSpace(m.FirstName + " " + m.LastName)
}

// IsActive reports whether the member status permits access.
func (m *Member) IsActive() bool {
	return m.Status == StatusActive
}

// Repository defines member lookups. Every lookup is scoped to a tenant.
type Repository interface {
	Get(ctx context.Context, tenantID, id string) (*Member, error)
	FindByEmail(ctx context.Context, tenantID, email string) (*Member, error)
	HasActiveMembership(ctx context.Context, tenantID, memberID string, at time.Time) (bool, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a member repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectMember = `SELECT id, tenant_id, first_name, last_name, email, status, created_at FROM members`

// Get returns a member by ID.
func (r *SQLiteRepository) Get(ctx context.Context, tenantID, id string) (*Member, error) {
	return r.scanMember(r.db.QueryRowContext(ctx,
		selectMember+` WHERE tenant_id = ? AND id = ?`, tenantID, id))
}

// FindByEmail returns a member by email address, compared case-insensitively.
func (r *SQLiteRepository) FindByEmail(ctx context.Context, tenantID, email string) (*Member, error) {
	return r.scanMember(r.db.QueryRowContext(ctx,
		selectMember+` WHERE tenant_id = ? AND email = ? COLLATE NOCASE`,
		tenantID, strings.TrimSpace(email)))
}

// HasActiveMembership reports whether the member holds a membership with
// status active that has started and not ended at the given instant.
func (r *SQLiteRepository) HasActiveMembership(ctx context.Context, tenantID, memberID string, at time.Time) (bool, error) {
	now := database.FormatTime(at)
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memberships
		 WHERE tenant_id = ? AND member_id = ? AND status = 'active'
		   AND starts_at <= ? AND (ends_at IS NULL OR ends_at > ?)`,
		tenantID, memberID, now, now,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking active membership: %w", err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) scanMember(row *sql.Row) (*Member, error) {
	var m Member
	var status, createdAt string

	err := row.Scan(&m.ID, &m.TenantID, &m.FirstName, &m.LastName, &m.Email, &status, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("scanning member: %w", err)
	}

	m.Status = Status(status)
	m.CreatedAt = database.ParseTime(createdAt)
	return &m, nil
}
