package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/database"
	"github.com/mariokehl/gymportal-access/internal/outcome"
)

// SQLiteRepository stores attempts in the access_attempts table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new access attempt repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectAttempt = `SELECT id, tenant_id, device_number, member_id, method, service, granted, denial_reason, metadata, created_at
	FROM access_attempts`

// Create inserts an attempt. The ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, a *Attempt) error {
	a.prepare(time.Now())

	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling attempt metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO access_attempts (id, tenant_id, device_number, member_id, method, service, granted, denial_reason, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.DeviceNumber, nullableString(a.MemberID), string(a.Method), a.Service,
		database.BoolToInt(a.Granted), nullableString(string(a.DenialReason)), string(meta),
		database.FormatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting access attempt: %w", err)
	}
	return nil
}

// List returns attempts matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	filter.clamp()

	var conditions []string
	var args []any

	if filter.TenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.DeviceNumber > 0 {
		conditions = append(conditions, "device_number = ?")
		args = append(args, filter.DeviceNumber)
	}
	if filter.Method != "" {
		conditions = append(conditions, "method = ?")
		args = append(args, string(filter.Method))
	}
	if filter.Granted != nil {
		conditions = append(conditions, "granted = ?")
		args = append(args, database.BoolToInt(*filter.Granted))
	}
	if filter.From != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, database.FormatTime(*filter.From))
	}
	if filter.To != nil {
		conditions = append(conditions, "created_at < ?")
		args = append(args, database.FormatTime(*filter.To))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM access_attempts %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting access attempts: %w", err)
	}

	query := fmt.Sprintf("%s %s ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?", selectAttempt, where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	args = append(args, filter.Limit, filter.Offset)

	attempts, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &ListResult{
		Attempts: attempts,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}, nil
}

// ListWindow returns every attempt of the tenant in [from, to), oldest first.
func (r *SQLiteRepository) ListWindow(ctx context.Context, tenantID string, from, to time.Time) ([]Attempt, error) {
	return r.query(ctx,
		selectAttempt+` WHERE tenant_id = ? AND created_at >= ? AND created_at < ? ORDER BY created_at, id`,
		tenantID, database.FormatTime(from), database.FormatTime(to))
}

// PurgeBefore deletes attempts created before cutoff.
func (r *SQLiteRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM access_attempts WHERE created_at < ?", database.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging access attempts: %w", err)
	}
	n, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return n, nil
}

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...any) ([]Attempt, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying access attempts: %w", err)
	}
	defer rows.Close()

	attempts := []Attempt{}
	for rows.Next() {
		var a Attempt
		var memberID, reason sql.NullString
		var method, meta, createdAt string
		var granted int

		if err := rows.Scan(&a.ID, &a.TenantID, &a.DeviceNumber, &memberID, &method, &a.Service,
			&granted, &reason, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning access attempt: %w", err)
		}

		a.MemberID = memberID.String
		a.Method = Method(method)
		a.Granted = granted != 0
		a.DenialReason = outcome.Reason(reason.String)
		if meta != "" {
			json.Unmarshal([]byte(meta), &a.Metadata) //nolint:errcheck // metadata is diagnostic only
		}
		a.CreatedAt = database.ParseTime(createdAt)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating access attempts: %w", err)
	}
	return attempts, nil
}

// nullableString returns nil for empty strings so nullable TEXT columns stay NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
