package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/config"
	"github.com/mariokehl/gymportal-access/internal/outcome"
)

// postgresSchema mirrors the SQLite access_attempts table.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS access_attempts (
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL,
    device_number INTEGER NOT NULL,
    member_id     TEXT,
    method        TEXT NOT NULL,
    service       TEXT NOT NULL,
    granted       BOOLEAN NOT NULL,
    denial_reason TEXT,
    metadata      JSONB NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ NOT NULL,
    CHECK ((granted AND denial_reason IS NULL) OR (NOT granted AND denial_reason IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS idx_access_attempts_tenant_created ON access_attempts (tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_access_attempts_created ON access_attempts (created_at);
`

// NewPostgresPool connects to the Postgres audit backend and checks it.
func NewPostgresPool(ctx context.Context, cfg config.AuditConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("parsing audit postgres url: %w", err)
	}
	if cfg.PostgresConns > 0 {
		poolCfg.MaxConns = int32(cfg.PostgresConns) //nolint:gosec // validated small positive value
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating audit postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging audit postgres: %w", err)
	}
	return pool, nil
}

// PostgresRepository stores attempts in Postgres.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a Postgres-backed repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// EnsureSchema creates the access_attempts table if it does not exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("creating access_attempts schema: %w", err)
	}
	return nil
}

// HealthCheck pings the pool.
func (r *PostgresRepository) HealthCheck(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Create inserts an attempt. The ID and CreatedAt are generated if empty.
func (r *PostgresRepository) Create(ctx context.Context, a *Attempt) error {
	a.prepare(time.Now())

	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling attempt metadata: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO access_attempts (id, tenant_id, device_number, member_id, method, service, granted, denial_reason, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.TenantID, a.DeviceNumber, nullableString(a.MemberID), string(a.Method), a.Service,
		a.Granted, nullableString(string(a.DenialReason)), meta, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert access attempt: %w", err)
	}
	return nil
}

// List returns attempts matching the filter, most recent first.
func (r *PostgresRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	filter.clamp()

	var conditions []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.DeviceNumber > 0 {
		add("device_number = $%d", filter.DeviceNumber)
	}
	if filter.Method != "" {
		add("method = $%d", string(filter.Method))
	}
	if filter.Granted != nil {
		add("granted = $%d", *filter.Granted)
	}
	if filter.From != nil {
		add("created_at >= $%d", filter.From.UTC())
	}
	if filter.To != nil {
		add("created_at < $%d", filter.To.UTC())
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM access_attempts " + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count access attempts: %w", err)
	}

	query := fmt.Sprintf("%s %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		selectAttempt, where, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset)

	attempts, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &ListResult{Attempts: attempts, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// ListWindow returns every attempt of the tenant in [from, to), oldest first.
func (r *PostgresRepository) ListWindow(ctx context.Context, tenantID string, from, to time.Time) ([]Attempt, error) {
	return r.query(ctx,
		selectAttempt+` WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3 ORDER BY created_at, id`,
		tenantID, from.UTC(), to.UTC())
}

// PurgeBefore deletes attempts created before cutoff.
func (r *PostgresRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, "DELETE FROM access_attempts WHERE created_at < $1", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge access attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...any) ([]Attempt, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query access attempts: %w", err)
	}

	attempts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Attempt, error) {
		var a Attempt
		var memberID, reason *string
		var method string
		var meta []byte

		if err := row.Scan(&a.ID, &a.TenantID, &a.DeviceNumber, &memberID, &method, &a.Service,
			&a.Granted, &reason, &meta, &a.CreatedAt); err != nil {
			return a, err
		}
		if memberID != nil {
			a.MemberID = *memberID
		}
		if reason != nil {
			a.DenialReason = outcome.Reason(*reason)
		}
		a.Method = Method(method)
		if len(meta) > 0 {
			json.Unmarshal(meta, &a.Metadata) //nolint:errcheck // metadata is diagnostic only
		}
		a.CreatedAt = a.CreatedAt.UTC()
		return a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan access attempts: %w", err)
	}
	if attempts == nil {
		attempts = []Attempt{}
	}
	return attempts, nil
}
