package scanner

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/database"
)

// tokenBytes is the size of a device token (256 bits).
const tokenBytes = 32

// RegisterInput describes a new scanner.
type RegisterInput struct {
	Name           string
	AllowedIPs     []string
	TokenExpiresAt *time.Time
}

// UpdateInput carries the mutable device fields. Nil fields are left unchanged.
type UpdateInput struct {
	Name             *string
	IsActive         *bool
	AllowedIPs       *[]string
	TokenExpiresAt   *time.Time
	ClearTokenExpiry bool
}

// Repository is the SQLite-backed scanner registry. It also carries the
// atomic counter updates used by Gate.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository creates a scanner repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

const selectDevice = `SELECT id, tenant_id, device_number, name, api_token, allowed_ips, is_active,
	token_expires_at, failed_attempts, locked_until, last_seen_at, created_at, updated_at
	FROM scanner_devices`

// Register creates a device with the next free device number of the tenant
// and a fresh 256-bit token. The returned Device carries the token; it is
// the only time the token is handed out besides regeneration and export.
func (r *Repository) Register(ctx context.Context, tenantID string, in RegisterInput) (*Device, error) {
	allowed, err := normalizeAllowedIPs(in.AllowedIPs)
	if err != nil {
		return nil, err
	}
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	ipsJSON, err := json.Marshal(allowed)
	if err != nil {
		return nil, fmt.Errorf("marshalling allowed ips: %w", err)
	}

	now := r.now().UTC()
	d := &Device{
		ID:             "scn-" + uuid.NewString()[:16],
		TenantID:       tenantID,
		Name:           in.Name,
		APIToken:       token,
		AllowedIPs:     allowed,
		IsActive:       true,
		TokenExpiresAt: in.TokenExpiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(device_number), 0) + 1 FROM scanner_devices WHERE tenant_id = ?", tenantID,
		).Scan(&d.DeviceNumber); err != nil {
			return fmt.Errorf("allocating device number: %w", err)
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO scanner_devices (id, tenant_id, device_number, name, api_token, allowed_ips,
				is_active, token_expires_at, failed_attempts, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, 1, ?, 0, ?, ?)`,
			d.ID, tenantID, d.DeviceNumber, d.Name, token, string(ipsJSON),
			database.NullTime(d.TokenExpiresAt), database.FormatTime(now), database.FormatTime(now),
		)
		if err != nil {
			return fmt.Errorf("inserting scanner: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Get returns a device by tenant and device number.
func (r *Repository) Get(ctx context.Context, tenantID string, deviceNumber int) (*Device, error) {
	row := r.db.QueryRowContext(ctx,
		selectDevice+` WHERE tenant_id = ? AND device_number = ?`, tenantID, deviceNumber)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("getting scanner: %w", err)
	}
	return d, nil
}

// List returns the tenant's devices ordered by device number.
func (r *Repository) List(ctx context.Context, tenantID string) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx,
		selectDevice+` WHERE tenant_id = ? ORDER BY device_number`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing scanners: %w", err)
	}
	defer rows.Close()

	devices := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning scanner: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scanners: %w", err)
	}
	return devices, nil
}

// Update applies the non-nil fields of in and returns the updated device.
func (r *Repository) Update(ctx context.Context, tenantID string, deviceNumber int, in UpdateInput) (*Device, error) {
	d, err := r.Get(ctx, tenantID, deviceNumber)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		d.Name = *in.Name
	}
	if in.IsActive != nil {
		d.IsActive = *in.IsActive
	}
	if in.AllowedIPs != nil {
		allowed, err := normalizeAllowedIPs(*in.AllowedIPs)
		if err != nil {
			return nil, err
		}
		d.AllowedIPs = allowed
	}
	if in.ClearTokenExpiry {
		d.TokenExpiresAt = nil
	} else if in.TokenExpiresAt != nil {
		d.TokenExpiresAt = in.TokenExpiresAt
	}

	ipsJSON, err := json.Marshal(d.AllowedIPs)
	if err != nil {
		return nil, fmt.Errorf("marshalling allowed ips: %w", err)
	}
	d.UpdatedAt = r.now().UTC()

	result, err := r.db.ExecContext(ctx,
		`UPDATE scanner_devices SET name = ?, is_active = ?, allowed_ips = ?, token_expires_at = ?, updated_at = ?
		 WHERE id = ?`,
		d.Name, database.BoolToInt(d.IsActive), string(ipsJSON),
		database.NullTime(d.TokenExpiresAt), database.FormatTime(d.UpdatedAt), d.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating scanner: %w", err)
	}
	if err := requireRow(result); err != nil {
		return nil, err
	}
	return d, nil
}

// RegenerateToken issues a new token and clears any lockout.
// The returned Device carries the new token.
func (r *Repository) RegenerateToken(ctx context.Context, tenantID string, deviceNumber int) (*Device, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	now := database.FormatTime(r.now())

	result, err := r.db.ExecContext(ctx,
		`UPDATE scanner_devices SET api_token = ?, failed_attempts = 0, locked_until = NULL, updated_at = ?
		 WHERE tenant_id = ? AND device_number = ?`,
		token, now, tenantID, deviceNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("regenerating scanner token: %w", err)
	}
	if err := requireRow(result); err != nil {
		return nil, err
	}
	return r.Get(ctx, tenantID, deviceNumber)
}

// Unlock clears a lockout and the failure counter.
func (r *Repository) Unlock(ctx context.Context, tenantID string, deviceNumber int) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE scanner_devices SET failed_attempts = 0, locked_until = NULL, updated_at = ?
		 WHERE tenant_id = ? AND device_number = ?`,
		database.FormatTime(r.now()), tenantID, deviceNumber,
	)
	if err != nil {
		return fmt.Errorf("unlocking scanner: %w", err)
	}
	return requireRow(result)
}

// Delete decommissions a device. Its access attempts are kept.
func (r *Repository) Delete(ctx context.Context, tenantID string, deviceNumber int) error {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM scanner_devices WHERE tenant_id = ? AND device_number = ?", tenantID, deviceNumber)
	if err != nil {
		return fmt.Errorf("deleting scanner: %w", err)
	}
	return requireRow(result)
}

// TouchLastSeen stamps last_seen_at with the current time.
func (r *Repository) TouchLastSeen(ctx context.Context, tenantID string, deviceNumber int) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE scanner_devices SET last_seen_at = ? WHERE tenant_id = ? AND device_number = ?",
		database.FormatTime(r.now()), tenantID, deviceNumber)
	if err != nil {
		return fmt.Errorf("updating last seen: %w", err)
	}
	return requireRow(result)
}

// clearExpiredLock resets the counter and lock of a device whose lockout has
// ended. It reports whether a lock was cleared.
func (r *Repository) clearExpiredLock(ctx context.Context, id string, now time.Time) (bool, error) {
	ts := database.FormatTime(now)
	result, err := r.db.ExecContext(ctx,
		`UPDATE scanner_devices SET failed_attempts = 0, locked_until = NULL, updated_at = ?
		 WHERE id = ? AND locked_until IS NOT NULL AND locked_until <= ?`,
		ts, id, ts,
	)
	if err != nil {
		return false, fmt.Errorf("clearing expired lock: %w", err)
	}
	n, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return n > 0, nil
}

// recordFailure increments the failure counter in one statement and sets the
// lock when the new value reaches threshold. It only applies to an unlocked
// device, so attempts during a lockout are not counted. applied is false when
// the device was already locked.
func (r *Repository) recordFailure(ctx context.Context, id string, now time.Time, threshold int, lockFor time.Duration) (attempts int, lockedUntil *time.Time, applied bool, err error) {
	var locked sql.NullString
	err = r.db.QueryRowContext(ctx,
		`UPDATE scanner_devices
		 SET failed_attempts = failed_attempts + 1,
		     locked_until = CASE WHEN failed_attempts + 1 >= ? THEN ? ELSE NULL END,
		     updated_at = ?
		 WHERE id = ? AND locked_until IS NULL
		 RETURNING failed_attempts, locked_until`,
		threshold, database.FormatTime(now.Add(lockFor)), database.FormatTime(now), id,
	).Scan(&attempts, &locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, false, nil
		}
		return 0, nil, false, fmt.Errorf("recording scanner auth failure: %w", err)
	}
	return attempts, database.ParseNullTime(locked), true, nil
}

// recordSuccess resets the counter and stamps last_seen_at.
func (r *Repository) recordSuccess(ctx context.Context, id string, now time.Time) error {
	ts := database.FormatTime(now)
	_, err := r.db.ExecContext(ctx,
		`UPDATE scanner_devices SET failed_attempts = 0, locked_until = NULL, last_seen_at = ?, updated_at = ?
		 WHERE id = ?`,
		ts, ts, id,
	)
	if err != nil {
		return fmt.Errorf("recording scanner auth success: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var ipsJSON, createdAt, updatedAt string
	var isActive int
	var tokenExpires, lockedUntil, lastSeen sql.NullString

	if err := row.Scan(&d.ID, &d.TenantID, &d.DeviceNumber, &d.Name, &d.APIToken, &ipsJSON, &isActive,
		&tokenExpires, &d.FailedAttempts, &lockedUntil, &lastSeen, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(ipsJSON), &d.AllowedIPs); err != nil {
		return nil, fmt.Errorf("decoding allowed ips: %w", err)
	}
	if d.AllowedIPs == nil {
		d.AllowedIPs = []string{}
	}
	d.IsActive = isActive != 0
	d.TokenExpiresAt = database.ParseNullTime(tokenExpires)
	d.LockedUntil = database.ParseNullTime(lockedUntil)
	d.LastSeenAt = database.ParseNullTime(lastSeen)
	d.CreatedAt = database.ParseTime(createdAt)
	d.UpdatedAt = database.ParseTime(updatedAt)
	return &d, nil
}

func requireRow(result sql.Result) error {
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating device token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
