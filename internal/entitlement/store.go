package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/database"
	"github.com/mariokehl/gymportal-access/internal/nfc"
)

// Store persists member access configs and service entitlements in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreClock overrides the time source.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const selectAccessConfig = `SELECT member_id, tenant_id, qr_enabled, qr_invalidated_at, nfc_enabled, nfc_uid, updated_at
	FROM member_access_configs`

// GetAccessConfig returns the member's access config. A member without a
// stored config gets the defaults: QR enabled, NFC disabled, no card.
func (s *Store) GetAccessConfig(ctx context.Context, tenantID, memberID string) (*AccessConfig, error) {
	cfg, err := scanAccessConfig(s.db.QueryRowContext(ctx,
		selectAccessConfig+` WHERE tenant_id = ? AND member_id = ?`, tenantID, memberID))
	if errors.Is(err, sql.ErrNoRows) {
		return &AccessConfig{MemberID: memberID, TenantID: tenantID, QREnabled: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting access config: %w", err)
	}
	return cfg, nil
}

// FindByNFCUID returns the access config holding the canonical UID.
func (s *Store) FindByNFCUID(ctx context.Context, tenantID, uid string) (*AccessConfig, error) {
	cfg, err := scanAccessConfig(s.db.QueryRowContext(ctx,
		selectAccessConfig+` WHERE tenant_id = ? AND nfc_uid = ?`, tenantID, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccessConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding nfc uid: %w", err)
	}
	return cfg, nil
}

// SetAccessConfig applies in to the member's config. A UID is normalised
// before it is stored and must be unique within the tenant.
func (s *Store) SetAccessConfig(ctx context.Context, tenantID, memberID string, in AccessConfigInput) (*AccessConfig, error) {
	cfg, err := s.GetAccessConfig(ctx, tenantID, memberID)
	if err != nil {
		return nil, err
	}

	if in.QREnabled != nil {
		cfg.QREnabled = *in.QREnabled
	}
	if in.NFCEnabled != nil {
		cfg.NFCEnabled = *in.NFCEnabled
	}
	if in.NFCUID != nil {
		cfg.NFCUID = ""
		if *in.NFCUID != "" {
			uid, ok := nfc.Normalize(*in.NFCUID)
			if !ok {
				return nil, ErrInvalidNFCUID
			}
			cfg.NFCUID = uid
		}
	}
	cfg.UpdatedAt = s.now().UTC()

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if cfg.NFCUID != "" {
			var holder string
			err := tx.QueryRowContext(ctx,
				"SELECT member_id FROM member_access_configs WHERE tenant_id = ? AND nfc_uid = ? AND member_id <> ?",
				tenantID, cfg.NFCUID, memberID).Scan(&holder)
			if err == nil {
				return ErrNFCUIDTaken
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("checking nfc uid: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO member_access_configs (member_id, tenant_id, qr_enabled, qr_invalidated_at, nfc_enabled, nfc_uid, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(member_id) DO UPDATE SET
			   qr_enabled = excluded.qr_enabled,
			   nfc_enabled = excluded.nfc_enabled,
			   nfc_uid = excluded.nfc_uid,
			   updated_at = excluded.updated_at`,
			memberID, tenantID, database.BoolToInt(cfg.QREnabled), database.NullTime(cfg.QRInvalidatedAt),
			database.BoolToInt(cfg.NFCEnabled), nullString(cfg.NFCUID), database.FormatTime(cfg.UpdatedAt),
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return ErrNFCUIDTaken
			}
			return fmt.Errorf("saving access config: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// InvalidateQR rejects every QR credential of the member issued up to now.
// Credentials carry whole seconds, so the cut-off is stored at second
// precision and covers the entire current second.
func (s *Store) InvalidateQR(ctx context.Context, tenantID, memberID string) (time.Time, error) {
	now := s.now().UTC().Truncate(time.Second)
	ts := database.FormatTime(now)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO member_access_configs (member_id, tenant_id, qr_enabled, qr_invalidated_at, nfc_enabled, updated_at)
		 VALUES (?, ?, 1, ?, 0, ?)
		 ON CONFLICT(member_id) DO UPDATE SET qr_invalidated_at = excluded.qr_invalidated_at, updated_at = excluded.updated_at`,
		memberID, tenantID, ts, ts,
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalidating qr credentials: %w", err)
	}
	return now, nil
}

// GetEntitlement returns the member's entitlement for a service.
func (s *Store) GetEntitlement(ctx context.Context, tenantID, memberID string, service Service) (*Entitlement, error) {
	var e Entitlement
	var enabled int
	var svc, updatedAt string
	var expiresAt sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, member_id, service, enabled, balance, expires_at, updated_at
		 FROM member_entitlements WHERE tenant_id = ? AND member_id = ? AND service = ?`,
		tenantID, memberID, string(service),
	).Scan(&e.TenantID, &e.MemberID, &svc, &enabled, &e.Balance, &expiresAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("getting entitlement: %w", err)
	}

	e.Service = Service(svc)
	e.Enabled = enabled != 0
	e.ExpiresAt = database.ParseNullTime(expiresAt)
	e.UpdatedAt = database.ParseTime(updatedAt)
	return &e, nil
}

// SetEntitlement writes the full entitlement state for a non-gym service.
func (s *Store) SetEntitlement(ctx context.Context, tenantID, memberID string, service Service, in EntitlementInput) (*Entitlement, error) {
	if service == Gym {
		return nil, ErrNotEntitlementService
	}
	if _, err := ParseService(string(service)); err != nil {
		return nil, err
	}
	if in.Balance < 0 {
		return nil, ErrInvalidAmount
	}

	e := &Entitlement{
		TenantID:  tenantID,
		MemberID:  memberID,
		Service:   service,
		Enabled:   in.Enabled,
		Balance:   in.Balance,
		ExpiresAt: in.ExpiresAt,
		UpdatedAt: s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO member_entitlements (tenant_id, member_id, service, enabled, balance, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(member_id, service) DO UPDATE SET
		   enabled = excluded.enabled,
		   balance = excluded.balance,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		tenantID, memberID, string(service), database.BoolToInt(e.Enabled), e.Balance,
		database.NullTime(e.ExpiresAt), database.FormatTime(e.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("saving entitlement: %w", err)
	}
	return e, nil
}

// consume decrements the balance when the entitlement is enabled and holds
// at least amount. The check and the decrement are one statement. ok is
// false when the conditions did not hold.
func (s *Store) consume(ctx context.Context, tenantID, memberID string, service Service, amount int64) (balance int64, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`UPDATE member_entitlements SET balance = balance - ?, updated_at = ?
		 WHERE tenant_id = ? AND member_id = ? AND service = ? AND enabled = 1 AND balance >= ?
		 RETURNING balance`,
		amount, database.FormatTime(s.now()), tenantID, memberID, string(service), amount,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("consuming %s: %w", service, err)
	}
	return balance, true, nil
}

func scanAccessConfig(row *sql.Row) (*AccessConfig, error) {
	var c AccessConfig
	var qrEnabled, nfcEnabled int
	var invalidatedAt, uid sql.NullString
	var updatedAt string

	if err := row.Scan(&c.MemberID, &c.TenantID, &qrEnabled, &invalidatedAt, &nfcEnabled, &uid, &updatedAt); err != nil {
		return nil, err
	}
	c.QREnabled = qrEnabled != 0
	c.NFCEnabled = nfcEnabled != 0
	c.QRInvalidatedAt = database.ParseNullTime(invalidatedAt)
	c.NFCUID = uid.String
	c.UpdatedAt = database.ParseTime(updatedAt)
	return &c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
