// Package signing holds each tenant's HMAC signing secret and verifies MACs
// across a key rotation.
//
// Keys are append-only generations: a rotation inserts generation N+1 with
// the old current secret copied to previous_secret. The active key is the
// highest generation. Verification reads the latest row without locking.
//
// The MAC is the lowercase hex HMAC-SHA256 of the message, keyed with the
// hex-encoded secret text. Scanners receive that same text as TENANT_SECRET.
package signing

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/database"
)

// secretBytes is the size of a generated secret (256 bits).
const secretBytes = 32

// MACLength is the length of a hex-encoded HMAC-SHA256.
const MACLength = sha256.Size * 2

var (
	// ErrConcurrentRotation is returned to the loser of two simultaneous rotations.
	ErrConcurrentRotation = errors.New("signing key rotated concurrently")
)

// Key is one generation of a tenant's signing key.
type Key struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	Generation     int        `json:"generation"`
	CurrentSecret  string     `json:"-"`
	PreviousSecret string     `json:"-"`
	RotatedAt      *time.Time `json:"rotated_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Store signs and verifies messages with per-tenant secrets stored in SQLite.
//
// Thread Safety:
//   - Safe for concurrent use. Creation and rotation races resolve on
//     UNIQUE(tenant_id, generation).
type Store struct {
	db          *sql.DB
	gracePeriod time.Duration
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store. The previous secret is accepted for gracePeriod
// after a rotation.
func NewStore(db *sql.DB, gracePeriod time.Duration, opts ...Option) *Store {
	s := &Store{db: db, gracePeriod: gracePeriod, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns the tenant's active key, creating generation 1 on first use.
func (s *Store) Current(ctx context.Context, tenantID string) (*Key, error) {
	key, err := s.latest(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}

	if err := s.create(ctx, tenantID); err != nil && !database.IsUniqueViolation(err) {
		return nil, err
	}
	// Either we inserted generation 1 or a concurrent caller did.
	key, err = s.latest(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("signing key for tenant %s missing after creation", tenantID)
	}
	return key, nil
}

// Sign returns the MAC of message under the tenant's current secret.
func (s *Store) Sign(ctx context.Context, tenantID, message string) (string, error) {
	key, err := s.Current(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return computeMAC(key.CurrentSecret, message), nil
}

// Verify reports whether mac authenticates message. The current secret is
// tried first; the previous secret is accepted only while the rotation grace
// period is running.
func (s *Store) Verify(ctx context.Context, tenantID, message, mac string) (bool, error) {
	key, err := s.Current(ctx, tenantID)
	if err != nil {
		return false, err
	}

	given := []byte(strings.ToLower(mac))
	if hmac.Equal([]byte(computeMAC(key.CurrentSecret, message)), given) {
		return true, nil
	}

	if key.PreviousSecret == "" || key.RotatedAt == nil {
		return false, nil
	}
	if !key.RotatedAt.Add(s.gracePeriod).After(s.now()) {
		return false, nil
	}
	return hmac.Equal([]byte(computeMAC(key.PreviousSecret, message)), given), nil
}

// Rotate makes a fresh secret current and keeps the old one as previous.
// The new generation is derived from the latest row in a single INSERT, so a
// concurrent rotation of the same tenant fails with ErrConcurrentRotation.
func (s *Store) Rotate(ctx context.Context, tenantID string) (*Key, error) {
	current, err := s.Current(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	id := "sk-" + uuid.NewString()[:16]

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO signing_keys (id, tenant_id, generation, current_secret, previous_secret, rotated_at, created_at)
		 SELECT ?, tenant_id, generation + 1, ?, current_secret, ?, ?
		 FROM signing_keys WHERE tenant_id = ? AND generation = ?`,
		id, secret, database.FormatTime(now), database.FormatTime(now),
		tenantID, current.Generation,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrConcurrentRotation
		}
		return nil, fmt.Errorf("rotating signing key: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 { //nolint:errcheck // always succeeds on SQLite
		return nil, ErrConcurrentRotation
	}

	return &Key{
		ID:             id,
		TenantID:       tenantID,
		Generation:     current.Generation + 1,
		CurrentSecret:  secret,
		PreviousSecret: current.CurrentSecret,
		RotatedAt:      &now,
		CreatedAt:      now,
	}, nil
}

func (s *Store) latest(ctx context.Context, tenantID string) (*Key, error) {
	var k Key
	var previous, rotatedAt sql.NullString
	var createdAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, generation, current_secret, previous_secret, rotated_at, created_at
		 FROM signing_keys WHERE tenant_id = ? ORDER BY generation DESC LIMIT 1`, tenantID,
	).Scan(&k.ID, &k.TenantID, &k.Generation, &k.CurrentSecret, &previous, &rotatedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading signing key: %w", err)
	}

	k.PreviousSecret = previous.String
	k.RotatedAt = database.ParseNullTime(rotatedAt)
	k.CreatedAt = database.ParseTime(createdAt)
	return &k, nil
}

func (s *Store) create(ctx context.Context, tenantID string) error {
	secret, err := generateSecret()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO signing_keys (id, tenant_id, generation, current_secret, created_at)
		 VALUES (?, ?, 1, ?, ?)`,
		"sk-"+uuid.NewString()[:16], tenantID, secret, database.FormatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("creating signing key: %w", err)
	}
	return nil
}

func generateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating signing secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func computeMAC(secret, message string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message)) //nolint:errcheck // hash.Hash.Write never fails
	return hex.EncodeToString(h.Sum(nil))
}
