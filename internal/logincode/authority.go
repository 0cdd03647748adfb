package logincode

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/database"
	"github.com/mariokehl/gymportal-access/internal/outcome"
)

const (
	// CodeDigits is the length of a login code.
	CodeDigits = 6

	// DefaultTTL is how long an issued code stays valid.
	DefaultTTL = 10 * time.Minute

	// maxGenerateAttempts bounds the retry loop for a code that collides
	// with a currently valid one.
	maxGenerateAttempts = 20
)

// ErrCodeSpaceExhausted is returned when no unique code could be generated.
var ErrCodeSpaceExhausted = errors.New("could not generate a unique login code")

// Code is an issued login code. The code value is never serialised.
type Code struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	MemberID    string    `json:"member_id"`
	Code        string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
	IssuerIP    string    `json:"issuer_ip,omitempty"`
	IssuerAgent string    `json:"issuer_agent,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Authority issues and verifies single-use email login codes.
//
// Thread Safety:
//   - Safe for concurrent use. Single use is enforced by the conditional
//     UPDATE in Verify, so two racing verifications grant at most once.
type Authority struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// AuthorityOption configures an Authority.
type AuthorityOption func(*Authority)

// WithAuthorityClock replaces time.Now, for tests.
func WithAuthorityClock(now func() time.Time) AuthorityOption {
	return func(a *Authority) { a.now = now }
}

// NewAuthority creates an Authority. A non-positive ttl uses DefaultTTL.
func NewAuthority(db *sql.DB, ttl time.Duration, opts ...AuthorityOption) *Authority {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	a := &Authority{db: db, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// TTL returns the lifetime of issued codes.
func (a *Authority) TTL() time.Duration {
	return a.ttl
}

// Issue invalidates the member's unused codes and stores a fresh one.
func (a *Authority) Issue(ctx context.Context, tenantID, memberID, ip, agent string) (*Code, error) {
	now := a.now().UTC()
	c := &Code{
		ID:          "lgc-" + uuid.NewString()[:16],
		TenantID:    tenantID,
		MemberID:    memberID,
		ExpiresAt:   now.Add(a.ttl),
		IssuerIP:    ip,
		IssuerAgent: agent,
		CreatedAt:   now,
	}

	err := database.WithTx(ctx, a.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE login_codes SET used = 1, used_at = ?
			 WHERE tenant_id = ? AND member_id = ? AND used = 0`,
			database.FormatTime(now), tenantID, memberID,
		); err != nil {
			return fmt.Errorf("invalidating previous codes: %w", err)
		}

		code, err := uniqueCode(ctx, tx, now)
		if err != nil {
			return err
		}
		c.Code = code

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO login_codes (id, tenant_id, member_id, code, expires_at, used, issuer_ip, issuer_agent, created_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			c.ID, tenantID, memberID, code, database.FormatTime(c.ExpiresAt),
			nullString(ip), nullString(agent), database.FormatTime(now),
		); err != nil {
			return fmt.Errorf("inserting login code: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Verify checks code against the member's active code and consumes it on a match.
// No active code yields Expired; a wrong code yields InvalidSignature.
func (a *Authority) Verify(ctx context.Context, tenantID, memberID, code string) (outcome.Decision, error) {
	now := a.now().UTC()

	var id, stored string
	err := a.db.QueryRowContext(ctx,
		`SELECT id, code FROM login_codes
		 WHERE tenant_id = ? AND member_id = ? AND used = 0 AND expires_at > ?
		 ORDER BY created_at DESC LIMIT 1`,
		tenantID, memberID, database.FormatTime(now),
	).Scan(&id, &stored)
	if errors.Is(err, sql.ErrNoRows) {
		return outcome.Deny(outcome.Expired, "no active login code"), nil
	}
	if err != nil {
		return outcome.Decision{}, fmt.Errorf("reading login code: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(strings.TrimSpace(code))) != 1 {
		return outcome.Deny(outcome.InvalidSignature, "login code mismatch"), nil
	}

	result, err := a.db.ExecContext(ctx,
		`UPDATE login_codes SET used = 1, used_at = ? WHERE id = ? AND used = 0`,
		database.FormatTime(now), id,
	)
	if err != nil {
		return outcome.Decision{}, fmt.Errorf("consuming login code: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return outcome.Decision{}, fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return outcome.Deny(outcome.Expired, "login code already used"), nil
	}
	return outcome.Grant(), nil
}

// DeleteExpired removes codes that expired before cutoff and returns the count.
func (a *Authority) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := a.db.ExecContext(ctx,
		"DELETE FROM login_codes WHERE expires_at < ?", database.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting expired login codes: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// uniqueCode draws codes until one is not held by any currently valid code.
func uniqueCode(ctx context.Context, tx *sql.Tx, now time.Time) (string, error) {
	for range maxGenerateAttempts {
		code, err := generateCode(CodeDigits)
		if err != nil {
			return "", fmt.Errorf("generating login code: %w", err)
		}

		var taken int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM login_codes WHERE code = ? AND used = 0 AND expires_at > ?",
			code, database.FormatTime(now),
		).Scan(&taken); err != nil {
			return "", fmt.Errorf("checking code uniqueness: %w", err)
		}
		if taken == 0 {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

func generateCode(digits int) (string, error) {
	var b strings.Builder
	b.Grow(digits)

	ten := big.NewInt(10)
	for range digits {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
