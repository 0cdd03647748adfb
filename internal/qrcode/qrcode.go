// Package qrcode issues and verifies the signed, time-bound QR payloads that
// members show at the scanner.
//
// Wire form: "{member_id}:{unix_seconds}:{hex_mac}" where mac signs
// "{member_id}:{unix_seconds}". Issuance and parsing use the same form.
package qrcode

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mariokehl/gymportal-access/internal/outcome"
	"github.com/mariokehl/gymportal-access/internal/signing"
	"github.com/mariokehl/gymportal-access/internal/tenant"
)

// MaxClockSkew is how far in the future a timestamp may lie before the
// credential is treated as expired.
const MaxClockSkew = 30 * time.Second

const separator = ":"

// Signer produces and checks MACs. Implemented by signing.Store.
type Signer interface {
	Sign(ctx context.Context, tenantID, message string) (string, error)
	Verify(ctx context.Context, tenantID, message, mac string) (bool, error)
}

// TenantReader resolves the tenant's QR window.
type TenantReader interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
}

// Credential is a decoded QR payload.
type Credential struct {
	MemberID  string `json:"member_id"`
	Timestamp int64  `json:"timestamp"`
	MAC       string `json:"mac"`
}

// Message returns the signed portion of the credential.
func (c Credential) Message() string {
	return signedMessage(c.MemberID, c.Timestamp)
}

// Payload returns the string encoded in the QR image.
func (c Credential) Payload() string {
	return c.Message() + separator + c.MAC
}

// IssuedAt returns the credential timestamp.
func (c Credential) IssuedAt() time.Time {
	return time.Unix(c.Timestamp, 0).UTC()
}

// Codec issues and verifies QR credentials.
type Codec struct {
	signer        Signer
	tenants       TenantReader
	defaultWindow time.Duration
	now           func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// NewCodec creates a Codec. defaultWindow applies to tenants without their
// own qr_validity_minutes.
func NewCodec(signer Signer, tenants TenantReader, defaultWindow time.Duration, opts ...Option) *Codec {
	c := &Codec{signer: signer, tenants: tenants, defaultWindow: defaultWindow, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Window returns the validity window for the tenant.
func (c *Codec) Window(ctx context.Context, tenantID string) (time.Duration, error) {
	t, err := c.tenants.Get(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("loading tenant settings: %w", err)
	}
	return t.QRWindow(c.defaultWindow), nil
}

// Issue signs a fresh credential for the member. The timestamp is captured once.
func (c *Codec) Issue(ctx context.Context, tenantID, memberID string) (Credential, error) {
	return c.IssueNotBefore(ctx, tenantID, memberID, time.Time{})
}

// IssueNotBefore is Issue with a lower bound on the timestamp. A member
// whose credentials were invalidated earlier in the current second gets
// the next second, which still verifies within MaxClockSkew.
func (c *Codec) IssueNotBefore(ctx context.Context, tenantID, memberID string, notBefore time.Time) (Credential, error) {
	if memberID == "" || strings.Contains(memberID, separator) {
		return Credential{}, fmt.Errorf("invalid member id %q", memberID)
	}

	now := c.now()
	ts := now.Unix()
	if !notBefore.IsZero() && notBefore.Unix() > ts {
		if notBefore.Sub(now) > MaxClockSkew {
			return Credential{}, fmt.Errorf("qr timestamp floor %s is too far ahead", notBefore.UTC().Format(time.RFC3339))
		}
		ts = notBefore.Unix()
	}
	mac, err := c.signer.Sign(ctx, tenantID, signedMessage(memberID, ts))
	if err != nil {
		return Credential{}, fmt.Errorf("signing qr credential: %w", err)
	}
	return Credential{MemberID: memberID, Timestamp: ts, MAC: mac}, nil
}

// ParseAndVerify decodes raw and checks, in order, format, age and signature.
// The first failing check decides the denial reason. The returned Credential
// carries whatever was decoded, even on denial, for audit purposes.
func (c *Codec) ParseAndVerify(ctx context.Context, tenantID, raw string) (Credential, outcome.Decision, error) {
	cred, ok := Parse(raw)
	if !ok {
		return cred, outcome.Deny(outcome.InvalidFormat, "malformed qr payload"), nil
	}

	window, err := c.Window(ctx, tenantID)
	if err != nil {
		return cred, outcome.Decision{}, err
	}

	now := c.now()
	issued := cred.IssuedAt()
	if age := now.Sub(issued); age > window {
		return cred, outcome.Deny(outcome.Expired, fmt.Sprintf("issued %s ago, window %s", age.Truncate(time.Second), window)), nil
	}
	if issued.Sub(now) > MaxClockSkew {
		return cred, outcome.Deny(outcome.Expired, "timestamp in the future"), nil
	}

	valid, err := c.signer.Verify(ctx, tenantID, cred.Message(), cred.MAC)
	if err != nil {
		return cred, outcome.Decision{}, fmt.Errorf("verifying qr credential: %w", err)
	}
	if !valid {
		return cred, outcome.Deny(outcome.InvalidSignature, "mac mismatch"), nil
	}
	return cred, outcome.Grant(), nil
}

// Parse splits a payload into its three fields without verifying it.
func Parse(raw string) (Credential, bool) {
	parts := strings.Split(strings.TrimSpace(raw), separator)
	if len(parts) != 3 {
		return Credential{}, false
	}

	cred := Credential{MemberID: parts[0], MAC: strings.ToLower(parts[2])}
	if cred.MemberID == "" {
		return cred, false
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || ts < 0 {
		return cred, false
	}
	cred.Timestamp = ts

	if len(cred.MAC) != signing.MACLength || !isLowerHex(cred.MAC) {
		return cred, false
	}
	return cred, true
}

func signedMessage(memberID string, ts int64) string {
	return memberID + separator + strconv.FormatInt(ts, 10)
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
