package audit

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mariokehl/gymportal-access/internal/outcome"
)

// Method is the credential type presented at a scanner.
type Method string

// Supported credential methods.
const (
	MethodQR  Method = "qr"
	MethodNFC Method = "nfc"
)

// identifierPrefix is how much of a presented identifier is kept.
const identifierPrefix = 12

// Attempt is one access validation. Attempts are append-only.
type Attempt struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	DeviceNumber int            `json:"device_number"`
	MemberID     string         `json:"member_id,omitempty"`
	Method       Method         `json:"method"`
	Service      string         `json:"service"`
	Granted      bool           `json:"granted"`
	DenialReason outcome.Reason `json:"denial_reason,omitempty"`
	Metadata     Metadata       `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Metadata is the diagnostic context of an attempt. It never holds a full
// credential.
//
// Internal marks a denial caused by a storage or signing failure rather
// than by the credential. Its DenialReason only names the pipeline stage.
type Metadata struct {
	IP         string `json:"ip,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Internal   bool   `json:"internal,omitempty"`
}

// NewID returns a ULID for an attempt created at t. IDs sort by time.
func NewID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// TruncateIdentifier keeps a short prefix of a presented credential so logs
// can be correlated without storing the MAC or the full card UID.
func TruncateIdentifier(s string) string {
	if len(s) <= identifierPrefix {
		return s
	}
	return s[:identifierPrefix] + "..."
}

// prepare fills the generated fields.
func (a *Attempt) prepare(now time.Time) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.CreatedAt = a.CreatedAt.UTC()
	if a.ID == "" {
		a.ID = NewID(a.CreatedAt)
	}
	if a.Granted {
		a.DenialReason = ""
	}
}
