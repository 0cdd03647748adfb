package entitlement

import (
	"errors"
	"strings"
	"time"
)

// Service is an accessible facility.
type Service string

// Services. Gym access depends on the membership; the others on a
// per-member entitlement row.
const (
	Gym      Service = "gym"
	Solarium Service = "solarium" // minutes
	Vending  Service = "vending"  // cents
	Massage  Service = "massage"  // sessions
	Coffee   Service = "coffee"   // flat rate
)

// Services lists every known service.
var Services = []Service{Gym, Solarium, Vending, Massage, Coffee}

var (
	// ErrUnknownService is returned for a service name outside Services.
	ErrUnknownService = errors.New("unknown service")

	// ErrNotEntitlementService is returned when an entitlement row is written for gym.
	ErrNotEntitlementService = errors.New("gym access is governed by the membership")

	// ErrInvalidAmount is returned for a non-positive consumption or a negative balance.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrNFCUIDTaken is returned when another member of the tenant holds the UID.
	ErrNFCUIDTaken = errors.New("nfc uid already assigned")

	// ErrInvalidNFCUID is returned when a UID cannot be normalised.
	ErrInvalidNFCUID = errors.New("invalid nfc uid")

	// ErrAccessConfigNotFound is returned by FindByNFCUID when no member holds the UID.
	ErrAccessConfigNotFound = errors.New("access config not found")

	// ErrEntitlementNotFound is returned when a member has no row for a service.
	ErrEntitlementNotFound = errors.New("entitlement not found")
)

// ParseService parses a service name. An empty name means Gym.
func ParseService(s string) (Service, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Gym, nil
	}
	for _, svc := range Services {
		if Service(s) == svc {
			return svc, nil
		}
	}
	return "", ErrUnknownService
}

// Metered reports whether the service draws down a balance.
func (s Service) Metered() bool {
	return s == Solarium || s == Vending || s == Massage
}

// Entitlement is a member's right to use a non-gym service.
type Entitlement struct {
	TenantID  string     `json:"tenant_id"`
	MemberID  string     `json:"member_id"`
	Service   Service    `json:"service"`
	Enabled   bool       `json:"enabled"`
	Balance   int64      `json:"balance"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// AccessConfig holds a member's credential settings.
//
// NFCUID is canonical uppercase hex, or empty when no card is assigned.
// A QR credential stamped with the second of QRInvalidatedAt or earlier is
// rejected.
type AccessConfig struct {
	MemberID        string     `json:"member_id"`
	TenantID        string     `json:"tenant_id"`
	QREnabled       bool       `json:"qr_enabled"`
	QRInvalidatedAt *time.Time `json:"qr_invalidated_at,omitempty"`
	NFCEnabled      bool       `json:"nfc_enabled"`
	NFCUID          string     `json:"nfc_uid,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// QRRevoked reports whether a credential issued at issuedAt has been invalidated.
func (c *AccessConfig) QRRevoked(issuedAt time.Time) bool {
	return c.QRInvalidatedAt != nil && !issuedAt.After(*c.QRInvalidatedAt)
}

// QRIssueFloor returns the earliest timestamp a new credential may carry
// without being revoked, or the zero time when nothing was invalidated.
func (c *AccessConfig) QRIssueFloor() time.Time {
	if c.QRInvalidatedAt == nil {
		return time.Time{}
	}
	return c.QRInvalidatedAt.Truncate(time.Second).Add(time.Second)
}

// AccessConfigInput carries the fields to change. Nil fields are left as
// they are. An empty NFCUID removes the card.
type AccessConfigInput struct {
	QREnabled  *bool
	NFCEnabled *bool
	NFCUID     *string
}

// EntitlementInput is the full state written by SetEntitlement.
type EntitlementInput struct {
	Enabled   bool
	Balance   int64
	ExpiresAt *time.Time
}
