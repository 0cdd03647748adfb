package scanner

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

var (
	// ErrDeviceNotFound is returned when no scanner has the tenant/device number pair.
	ErrDeviceNotFound = errors.New("scanner device not found")

	// ErrInvalidAllowedIP is returned when an allow-list entry is neither an IP nor a CIDR.
	ErrInvalidAllowedIP = errors.New("invalid allowed ip entry")
)

// Device is a registered scanner.
//
// FailedAttempts counts consecutive token mismatches. It stays below the
// lockout threshold while the device is unlocked; reaching the threshold
// sets LockedUntil.
type Device struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	DeviceNumber   int        `json:"device_number"`
	Name           string     `json:"name"`
	APIToken       string     `json:"-"` // never serialised
	AllowedIPs     []string   `json:"allowed_ips"`
	IsActive       bool       `json:"is_active"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsLocked reports whether the lockout is still running at now.
func (d *Device) IsLocked(now time.Time) bool {
	return d.LockedUntil != nil && now.Before(*d.LockedUntil)
}

// TokenExpired reports whether the device token has expired at now.
func (d *Device) TokenExpired(now time.Time) bool {
	return d.TokenExpiresAt != nil && !now.Before(*d.TokenExpiresAt)
}

// AllowsIP reports whether ip passes the allow-list. An empty list allows
// every address. Entries are single addresses or CIDR prefixes.
func (d *Device) AllowsIP(ip string) bool {
	if len(d.AllowedIPs) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, entry := range d.AllowedIPs {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		allowed, err := netip.ParseAddr(entry)
		if err == nil && allowed.Unmap() == addr {
			return true
		}
	}
	return false
}

// normalizeAllowedIPs validates and canonicalises allow-list entries.
func normalizeAllowedIPs(entries []string) ([]string, error) {
	out := make([]string, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidAllowedIP, raw)
			}
			out = append(out, prefix.Masked().String())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAllowedIP, raw)
		}
		out = append(out, addr.Unmap().String())
	}
	return out, nil
}
