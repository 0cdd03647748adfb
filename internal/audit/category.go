package audit

import "github.com/mariokehl/gymportal-access/internal/outcome"

// Category is a coarse reporting bucket for denial reasons.
type Category string

// Reporting categories.
const (
	CategoryExpired          Category = "expired"
	CategoryInvalidSignature Category = "invalid_signature"
	CategoryNoMembership     Category = "no_membership"
	CategoryMalformed        Category = "malformed"
	CategoryOther            Category = "other"
)

// Categorize maps a denial reason to its reporting category. It is used for
// statistics only and never drives a decision.
func Categorize(reason outcome.Reason) Category {
	switch reason {
	case outcome.Expired:
		return CategoryExpired
	case outcome.InvalidSignature:
		return CategoryInvalidSignature
	case outcome.MemberNotFound, outcome.MemberNotActive, outcome.ServiceNotEnabled, outcome.InsufficientBalance:
		return CategoryNoMembership
	case outcome.InvalidFormat:
		return CategoryMalformed
	case outcome.DeviceInactive, outcome.DeviceLocked, outcome.DeviceTokenExpired,
		outcome.IPNotAllowed, outcome.RateLimited:
		return CategoryOther
	default:
		return CategoryOther
	}
}
