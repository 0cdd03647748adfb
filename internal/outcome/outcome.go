// Package outcome defines the closed set of access denial reasons and the
// Decision value every credential check returns.
//
// Expected outcomes (a locked scanner, an expired QR code, an empty balance)
// are Decisions, never errors. Errors are reserved for infrastructure failures.
package outcome

// Reason is a stable, machine-readable denial code. The string value is the
// wire code returned to scanners and stored in access_attempts.denial_reason.
type Reason string

const (
	Expired             Reason = "expired"
	InvalidSignature    Reason = "invalid_signature"
	InvalidFormat       Reason = "invalid_format"
	MemberNotFound      Reason = "member_not_found"
	ServiceNotEnabled   Reason = "service_not_enabled"
	InsufficientBalance Reason = "insufficient_balance"
	DeviceInactive      Reason = "device_inactive"
	DeviceLocked        Reason = "device_locked"
	DeviceTokenExpired  Reason = "device_token_expired"
	IPNotAllowed        Reason = "ip_not_allowed"
	MemberNotActive     Reason = "member_not_active"
	RateLimited         Reason = "rate_limited"
)

// AllReasons lists every Reason in declaration order.
var AllReasons = []Reason{
	Expired,
	InvalidSignature,
	InvalidFormat,
	MemberNotFound,
	ServiceNotEnabled,
	InsufficientBalance,
	DeviceInactive,
	DeviceLocked,
	DeviceTokenExpired,
	IPNotAllowed,
	MemberNotActive,
	RateLimited,
}

// Valid reports whether r is one of the declared reasons.
func (r Reason) Valid() bool {
	for _, v := range AllReasons {
		if r == v {
			return true
		}
	}
	return false
}

// Decision is the result of a credential check.
//
// Detail is optional diagnostic text for the audit log. It is never the
// reason code itself and is never shown to members.
type Decision struct {
	Granted bool   `json:"granted"`
	Reason  Reason `json:"reason,omitempty"`
	Detail  string `json:"-"`
}

// Grant returns a granted Decision.
func Grant() Decision {
	return Decision{Granted: true}
}

// Deny returns a denied Decision with the given reason and optional detail.
func Deny(reason Reason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// String renders the decision for logs.
func (d Decision) String() string {
	if d.Granted {
		return "granted"
	}
	return "denied:" + string(d.Reason)
}
