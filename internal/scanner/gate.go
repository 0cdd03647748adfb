package scanner

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/mariokehl/gymportal-access/internal/outcome"
)

// Default lockout policy.
const (
	DefaultLockoutThreshold = 5
	DefaultLockoutDuration  = 15 * time.Minute
)

// AuthRequest carries the credentials a scanner presents with a request.
type AuthRequest struct {
	TenantID     string
	DeviceNumber int
	Token        string
	IP           string
}

// LockoutHook is called when a failure puts a device into lockout.
type LockoutHook func(tenantID string, deviceNumber int, until time.Time)

// Gate authenticates scanner requests and maintains the lockout counter.
type Gate struct {
	repo      *Repository
	threshold int
	lockFor   time.Duration
	now       func() time.Time
	onLockout LockoutHook
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateClock overrides the time source.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// WithLockoutHook registers a callback for new lockouts.
func WithLockoutHook(hook LockoutHook) GateOption {
	return func(g *Gate) { g.onLockout = hook }
}

// NewGate creates a Gate. Non-positive policy values fall back to the defaults.
func NewGate(repo *Repository, threshold int, lockFor time.Duration, opts ...GateOption) *Gate {
	if threshold <= 0 {
		threshold = DefaultLockoutThreshold
	}
	if lockFor <= 0 {
		lockFor = DefaultLockoutDuration
	}
	g := &Gate{repo: repo, threshold: threshold, lockFor: lockFor, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authenticate checks a scanner request. The first failing check decides the
// denial reason: unknown or inactive device, expired token, IP allow-list,
// running lockout, token mismatch. Only a token mismatch counts towards the
// lockout.
//
// The returned device is nil for an unknown device. Errors are reserved for
// storage failures.
func (g *Gate) Authenticate(ctx context.Context, req AuthRequest) (*Device, outcome.Decision, error) {
	now := g.now().UTC()

	d, err := g.repo.Get(ctx, req.TenantID, req.DeviceNumber)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, outcome.Deny(outcome.DeviceInactive, "unknown device"), nil
		}
		return nil, outcome.Decision{}, err
	}

	if !d.IsActive {
		return d, outcome.Deny(outcome.DeviceInactive, "device deactivated"), nil
	}
	if d.TokenExpired(now) {
		return d, outcome.Deny(outcome.DeviceTokenExpired, ""), nil
	}
	if !d.AllowsIP(req.IP) {
		return d, outcome.Deny(outcome.IPNotAllowed, "ip "+req.IP), nil
	}

	if d.LockedUntil != nil {
		if d.IsLocked(now) {
			return d, outcome.Deny(outcome.DeviceLocked, "locked until "+d.LockedUntil.Format(time.RFC3339)), nil
		}
		if _, err := g.repo.clearExpiredLock(ctx, d.ID, now); err != nil {
			return d, outcome.Decision{}, err
		}
		d.FailedAttempts = 0
		d.LockedUntil = nil
	}

	if subtle.ConstantTimeCompare([]byte(req.Token), []byte(d.APIToken)) != 1 {
		return g.fail(ctx, d, now)
	}

	if err := g.repo.recordSuccess(ctx, d.ID, now); err != nil {
		return d, outcome.Decision{}, err
	}
	d.FailedAttempts = 0
	d.LockedUntil = nil
	d.LastSeenAt = &now
	return d, outcome.Grant(), nil
}

func (g *Gate) fail(ctx context.Context, d *Device, now time.Time) (*Device, outcome.Decision, error) {
	attempts, lockedUntil, applied, err := g.repo.recordFailure(ctx, d.ID, now, g.threshold, g.lockFor)
	if err != nil {
		return d, outcome.Decision{}, err
	}
	if !applied {
		// Another request locked the device in between.
		return d, outcome.Deny(outcome.DeviceLocked, "locked concurrently"), nil
	}

	d.FailedAttempts = attempts
	d.LockedUntil = lockedUntil
	if lockedUntil != nil && g.onLockout != nil {
		g.onLockout(d.TenantID, d.DeviceNumber, *lockedUntil)
	}
	return d, outcome.Deny(outcome.InvalidSignature, fmt.Sprintf("token mismatch (%d/%d)", attempts, g.threshold)), nil
}
