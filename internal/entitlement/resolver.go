package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mariokehl/gymportal-access/internal/member"
	"github.com/mariokehl/gymportal-access/internal/outcome"
)

// MembershipChecker reports whether a member holds an active membership.
type MembershipChecker interface {
	HasActiveMembership(ctx context.Context, tenantID, memberID string, at time.Time) (bool, error)
}

// Result is the outcome of Authorize. Balance is set when a metered service
// was consumed.
type Result struct {
	Decision outcome.Decision
	Balance  *int64
}

// Resolver decides whether a member may use a service.
type Resolver struct {
	store       *Store
	memberships MembershipChecker
	now         func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a Resolver.
func NewResolver(store *Store, memberships MembershipChecker, opts ...ResolverOption) *Resolver {
	r := &Resolver{store: store, memberships: memberships, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Check evaluates the member's right to the service without changing state.
//
// Gym needs an active member with an active membership. Every other service
// needs an active member and an enabled entitlement; metered services also
// need a positive balance and coffee an unexpired flat rate.
func (r *Resolver) Check(ctx context.Context, m *member.Member, service Service) (outcome.Decision, error) {
	if !m.IsActive() {
		return outcome.Deny(outcome.MemberNotActive, "member status "+string(m.Status)), nil
	}

	now := r.now().UTC()
	if service == Gym {
		ok, err := r.memberships.HasActiveMembership(ctx, m.TenantID, m.ID, now)
		if err != nil {
			return outcome.Decision{}, err
		}
		if !ok {
			return outcome.Deny(outcome.MemberNotActive, "no active membership"), nil
		}
		return outcome.Grant(), nil
	}

	e, err := r.store.GetEntitlement(ctx, m.TenantID, m.ID, service)
	if errors.Is(err, ErrEntitlementNotFound) {
		return outcome.Deny(outcome.ServiceNotEnabled, string(service)), nil
	}
	if err != nil {
		return outcome.Decision{}, err
	}
	if !e.Enabled {
		return outcome.Deny(outcome.ServiceNotEnabled, string(service)+" disabled"), nil
	}

	switch {
	case service.Metered():
		if e.Balance <= 0 {
			return outcome.Deny(outcome.InsufficientBalance, fmt.Sprintf("%s balance %d", service, e.Balance)), nil
		}
	case service == Coffee:
		if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
			return outcome.Deny(outcome.Expired, "coffee flat rate expired"), nil
		}
	}
	return outcome.Grant(), nil
}

// Consume draws amount from a metered service balance. The balance check and
// the decrement are a single conditional UPDATE, so concurrent consumers can
// never overdraw.
func (r *Resolver) Consume(ctx context.Context, tenantID, memberID string, service Service, amount int64) (int64, outcome.Decision, error) {
	if !service.Metered() {
		return 0, outcome.Decision{}, fmt.Errorf("%w: %s is not metered", ErrUnknownService, service)
	}
	if amount <= 0 {
		return 0, outcome.Decision{}, ErrInvalidAmount
	}

	balance, ok, err := r.store.consume(ctx, tenantID, memberID, service, amount)
	if err != nil {
		return 0, outcome.Decision{}, err
	}
	if ok {
		return balance, outcome.Grant(), nil
	}

	// Nothing was updated: tell a missing or disabled entitlement apart
	// from a short balance.
	e, err := r.store.GetEntitlement(ctx, tenantID, memberID, service)
	if errors.Is(err, ErrEntitlementNotFound) {
		return 0, outcome.Deny(outcome.ServiceNotEnabled, string(service)), nil
	}
	if err != nil {
		return 0, outcome.Decision{}, err
	}
	if !e.Enabled {
		return e.Balance, outcome.Deny(outcome.ServiceNotEnabled, string(service)+" disabled"), nil
	}
	return e.Balance, outcome.Deny(outcome.InsufficientBalance,
		fmt.Sprintf("%s balance %d < %d", service, e.Balance, amount)), nil
}

// Authorize runs Check and, for a metered service with amount > 0, Consume.
// The consume is the authoritative balance check.
func (r *Resolver) Authorize(ctx context.Context, m *member.Member, service Service, amount int64) (Result, error) {
	decision, err := r.Check(ctx, m, service)
	if err != nil || !decision.Granted {
		return Result{Decision: decision}, err
	}
	if !service.Metered() || amount <= 0 {
		return Result{Decision: decision}, nil
	}

	balance, decision, err := r.Consume(ctx, m.TenantID, m.ID, service, amount)
	if err != nil {
		return Result{}, err
	}
	return Result{Decision: decision, Balance: &balance}, nil
}
