package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/mariokehl/gymportal-access/internal/audit"
	"github.com/mariokehl/gymportal-access/internal/entitlement"
	"github.com/mariokehl/gymportal-access/internal/member"
	"github.com/mariokehl/gymportal-access/internal/nfc"
	"github.com/mariokehl/gymportal-access/internal/outcome"
	"github.com/mariokehl/gymportal-access/internal/qrcode"
	"github.com/mariokehl/gymportal-access/internal/scanner"
	"github.com/mariokehl/gymportal-access/internal/tenant"
)

// Request is one credential presented at a scanner.
type Request struct {
	TenantID     string
	DeviceNumber int
	DeviceToken  string
	IP           string
	UserAgent    string
	Method       audit.Method
	Identifier   string
	Service      string
	Amount       int64
}

// MemberInfo is the member summary returned on a grant.
type MemberInfo struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Status member.Status `json:"status"`
}

// Result is the validation outcome returned to the scanner.
type Result struct {
	Granted bool           `json:"granted"`
	Reason  outcome.Reason `json:"reason,omitempty"`
	Member  *MemberInfo    `json:"member,omitempty"`
	Balance *int64         `json:"balance,omitempty"`

	// Decision carries the diagnostic detail; it is never sent to scanners.
	Decision outcome.Decision `json:"-"`
}

// Authenticator checks scanner credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, req scanner.AuthRequest) (*scanner.Device, outcome.Decision, error)
}

// CredentialVerifier parses and verifies QR payloads.
type CredentialVerifier interface {
	ParseAndVerify(ctx context.Context, tenantID, raw string) (qrcode.Credential, outcome.Decision, error)
}

// TenantReader loads tenant settings.
type TenantReader interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
}

// MemberReader loads members.
type MemberReader interface {
	Get(ctx context.Context, tenantID, id string) (*member.Member, error)
}

// AccessConfigReader loads member credential settings.
type AccessConfigReader interface {
	GetAccessConfig(ctx context.Context, tenantID, memberID string) (*entitlement.AccessConfig, error)
	FindByNFCUID(ctx context.Context, tenantID, uid string) (*entitlement.AccessConfig, error)
}

// Authorizer resolves and consumes entitlements.
type Authorizer interface {
	Authorize(ctx context.Context, m *member.Member, service entitlement.Service, amount int64) (entitlement.Result, error)
}

// Recorder receives exactly one attempt per validation.
type Recorder interface {
	Record(a audit.Attempt)
}

// Deps are the collaborators of a Validator.
type Deps struct {
	Gate         Authenticator
	Codec        CredentialVerifier
	Tenants      TenantReader
	Members      MemberReader
	Configs      AccessConfigReader
	Entitlements Authorizer
	Recorder     Recorder
}

// Validator runs the scan pipeline: scanner gate, credential decode, member
// resolution, entitlement check, audit.
type Validator struct {
	deps Deps
}

// NewValidator creates a Validator.
func NewValidator(deps Deps) *Validator {
	return &Validator{deps: deps}
}

// evaluation is the pipeline outcome before auditing.
type evaluation struct {
	decision outcome.Decision
	member   *member.Member
	balance  *int64
	internal bool
}

// Validate decides an access request. Every call records exactly one
// attempt, including calls that fail with an infrastructure error; the
// error is returned so the caller can answer with a server error.
func (v *Validator) Validate(ctx context.Context, req Request) (Result, error) {
	service := req.Service
	if service == "" {
		service = string(entitlement.Gym)
	}

	ev, err := v.evaluate(ctx, req)

	attempt := audit.Attempt{
		TenantID:     req.TenantID,
		DeviceNumber: req.DeviceNumber,
		Method:       req.Method,
		Service:      service,
		Granted:      ev.decision.Granted,
		DenialReason: ev.decision.Reason,
		Metadata: audit.Metadata{
			IP:         req.IP,
			UserAgent:  req.UserAgent,
			Identifier: audit.TruncateIdentifier(req.Identifier),
			Detail:     ev.decision.Detail,
			Internal:   ev.internal,
		},
	}
	if ev.member != nil {
		attempt.MemberID = ev.member.ID
	}
	v.deps.Recorder.Record(attempt)

	if err != nil {
		return Result{}, err
	}

	result := Result{
		Granted:  ev.decision.Granted,
		Reason:   ev.decision.Reason,
		Decision: ev.decision,
	}
	if ev.decision.Granted {
		result.Member = &MemberInfo{ID: ev.member.ID, Name: ev.member.Name(), Status: ev.member.Status}
		result.Balance = ev.balance
	}
	return result, nil
}

// evaluate runs the pipeline. On error the returned evaluation still holds
// a denial naming the stage that failed, for the audit trail.
func (v *Validator) evaluate(ctx context.Context, req Request) (evaluation, error) {
	_, decision, err := v.deps.Gate.Authenticate(ctx, scanner.AuthRequest{
		TenantID:     req.TenantID,
		DeviceNumber: req.DeviceNumber,
		Token:        req.DeviceToken,
		IP:           req.IP,
	})
	if err != nil {
		return internalFailure(outcome.DeviceInactive, "scanner gate", err)
	}
	if !decision.Granted {
		return evaluation{decision: decision}, nil
	}

	service, err := entitlement.ParseService(req.Service)
	if err != nil {
		return evaluation{decision: outcome.Deny(outcome.InvalidFormat, "unknown service "+req.Service)}, nil
	}
	if req.Amount < 0 {
		return evaluation{decision: outcome.Deny(outcome.InvalidFormat, "negative amount")}, nil
	}

	t, err := v.deps.Tenants.Get(ctx, req.TenantID)
	if err != nil {
		return internalFailure(outcome.DeviceInactive, "tenant lookup", err)
	}

	var memberID string
	switch req.Method {
	case audit.MethodQR:
		memberID, decision, err = v.decodeQR(ctx, t, req.Identifier)
	case audit.MethodNFC:
		memberID, decision, err = v.decodeNFC(ctx, t, req.Identifier)
	default:
		return evaluation{decision: outcome.Deny(outcome.InvalidFormat, "unsupported method "+string(req.Method))}, nil
	}
	if err != nil {
		return internalFailure(outcome.InvalidFormat, "credential decode", err)
	}
	if !decision.Granted {
		return evaluation{decision: decision}, nil
	}

	m, err := v.deps.Members.Get(ctx, req.TenantID, memberID)
	if errors.Is(err, member.ErrMemberNotFound) {
		return evaluation{decision: outcome.Deny(outcome.MemberNotFound, "member "+memberID)}, nil
	}
	if err != nil {
		return internalFailure(outcome.MemberNotFound, "member lookup", err)
	}

	res, err := v.deps.Entitlements.Authorize(ctx, m, service, req.Amount)
	if err != nil {
		ev, err := internalFailure(outcome.ServiceNotEnabled, "entitlement", err)
		ev.member = m
		return ev, err
	}
	return evaluation{decision: res.Decision, member: m, balance: res.Balance}, nil
}

func (v *Validator) decodeQR(ctx context.Context, t *tenant.Tenant, raw string) (string, outcome.Decision, error) {
	if !t.QREnabled {
		return "", outcome.Deny(outcome.ServiceNotEnabled, "qr codes disabled for tenant"), nil
	}

	cred, decision, err := v.deps.Codec.ParseAndVerify(ctx, t.ID, raw)
	if err != nil || !decision.Granted {
		return "", decision, err
	}

	cfg, err := v.deps.Configs.GetAccessConfig(ctx, t.ID, cred.MemberID)
	if err != nil {
		return "", outcome.Decision{}, err
	}
	if !cfg.QREnabled {
		return "", outcome.Deny(outcome.ServiceNotEnabled, "qr disabled for member"), nil
	}
	if cfg.QRRevoked(cred.IssuedAt()) {
		return "", outcome.Deny(outcome.Expired, "qr credential invalidated"), nil
	}
	return cred.MemberID, outcome.Grant(), nil
}

func (v *Validator) decodeNFC(ctx context.Context, t *tenant.Tenant, raw string) (string, outcome.Decision, error) {
	uid, ok := nfc.Normalize(raw)
	if !ok {
		return "", outcome.Deny(outcome.InvalidFormat, "unparseable nfc uid"), nil
	}

	cfg, err := v.deps.Configs.FindByNFCUID(ctx, t.ID, uid)
	if errors.Is(err, entitlement.ErrAccessConfigNotFound) {
		return "", outcome.Deny(outcome.MemberNotFound, "unknown card"), nil
	}
	if err != nil {
		return "", outcome.Decision{}, err
	}
	if !t.NFCEnabled {
		return "", outcome.Deny(outcome.ServiceNotEnabled, "nfc cards disabled for tenant"), nil
	}
	if !cfg.NFCEnabled {
		return "", outcome.Deny(outcome.ServiceNotEnabled, "nfc disabled for member"), nil
	}
	return cfg.MemberID, outcome.Grant(), nil
}

// internalFailure denies with the reason of the failed stage and marks the
// attempt internal so statistics do not count it against the credential.
func internalFailure(reason outcome.Reason, stage string, err error) (evaluation, error) {
	return evaluation{decision: outcome.Deny(reason, "internal error in "+stage), internal: true},
		fmt.Errorf("validating access (%s): %w", stage, err)
}
