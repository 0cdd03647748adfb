package logincode

import (
	"context"
	"errors"
	"fmt"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/queue"
	"github.com/mariokehl/gymportal-access/internal/member"
	"github.com/mariokehl/gymportal-access/internal/tenant"
)

// MemberFinder resolves a member by email within a tenant.
type MemberFinder interface {
	FindByEmail(ctx context.Context, tenantID, email string) (*member.Member, error)
}

// TenantReader loads tenant settings for the email.
type TenantReader interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
}

// Mailer queues a login code email for asynchronous delivery.
type Mailer interface {
	EnqueueLoginCodeEmail(ctx context.Context, payload queue.LoginCodeEmailPayload) error
}

// Logger is the subset of the service logger used here.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// EventHook observes flow outcomes, for metrics. Step is "send" or "verify".
type EventHook func(step, result string)

// SendRequest asks for a login code to be emailed.
type SendRequest struct {
	TenantID  string
	Email     string
	IP        string
	UserAgent string
}

// SendResult is identical for known and unknown emails.
type SendResult struct {
	ExpiresInSeconds int `json:"expires_in_seconds"`
}

// VerifyRequest presents a login code.
type VerifyRequest struct {
	TenantID string
	Email    string
	Code     string
	IP       string
}

// ServiceDeps are the collaborators of a Service.
type ServiceDeps struct {
	Authority *Authority
	Limiter   *Limiter
	Members   MemberFinder
	Tenants   TenantReader
	Mailer    Mailer
	Sessions  *Sessions
	Logger    Logger
	OnEvent   EventHook
}

// Service runs the email login code flow.
type Service struct {
	authority *Authority
	limiter   *Limiter
	members   MemberFinder
	tenants   TenantReader
	mailer    Mailer
	sessions  *Sessions
	logger    Logger
	onEvent   EventHook
}

// NewService creates a Service.
func NewService(deps ServiceDeps) *Service {
	s := &Service{
		authority: deps.Authority,
		limiter:   deps.Limiter,
		members:   deps.Members,
		tenants:   deps.Tenants,
		mailer:    deps.Mailer,
		sessions:  deps.Sessions,
		logger:    deps.Logger,
		onEvent:   deps.OnEvent,
	}
	if s.onEvent == nil {
		s.onEvent = func(string, string) {}
	}
	return s
}

// Send issues a code and queues the email.
//
// An unknown email returns the same result as a known one and is charged
// the send penalty instead. A queueing failure is logged only: the code is
// already committed and a retry would replace it.
func (s *Service) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	result := SendResult{ExpiresInSeconds: int(s.authority.TTL().Seconds())}

	if err := s.limiter.AllowSend(ctx, req.TenantID, req.IP, req.Email); err != nil {
		s.onEvent("send", resultFor(err))
		return SendResult{}, err
	}

	m, err := s.members.FindByEmail(ctx, req.TenantID, req.Email)
	if errors.Is(err, member.ErrMemberNotFound) {
		if perr := s.limiter.PenalizeSend(ctx, req.TenantID, req.IP, req.Email); perr != nil {
			s.logger.Warn("charging login code penalty failed", "tenant_id", req.TenantID, "error", perr)
		}
		s.onEvent("send", "unknown_email")
		return result, nil
	}
	if err != nil {
		s.onEvent("send", "error")
		return SendResult{}, fmt.Errorf("resolving member: %w", err)
	}

	code, err := s.authority.Issue(ctx, req.TenantID, m.ID, req.IP, req.UserAgent)
	if err != nil {
		s.onEvent("send", "error")
		return SendResult{}, fmt.Errorf("issuing login code: %w", err)
	}

	payload := queue.LoginCodeEmailPayload{
		TenantID:  req.TenantID,
		MemberID:  m.ID,
		Email:     m.Email,
		Name:      m.Name(),
		Code:      code.Code,
		ExpiresAt: code.ExpiresAt,
	}
	if s.tenants != nil {
		if t, terr := s.tenants.Get(ctx, req.TenantID); terr == nil {
			payload.TenantName = t.Name
			payload.Timezone = t.Timezone
		}
	}
	if err := s.mailer.EnqueueLoginCodeEmail(ctx, payload); err != nil {
		s.logger.Error("queueing login code email failed",
			"tenant_id", req.TenantID, "member_id", m.ID, "error", err)
	}

	s.onEvent("send", "issued")
	return result, nil
}

// Verify checks the code and mints a member session on success. Every
// credential failure is reported as ErrInvalidCode.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (Session, error) {
	if err := s.limiter.AllowVerify(ctx, req.TenantID, req.IP, req.Email); err != nil {
		s.onEvent("verify", resultFor(err))
		return Session{}, err
	}

	m, err := s.members.FindByEmail(ctx, req.TenantID, req.Email)
	if errors.Is(err, member.ErrMemberNotFound) {
		s.onEvent("verify", "denied")
		return Session{}, ErrInvalidCode
	}
	if err != nil {
		s.onEvent("verify", "error")
		return Session{}, fmt.Errorf("resolving member: %w", err)
	}

	d, err := s.authority.Verify(ctx, req.TenantID, m.ID, req.Code)
	if err != nil {
		s.onEvent("verify", "error")
		return Session{}, fmt.Errorf("verifying login code: %w", err)
	}
	if !d.Granted {
		s.onEvent("verify", "denied")
		return Session{}, fmt.Errorf("%w: %s", ErrInvalidCode, d.Reason)
	}

	if err := s.limiter.ResetVerify(ctx, req.TenantID, req.IP, req.Email); err != nil {
		s.logger.Warn("resetting login code limiter failed", "tenant_id", req.TenantID, "error", err)
	}

	session, err := s.sessions.Issue(req.TenantID, m.ID)
	if err != nil {
		s.onEvent("verify", "error")
		return Session{}, err
	}
	s.onEvent("verify", "granted")
	return session, nil
}

func resultFor(err error) string {
	if errors.Is(err, ErrRateLimited) {
		return "rate_limited"
	}
	return "error"
}
