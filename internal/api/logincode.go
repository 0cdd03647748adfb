package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/mariokehl/gymportal-access/internal/logincode"
	"github.com/mariokehl/gymportal-access/internal/tenant"
)

// loginCodeSendRequest is the body of POST /login-code/send.
type loginCodeSendRequest struct {
	Email  string `json:"email"`
	Tenant string `json:"tenant"`
}

// loginCodeVerifyRequest is the body of POST /login-code/verify.
type loginCodeVerifyRequest struct {
	Email  string `json:"email"`
	Code   string `json:"code"`
	Tenant string `json:"tenant"`
}

// handleLoginCodeSend emails a login code. The answer is the same whether
// or not the email belongs to a member.
func (s *Server) handleLoginCodeSend(w http.ResponseWriter, r *http.Request) {
	var body loginCodeSendRequest
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	body.Email = strings.TrimSpace(body.Email)
	if body.Email == "" || body.Tenant == "" {
		writeValidation(w, "email and tenant are required")
		return
	}
	if !s.tenantExists(w, r, body.Tenant) {
		return
	}

	result, err := s.loginCodes.Send(r.Context(), logincode.SendRequest{
		TenantID:  body.Tenant,
		Email:     body.Email,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		s.writeLoginCodeError(w, body.Tenant, "send", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleLoginCodeVerify exchanges a login code for a member session.
func (s *Server) handleLoginCodeVerify(w http.ResponseWriter, r *http.Request) {
	var body loginCodeVerifyRequest
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	body.Email = strings.TrimSpace(body.Email)
	if body.Email == "" || body.Tenant == "" || strings.TrimSpace(body.Code) == "" {
		writeValidation(w, "email, code and tenant are required")
		return
	}
	if !s.tenantExists(w, r, body.Tenant) {
		return
	}

	session, err := s.loginCodes.Verify(r.Context(), logincode.VerifyRequest{
		TenantID: body.Tenant,
		Email:    body.Email,
		Code:     body.Code,
		IP:       clientIP(r),
	})
	if err != nil {
		s.writeLoginCodeError(w, body.Tenant, "verify", err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// writeLoginCodeError maps login code failures to responses. Credential
// failures never say which check failed.
func (s *Server) writeLoginCodeError(w http.ResponseWriter, tenantID, step string, err error) {
	switch {
	case errors.Is(err, logincode.ErrRateLimited):
		writeRateLimited(w, "too many attempts, try again later")
	case errors.Is(err, logincode.ErrLimiterUnavailable):
		s.logger.Error("login code limiter unavailable", "tenant_id", tenantID, "step", step, "error", err)
		writeUnavailable(w, "login is temporarily unavailable")
	case errors.Is(err, logincode.ErrInvalidCode):
		writeUnauthorized(w, logincode.ErrInvalidCode.Error())
	default:
		s.logger.Error("login code "+step+" failed", "tenant_id", tenantID, "error", err)
		writeInternalError(w, "login code request failed")
	}
}

// tenantExists writes 404 when the tenant is unknown.
func (s *Server) tenantExists(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	if _, err := s.tenants.Get(r.Context(), tenantID); err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			writeNotFound(w, "tenant not found")
			return false
		}
		s.logger.Error("loading tenant failed", "tenant_id", tenantID, "error", err)
		writeInternalError(w, "failed to load tenant")
		return false
	}
	return true
}
