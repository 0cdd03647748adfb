package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mariokehl/gymportal-access/internal/entitlement"
	"github.com/mariokehl/gymportal-access/internal/member"
	"github.com/mariokehl/gymportal-access/internal/tenant"
)

// memberQRResponse is the credential a member app renders as a QR code.
type memberQRResponse struct {
	MemberID         string `json:"member_id"`
	Timestamp        int64  `json:"timestamp"`
	MAC              string `json:"mac"`
	Payload          string `json:"payload"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

// handleMemberQR issues a fresh QR credential for the signed-in member.
func (s *Server) handleMemberQR(w http.ResponseWriter, r *http.Request) {
	claims := memberClaims(r.Context())
	if claims == nil {
		writeUnauthorized(w, "member session is required")
		return
	}
	tenantID, memberID := claims.TenantID, claims.Subject

	t, err := s.tenants.Get(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			writeUnauthorized(w, "invalid or expired session")
			return
		}
		s.logger.Error("loading tenant failed", "tenant_id", tenantID, "error", err)
		writeInternalError(w, "failed to load tenant")
		return
	}
	if !t.QREnabled {
		writeForbidden(w, "qr codes are disabled for this gym")
		return
	}

	if _, err := s.members.Get(r.Context(), tenantID, memberID); err != nil {
		if errors.Is(err, member.ErrMemberNotFound) {
			writeUnauthorized(w, "invalid or expired session")
			return
		}
		s.logger.Error("loading member failed", "tenant_id", tenantID, "error", err)
		writeInternalError(w, "failed to load member")
		return
	}

	cfg, err := s.entitlements.GetAccessConfig(r.Context(), tenantID, memberID)
	if err != nil {
		s.logger.Error("loading access config failed", "tenant_id", tenantID, "member_id", memberID, "error", err)
		writeInternalError(w, "failed to load access settings")
		return
	}
	if !cfg.QREnabled {
		writeForbidden(w, "qr code is disabled for this member")
		return
	}

	cred, err := s.codec.IssueNotBefore(r.Context(), tenantID, memberID, cfg.QRIssueFloor())
	if err != nil {
		s.logger.Error("issuing qr credential failed", "tenant_id", tenantID, "member_id", memberID, "error", err)
		writeInternalError(w, "failed to issue qr code")
		return
	}

	writeJSON(w, http.StatusOK, memberQRResponse{
		MemberID:         cred.MemberID,
		Timestamp:        cred.Timestamp,
		MAC:              cred.MAC,
		Payload:          cred.Payload(),
		ExpiresInSeconds: int(t.QRWindow(s.qrWindow) / time.Second),
	})
}

// accessConfigRequest is the body of PUT .../members/{member}/access.
// Omitted fields are left unchanged; an empty nfc_uid removes the card.
type accessConfigRequest struct {
	QREnabled  *bool   `json:"qr_enabled"`
	NFCEnabled *bool   `json:"nfc_enabled"`
	NFCUID     *string `json:"nfc_uid"`
}

// handleGetMemberAccess returns the member's credential settings.
func (s *Server) handleGetMemberAccess(w http.ResponseWriter, r *http.Request) {
	tenantID, memberID, ok := s.tenantMember(w, r)
	if !ok {
		return
	}
	cfg, err := s.entitlements.GetAccessConfig(r.Context(), tenantID, memberID)
	if err != nil {
		s.logger.Error("loading access config failed", "tenant_id", tenantID, "member_id", memberID, "error", err)
		writeInternalError(w, "failed to load access settings")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleSetMemberAccess updates the member's credential settings.
func (s *Server) handleSetMemberAccess(w http.ResponseWriter, r *http.Request) {
	tenantID, memberID, ok := s.tenantMember(w, r)
	if !ok {
		return
	}

	var body accessConfigRequest
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	cfg, err := s.entitlements.SetAccessConfig(r.Context(), tenantID, memberID, entitlement.AccessConfigInput{
		QREnabled:  body.QREnabled,
		NFCEnabled: body.NFCEnabled,
		NFCUID:     body.NFCUID,
	})
	switch {
	case errors.Is(err, entitlement.ErrInvalidNFCUID):
		writeValidation(w, "nfc_uid must be 1 to 16 bytes in hex or decimal notation")
		return
	case errors.Is(err, entitlement.ErrNFCUIDTaken):
		writeConflict(w, "nfc_uid is already assigned to another member")
		return
	case err != nil:
		s.logger.Error("saving access config failed", "tenant_id", tenantID, "member_id", memberID, "error", err)
		writeInternalError(w, "failed to save access settings")
		return
	}

	s.logger.Info("member access updated", "tenant_id", tenantID, "member_id", memberID)
	writeJSON(w, http.StatusOK, cfg)
}

// handleInvalidateMemberQR revokes every QR credential issued so far.
func (s *Server) handleInvalidateMemberQR(w http.ResponseWriter, r *http.Request) {
	tenantID, memberID, ok := s.tenantMember(w, r)
	if !ok {
		return
	}
	at, err := s.entitlements.InvalidateQR(r.Context(), tenantID, memberID)
	if err != nil {
		s.logger.Error("invalidating qr credentials failed", "tenant_id", tenantID, "member_id", memberID, "error", err)
		writeInternalError(w, "failed to invalidate qr codes")
		return
	}
	s.logger.Info("member qr credentials invalidated", "tenant_id", tenantID, "member_id", memberID)
	writeJSON(w, http.StatusOK, map[string]any{"qr_invalidated_at": at})
}

// entitlementRequest is the body of PUT .../members/{member}/services/{service}.
type entitlementRequest struct {
	Enabled   bool       `json:"enabled"`
	Balance   int64      `json:"balance"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// handleGetMemberService returns the member's entitlement for a service.
func (s *Server) handleGetMemberService(w http.ResponseWriter, r *http.Request) {
	tenantID, memberID, ok := s.tenantMember(w, r)
	if !ok {
		return
	}
	service, ok := serviceParam(w, r)
	if !ok {
		return
	}

	e, err := s.entitlements.GetEntitlement(r.Context(), tenantID, memberID, service)
	switch {
	case errors.Is(err, entitlement.ErrEntitlementNotFound):
		writeNotFound(w, "entitlement not found")
		return
	case err != nil:
		s.logger.Error("loading entitlement failed", "tenant_id", tenantID, "member_id", memberID, "error", err)
		writeInternalError(w, "failed to load entitlement")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleSetMemberService writes the member's entitlement for a service.
func (s *Server) handleSetMemberService(w http.ResponseWriter, r *http.Request) {
	tenantID, memberID, ok := s.tenantMember(w, r)
	if !ok {
		return
	}
	service, ok := serviceParam(w, r)
	if !ok {
		return
	}

	var body entitlementRequest
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	e, err := s.entitlements.SetEntitlement(r.Context(), tenantID, memberID, service, entitlement.EntitlementInput{
		Enabled:   body.Enabled,
		Balance:   body.Balance,
		ExpiresAt: body.ExpiresAt,
	})
	switch {
	case errors.Is(err, entitlement.ErrNotEntitlementService):
		writeValidation(w, "gym access follows the membership and has no entitlement")
		return
	case errors.Is(err, entitlement.ErrInvalidAmount):
		writeValidation(w, "balance must not be negative")
		return
	case err != nil:
		s.logger.Error("saving entitlement failed", "tenant_id", tenantID, "member_id", memberID, "error", err)
		writeInternalError(w, "failed to save entitlement")
		return
	}

	s.logger.Info("member entitlement updated",
		"tenant_id", tenantID, "member_id", memberID, "service", string(service))
	writeJSON(w, http.StatusOK, e)
}

// tenantMember resolves the {tenant} and {member} URL parameters and
// writes 404 when the member does not belong to the tenant.
func (s *Server) tenantMember(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	tenantID := chi.URLParam(r, "tenant")
	memberID := chi.URLParam(r, "member")

	if _, err := s.members.Get(r.Context(), tenantID, memberID); err != nil {
		if errors.Is(err, member.ErrMemberNotFound) {
			writeNotFound(w, "member not found")
			return "", "", false
		}
		s.logger.Error("loading member failed", "tenant_id", tenantID, "error", err)
		writeInternalError(w, "failed to load member")
		return "", "", false
	}
	return tenantID, memberID, true
}

func serviceParam(w http.ResponseWriter, r *http.Request) (entitlement.Service, bool) {
	service, err := entitlement.ParseService(chi.URLParam(r, "service"))
	if err != nil {
		writeNotFound(w, "unknown service")
		return "", false
	}
	return service, true
}
