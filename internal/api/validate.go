package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/mariokehl/gymportal-access/internal/access"
	"github.com/mariokehl/gymportal-access/internal/audit"
)

// validateRequest is the body of POST /scanner/validate.
type validateRequest struct {
	Method     string `json:"method"`
	Identifier string `json:"identifier"`
	Service    string `json:"service,omitempty"`
	Amount     int64  `json:"amount,omitempty"`
}

// handleScannerValidate decides one credential presented at a scanner.
//
// Every decision, grant or denial, is answered with 200 so scanners can
// show the reason. Only a request without a tenant is rejected before the
// validator runs; everything else is audited.
func (s *Server) handleScannerValidate(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	if tenantID == "" {
		writeBadRequest(w, "X-Tenant-ID header is required")
		return
	}

	var body validateRequest
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	// An unparseable device number maps to 0, which no device holds, so the
	// attempt is denied and audited like any unknown scanner.
	deviceNumber, err := strconv.Atoi(strings.TrimSpace(r.Header.Get("X-Device-Number")))
	if err != nil {
		deviceNumber = 0
	}
	token, _ := bearerToken(r)

	result, err := s.validator.Validate(r.Context(), access.Request{
		TenantID:     tenantID,
		DeviceNumber: deviceNumber,
		DeviceToken:  token,
		IP:           clientIP(r),
		UserAgent:    r.UserAgent(),
		Method:       audit.Method(strings.ToLower(strings.TrimSpace(body.Method))),
		Identifier:   body.Identifier,
		Service:      body.Service,
		Amount:       body.Amount,
	})
	if err != nil {
		s.logger.Error("access validation failed",
			"tenant_id", tenantID,
			"device_number", deviceNumber,
			"error", err,
		)
		writeInternalError(w, "access validation failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
