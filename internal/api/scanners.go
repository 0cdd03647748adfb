package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mariokehl/gymportal-access/internal/scanner"
	"github.com/mariokehl/gymportal-access/internal/tenant"
)

// scannerWithToken is returned when a token is handed out: on
// registration and on regeneration.
type scannerWithToken struct {
	*scanner.Device
	APIToken string `json:"api_token"`
}

// registerScannerRequest is the body of POST .../scanners.
type registerScannerRequest struct {
	Name           string     `json:"name"`
	AllowedIPs     []string   `json:"allowed_ips"`
	TokenExpiresAt *time.Time `json:"token_expires_at"`
}

// updateScannerRequest is the body of PATCH .../scanners/{device}.
type updateScannerRequest struct {
	Name             *string    `json:"name"`
	IsActive         *bool      `json:"is_active"`
	AllowedIPs       *[]string  `json:"allowed_ips"`
	TokenExpiresAt   *time.Time `json:"token_expires_at"`
	ClearTokenExpiry bool       `json:"clear_token_expiry"`
}

// handleListScanners returns the tenant's scanners.
func (s *Server) handleListScanners(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	devices, err := s.scanners.List(r.Context(), tenantID)
	if err != nil {
		s.logger.Error("listing scanners failed", "tenant_id", tenantID, "error", err)
		writeInternalError(w, "failed to list scanners")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scanners": devices,
		"count":    len(devices),
	})
}

// handleRegisterScanner creates a scanner. The token is returned only here
// and on regeneration.
func (s *Server) handleRegisterScanner(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	if !s.tenantExists(w, r, tenantID) {
		return
	}

	var body registerScannerRequest
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if body.Name == "" {
		writeValidation(w, "name is required")
		return
	}

	d, err := s.scanners.Register(r.Context(), tenantID, scanner.RegisterInput{
		Name:           body.Name,
		AllowedIPs:     body.AllowedIPs,
		TokenExpiresAt: body.TokenExpiresAt,
	})
	if err != nil {
		if errors.Is(err, scanner.ErrInvalidAllowedIP) {
			writeValidation(w, err.Error())
			return
		}
		s.logger.Error("registering scanner failed", "tenant_id", tenantID, "error", err)
		writeInternalError(w, "failed to register scanner")
		return
	}

	s.logger.Info("scanner registered", "tenant_id", tenantID, "device_number", d.DeviceNumber)
	writeJSON(w, http.StatusCreated, scannerWithToken{Device: d, APIToken: d.APIToken})
}

// handleGetScanner returns one scanner.
func (s *Server) handleGetScanner(w http.ResponseWriter, r *http.Request) {
	tenantID, number, ok := deviceParams(w, r)
	if !ok {
		return
	}
	d, err := s.scanners.Get(r.Context(), tenantID, number)
	if err != nil {
		s.writeScannerError(w, tenantID, number, "loading", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleUpdateScanner changes the mutable scanner fields.
func (s *Server) handleUpdateScanner(w http.ResponseWriter, r *http.Request) {
	tenantID, number, ok := deviceParams(w, r)
	if !ok {
		return
	}

	var body updateScannerRequest
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if body.Name != nil && *body.Name == "" {
		writeValidation(w, "name must not be empty")
		return
	}

	d, err := s.scanners.Update(r.Context(), tenantID, number, scanner.UpdateInput{
		Name:             body.Name,
		IsActive:         body.IsActive,
		AllowedIPs:       body.AllowedIPs,
		TokenExpiresAt:   body.TokenExpiresAt,
		ClearTokenExpiry: body.ClearTokenExpiry,
	})
	if err != nil {
		s.writeScannerError(w, tenantID, number, "updating", err)
		return
	}

	s.logger.Info("scanner updated", "tenant_id", tenantID, "device_number", number)
	writeJSON(w, http.StatusOK, d)
}

// handleDeleteScanner removes a scanner. Its number is never reused.
func (s *Server) handleDeleteScanner(w http.ResponseWriter, r *http.Request) {
	tenantID, number, ok := deviceParams(w, r)
	if !ok {
		return
	}
	if err := s.scanners.Delete(r.Context(), tenantID, number); err != nil {
		s.writeScannerError(w, tenantID, number, "deleting", err)
		return
	}
	s.logger.Info("scanner deleted", "tenant_id", tenantID, "device_number", number)
	w.WriteHeader(http.StatusNoContent)
}

// handleRegenerateScannerToken replaces the token and clears any lockout.
func (s *Server) handleRegenerateScannerToken(w http.ResponseWriter, r *http.Request) {
	tenantID, number, ok := deviceParams(w, r)
	if !ok {
		return
	}
	d, err := s.scanners.RegenerateToken(r.Context(), tenantID, number)
	if err != nil {
		s.writeScannerError(w, tenantID, number, "regenerating token of", err)
		return
	}
	s.logger.Info("scanner token regenerated", "tenant_id", tenantID, "device_number", number)
	writeJSON(w, http.StatusOK, scannerWithToken{Device: d, APIToken: d.APIToken})
}

// handleUnlockScanner clears a lockout and the failure counter.
func (s *Server) handleUnlockScanner(w http.ResponseWriter, r *http.Request) {
	tenantID, number, ok := deviceParams(w, r)
	if !ok {
		return
	}
	if err := s.scanners.Unlock(r.Context(), tenantID, number); err != nil {
		s.writeScannerError(w, tenantID, number, "unlocking", err)
		return
	}
	s.logger.Info("scanner unlocked", "tenant_id", tenantID, "device_number", number)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlocked"})
}

// handleExportScannerConfig renders the provisioning file of a scanner.
// The file holds the device token and the tenant secret, so neither the
// body nor anything derived from it is logged.
func (s *Server) handleExportScannerConfig(w http.ResponseWriter, r *http.Request) {
	tenantID, number, ok := deviceParams(w, r)
	if !ok {
		return
	}
	d, err := s.scanners.Get(r.Context(), tenantID, number)
	if err != nil {
		s.writeScannerError(w, tenantID, number, "loading", err)
		return
	}
	t, err := s.tenants.Get(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			writeNotFound(w, "tenant not found")
			return
		}
		s.logger.Error("loading tenant failed", "tenant_id", tenantID, "error", err)
		writeInternalError(w, "failed to load tenant")
		return
	}
	key, err := s.signing.Current(r.Context(), tenantID)
	if err != nil {
		s.logger.Error("loading signing key failed", "tenant_id", tenantID, "error", err)
		writeInternalError(w, "failed to load signing key")
		return
	}

	doc := scanner.ExportConfig(d, t, key, t.QRWindow(s.qrWindow), s.cfg.PublicURL)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Disposition",
		"attachment; filename=\"scanner-"+strconv.Itoa(number)+".env\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc)) //nolint:errcheck // client may disconnect
	s.logger.Info("scanner config exported", "tenant_id", tenantID, "device_number", number)
}

// writeScannerError maps repository failures to responses.
func (s *Server) writeScannerError(w http.ResponseWriter, tenantID string, number int, action string, err error) {
	switch {
	case errors.Is(err, scanner.ErrDeviceNotFound):
		writeNotFound(w, "scanner not found")
	case errors.Is(err, scanner.ErrInvalidAllowedIP):
		writeValidation(w, err.Error())
	default:
		s.logger.Error(action+" scanner failed",
			"tenant_id", tenantID, "device_number", number, "error", err)
		writeInternalError(w, "scanner operation failed")
	}
}

// deviceParams resolves the {tenant} and {device} URL parameters.
func deviceParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	number, err := strconv.Atoi(chi.URLParam(r, "device"))
	if err != nil || number <= 0 {
		writeBadRequest(w, "device number must be a positive integer")
		return "", 0, false
	}
	return chi.URLParam(r, "tenant"), number, true
}
