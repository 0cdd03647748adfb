package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mariokehl/gymportal-access/internal/signing"
)

// handleRotateSigningKey starts a new key generation. Credentials signed
// with the previous secret keep verifying for the grace period.
func (s *Server) handleRotateSigningKey(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	if !s.tenantExists(w, r, tenantID) {
		return
	}

	key, err := s.signing.Rotate(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, signing.ErrConcurrentRotation) {
			writeConflict(w, "signing key was rotated concurrently, retry")
			return
		}
		s.logger.Error("rotating signing key failed", "tenant_id", tenantID, "error", err)
		writeInternalError(w, "failed to rotate signing key")
		return
	}

	s.logger.Info("signing key rotated", "tenant_id", tenantID, "generation", key.Generation)
	writeJSON(w, http.StatusOK, key)
}
