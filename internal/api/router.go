package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Behind a reverse proxy the client address comes from X-Forwarded-For;
	// the scanner IP allow-list depends on it.
	if s.cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Scanner endpoint; authenticated by the device token in
		// Authorization: Bearer plus the X-Tenant-ID and X-Device-Number headers.
		r.Post("/scanner/validate", s.handleScannerValidate)

		// Member login code flow
		r.Post("/login-code/send", s.handleLoginCodeSend)
		r.Post("/login-code/verify", s.handleLoginCodeVerify)

		// Live access feed; authenticated by a ticket from the admin API.
		r.Get("/feed", s.handleFeed)

		// Member endpoints
		r.Group(func(r chi.Router) {
			r.Use(s.memberAuthMiddleware)
			r.Get("/members/me/qr", s.handleMemberQR)
		})

		// Admin endpoints, one API key per tenant
		r.Route("/admin/tenants/{tenant}", func(r chi.Router) {
			r.Use(s.adminAuthMiddleware)

			r.Route("/scanners", func(r chi.Router) {
				r.Get("/", s.handleListScanners)
				r.Post("/", s.handleRegisterScanner)

				r.Route("/{device}", func(r chi.Router) {
					r.Get("/", s.handleGetScanner)
					r.Patch("/", s.handleUpdateScanner)
					r.Delete("/", s.handleDeleteScanner)
					r.Post("/token", s.handleRegenerateScannerToken)
					r.Post("/unlock", s.handleUnlockScanner)
					r.Get("/config", s.handleExportScannerConfig)
				})
			})

			r.Post("/signing-key/rotate", s.handleRotateSigningKey)

			r.Route("/members/{member}", func(r chi.Router) {
				r.Get("/access", s.handleGetMemberAccess)
				r.Put("/access", s.handleSetMemberAccess)
				r.Get("/services/{service}", s.handleGetMemberService)
				r.Put("/services/{service}", s.handleSetMemberService)
				r.Post("/qr/invalidate", s.handleInvalidateMemberQR)
			})

			r.Get("/access-logs", s.handleListAccessLogs)
			r.Get("/access-statistics", s.handleAccessStatistics)
			r.Post("/feed/ticket", s.handleFeedTicket)
		})
	})

	return r
}
