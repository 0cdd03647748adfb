package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mariokehl/gymportal-access/internal/access"
	"github.com/mariokehl/gymportal-access/internal/audit"
	"github.com/mariokehl/gymportal-access/internal/entitlement"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/config"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/logging"
	"github.com/mariokehl/gymportal-access/internal/logincode"
	"github.com/mariokehl/gymportal-access/internal/member"
	"github.com/mariokehl/gymportal-access/internal/qrcode"
	"github.com/mariokehl/gymportal-access/internal/scanner"
	"github.com/mariokehl/gymportal-access/internal/signing"
	"github.com/mariokehl/gymportal-access/internal/tenant"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// healthCheckTimeout bounds each dependency probe of /health.
const healthCheckTimeout = 2 * time.Second

// HealthChecker is implemented by infrastructure clients probed by /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config       config.APIConfig
	WS           config.WebSocketConfig
	Security     config.SecurityConfig
	Logger       *logging.Logger
	Validator    *access.Validator
	Codec        *qrcode.Codec
	Signing      *signing.Store
	Tenants      tenant.Repository
	Members      member.Repository
	Scanners     *scanner.Repository
	Entitlements *entitlement.Store
	Attempts     audit.Repository
	LoginCodes   *logincode.Service
	Sessions     *logincode.Sessions
	Metrics      *Metrics
	Hub          *Hub // If set, the server uses this hub instead of creating its own
	HealthChecks map[string]HealthChecker

	// DefaultQRWindow applies to tenants without their own QR validity.
	DefaultQRWindow time.Duration

	// StatisticsWindow is the longest range /access-statistics aggregates.
	StatisticsWindow time.Duration

	Version string
}

// Server is the HTTP API of the access service.
//
// It serves the scanner validation endpoint, the member login code flow,
// and the per-tenant admin surface. The server is created with New() and
// started with Start().
type Server struct {
	cfg          config.APIConfig
	wsCfg        config.WebSocketConfig
	logger       *logging.Logger
	validator    *access.Validator
	codec        *qrcode.Codec
	signing      *signing.Store
	tenants      tenant.Repository
	members      member.Repository
	scanners     *scanner.Repository
	entitlements *entitlement.Store
	attempts     audit.Repository
	loginCodes   *logincode.Service
	sessions     *logincode.Sessions
	metrics      *Metrics
	healthChecks map[string]HealthChecker
	adminKeys    []adminKey
	qrWindow     time.Duration
	statsWindow  time.Duration
	version      string

	server  *http.Server
	hub     *Hub
	tickets *ticketStore
	cancel  context.CancelFunc // cancels background goroutines on Close()
	now     func() time.Time
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Validator == nil {
		return nil, fmt.Errorf("access validator is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session issuer is required")
	}

	s := &Server{
		cfg:          deps.Config,
		wsCfg:        deps.WS,
		logger:       deps.Logger,
		validator:    deps.Validator,
		codec:        deps.Codec,
		signing:      deps.Signing,
		tenants:      deps.Tenants,
		members:      deps.Members,
		scanners:     deps.Scanners,
		entitlements: deps.Entitlements,
		attempts:     deps.Attempts,
		loginCodes:   deps.LoginCodes,
		sessions:     deps.Sessions,
		metrics:      deps.Metrics,
		healthChecks: deps.HealthChecks,
		adminKeys:    parseAdminKeys(deps.Security.AdminKeys),
		qrWindow:     deps.DefaultQRWindow,
		statsWindow:  deps.StatisticsWindow,
		version:      deps.Version,
		hub:          deps.Hub,
		tickets:      newTicketStore(),
		now:          time.Now,
	}
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	if s.statsWindow <= 0 {
		s.statsWindow = defaultMaxStatisticsWindow
	}
	if len(s.adminKeys) == 0 {
		s.logger.Warn("no admin api keys configured; admin endpoints will reject every request")
	}

	return s, nil
}

// Hub returns the live feed hub so it can be registered as an audit observer.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the fully wired router without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the live feed hub and the ticket cleanup, then launches the
// HTTP listener in a background goroutine. The server can be stopped with
// Close().
func (s *Server) Start(ctx context.Context) error {
	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// handleHealth reports the service version and the state of every
// registered dependency. Any failing dependency turns the status to 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.healthChecks))
	status := http.StatusOK

	for name, hc := range s.healthChecks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := hc.HealthCheck(ctx)
		cancel()
		if err != nil {
			checks[name] = "unhealthy"
			status = http.StatusServiceUnavailable
			s.logger.Warn("health check failed", "component", name, "error", err)
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":  state,
		"version": s.version,
		"checks":  checks,
	})
}
