package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gatekeeper/internal/audit"
	"github.com/nerrad567/gatekeeper/internal/auth"
	"github.com/nerrad567/gatekeeper/internal/infrastructure/config"
	"github.com/nerrad567/gatekeeper/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// OutcomeRecorder receives one data point per authentication attempt.
// *influxdb.Client satisfies it.
type OutcomeRecorder interface {
	WriteAuthOutcome(scheme, outcome string)
}

// HealthCheckFunc reports whether a dependency is reachable.
type HealthCheckFunc func(ctx context.Context) error

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config        config.APIConfig
	Service       config.ServiceConfig
	Security      config.SecurityConfig
	Logger        *logging.Logger
	DB            *sql.DB // optional: connection pool stats for /metrics
	Authenticator *auth.Authenticator
	Refresher     *auth.Refresher
	Users         auth.UserRepository
	APIKeys       auth.APIKeyRepository // nil when API keys are disabled
	Events        auth.EventSink
	Audit         *audit.Writer    // optional: async audit trail
	AuditRepo     audit.Repository // optional: backs GET /audit
	Metrics       OutcomeRecorder  // optional
	Hub           *Hub             // optional: admin security-event stream
	HealthChecks  map[string]HealthCheckFunc
	Version       string
}

// Server is the HTTP API server for the gatekeeper service.
//
// It manages the HTTP listener, routes and middleware.
// The server is created with New() and started with Start().
type Server struct {
	cfg           config.APIConfig
	service       config.ServiceConfig
	secCfg        config.SecurityConfig
	logger        *logging.Logger
	db            *sql.DB
	authenticator *auth.Authenticator
	refresher     *auth.Refresher
	userRepo      auth.UserRepository
	apiKeyRepo    auth.APIKeyRepository
	events        auth.EventSink
	auditWriter   *audit.Writer
	auditRepo     audit.Repository
	metrics       OutcomeRecorder
	hub           *Hub
	healthChecks  map[string]HealthCheckFunc
	version       string
	startTime     time.Time
	now           func() time.Time
	server        *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if deps.Refresher == nil {
		return nil, fmt.Errorf("refresher is required")
	}
	if deps.Users == nil {
		return nil, fmt.Errorf("user repository is required")
	}

	s := &Server{
		cfg:           deps.Config,
		service:       deps.Service,
		secCfg:        deps.Security,
		logger:        deps.Logger.With("component", "api"),
		db:            deps.DB,
		authenticator: deps.Authenticator,
		refresher:     deps.Refresher,
		userRepo:      deps.Users,
		apiKeyRepo:    deps.APIKeys,
		events:        deps.Events,
		auditWriter:   deps.Audit,
		auditRepo:     deps.AuditRepo,
		metrics:       deps.Metrics,
		hub:           deps.Hub,
		healthChecks:  deps.HealthChecks,
		version:       deps.Version,
		startTime:     time.Now(),
		now:           time.Now,
	}
	if s.events == nil {
		var hub SecurityEventPublisher
		if deps.Hub != nil {
			hub = deps.Hub
		}
		s.events = NewSecurityEvents(deps.Logger, deps.Audit, hub)
	}

	return s, nil
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
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

// auditLog enqueues an audit entry for the request. A nil writer is a no-op.
func (s *Server) auditLog(r *http.Request, action, entityType, entityID, userID string, details map[string]any) {
	s.auditWriter.Record(&audit.Entry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		UserID:     userID,
		Source:     audit.SourceAPI,
		IPAddress:  clientIP(r),
		Details:    details,
	})
}

// writeStoreError renders a repository failure. Store outages are 503;
// anything else is logged and reported as a generic 500.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.Error(msg,
		"path", r.URL.Path,
		"request_id", requestIDFromContext(r.Context()),
		"error", err,
	)
	if errors.Is(err, auth.ErrStoreUnavailable) {
		writeStoreUnavailable(w)
		return
	}
	writeInternalError(w, msg)
}
