package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/middleware"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/threat"
	"github.com/platinummonkey/warden/pkg/warden"
)

// DefaultMaxBodyBytes bounds request bodies. Every endpoint takes a few
// short strings.
const DefaultMaxBodyBytes = 64 << 10

// Config wires a Server.
type Config struct {
	Service *warden.Service
	// Audit backs GET /v1/audit. The endpoint is not registered when nil.
	Audit *audit.MemoryStore

	Logger  *observability.Logger
	Metrics *observability.Metrics

	// TrustProxy makes client addresses come from X-Forwarded-For.
	TrustProxy   bool
	Throttle     middleware.ThrottleConfig
	MaxBodyBytes int64
	// Tracing wraps the handler with otelhttp.
	Tracing bool
}

// Server represents our API server
type Server struct {
	service    *warden.Service
	audit      *audit.MemoryStore
	router     *mux.Router
	handler    http.Handler
	logger     *observability.Logger
	trustProxy bool
}

// NewServer creates a new API server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("api: service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		service:    cfg.Service,
		audit:      cfg.Audit,
		router:     mux.NewRouter(),
		logger:     cfg.Logger.WithField("component", "api"),
		trustProxy: cfg.TrustProxy,
	}
	if cfg.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(cfg.Metrics))
	}
	s.setupRoutes()

	chain := httputil.Chain(
		httputil.RecoveryMiddleware,
		httputil.RequestIDMiddleware(s.logger),
		httputil.LoggingMiddleware,
		middleware.NewThrottle(cfg.Throttle, middleware.ByClientIP(cfg.TrustProxy)).Handler,
		httputil.ContentTypeMiddleware,
		httputil.MaxBytesMiddleware(cfg.MaxBodyBytes),
	)
	s.handler = chain(s.router)
	if cfg.Tracing {
		s.handler = otelhttp.NewHandler(s.handler, "warden-api")
	}
	return s, nil
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	limiter := s.service.Limiter()
	byIP := middleware.ByClientIP(s.trustProxy)
	auth := middleware.NewAuthMiddleware(s.service, s.trustProxy)

	// Unauthenticated routes. Login is limited per client address; the
	// second factor is limited per account inside the service.
	public := s.router.PathPrefix("/v1/auth").Subrouter()
	public.Handle("/login", middleware.NewOperationLimitMiddleware(limiter, threat.OpLogin, byIP).
		Handler(http.HandlerFunc(s.login))).Methods(http.MethodPost)
	public.HandleFunc("/2fa", s.completeTwoFactor).Methods(http.MethodPost)
	public.HandleFunc("/refresh", s.refresh).Methods(http.MethodPost)

	// Bearer-authenticated routes
	authed := s.router.PathPrefix("/v1").Subrouter()
	authed.Use(auth.Handler)
	authed.HandleFunc("/auth/logout", s.logout).Methods(http.MethodPost)
	authed.HandleFunc("/auth/logout-all", s.logoutAll).Methods(http.MethodPost)
	authed.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet)
	authed.HandleFunc("/sessions/{id}", s.revokeSession).Methods(http.MethodDelete)
	authed.HandleFunc("/2fa/enroll", s.beginTwoFactor).Methods(http.MethodPost)
	authed.HandleFunc("/2fa/confirm", s.confirmTwoFactor).Methods(http.MethodPost)
	authed.HandleFunc("/2fa/disable", s.disableTwoFactor).Methods(http.MethodPost)
	authed.HandleFunc("/2fa/backup-codes", s.regenerateBackupCodes).Methods(http.MethodPost)
	authed.HandleFunc("/e2e/identity", s.publishIdentityKey).Methods(http.MethodPut)
	authed.HandleFunc("/e2e/identity/{id}", s.getIdentityKey).Methods(http.MethodGet)

	// Admin routes
	admin := authed.NewRoute().Subrouter()
	admin.Use(middleware.RequireAdmin)
	admin.HandleFunc("/users/{id}/unlock", s.unlockAccount).Methods(http.MethodPost)
	if s.audit != nil {
		admin.HandleFunc("/audit", s.exportAudit).Methods(http.MethodGet)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router returns the underlying router so callers can mount extra routes.
func (s *Server) Router() *mux.Router {
	return s.router
}
