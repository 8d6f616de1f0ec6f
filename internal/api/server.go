package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/civicsafe/backend/internal/audit"
	"github.com/civicsafe/backend/internal/auth"
	"github.com/civicsafe/backend/internal/cache"
	"github.com/civicsafe/backend/internal/config"
	"github.com/civicsafe/backend/internal/device"
	"github.com/civicsafe/backend/internal/gate"
	"github.com/civicsafe/backend/internal/identity"
	"github.com/civicsafe/backend/internal/metrics"
	"github.com/civicsafe/backend/internal/notify"
	"github.com/civicsafe/backend/internal/scoring"
	"github.com/civicsafe/backend/internal/store"
)

// Server holds the HTTP surface and its collaborators.
type Server struct {
	gate    *gate.Gate
	auth    *auth.Service
	store   store.DocumentStore
	devices *device.Repository
	cache   *cache.Facade
	hub     *notify.Hub
	engine  *scoring.Engine
	metrics *metrics.Metrics
	audit   audit.Sink

	validate   *validator.Validate
	production bool
	limits     config.RateLimitConfig

	httpServer *http.Server
}

// Deps bundles the server's collaborators; hub and audit may be nil.
type Deps struct {
	Gate    *gate.Gate
	Auth    *auth.Service
	Store   store.DocumentStore
	Devices *device.Repository
	Cache   *cache.Facade
	Hub     *notify.Hub
	Engine  *scoring.Engine
	Metrics *metrics.Metrics
	Audit   audit.Sink
}

func NewServer(d Deps, cfg *config.Config) *Server {
	s := &Server{
		gate:       d.Gate,
		auth:       d.Auth,
		store:      d.Store,
		devices:    d.Devices,
		cache:      d.Cache,
		hub:        d.Hub,
		engine:     d.Engine,
		metrics:    d.Metrics,
		audit:      d.Audit,
		validate:   validator.New(),
		production: cfg.Production(),
		limits:     cfg.RateLimit,
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	return s
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)

	// Public surface.
	r.HandleFunc("/reports", s.rateLimited("submit", s.limits.SubmitPerMinute, s.handleSubmitReport)).Methods("POST", "OPTIONS")
	r.HandleFunc("/reports", s.handleListReports).Methods("GET")
	r.HandleFunc("/reports/{id}/validate", s.rateLimited("validate", s.limits.ValidatePerMinute, s.handleValidateReport)).Methods("POST", "OPTIONS")

	// Moderation.
	r.HandleFunc("/reports/{id}/status", s.requireAdmin(s.handleModerateReport)).Methods("POST", "OPTIONS")
	r.HandleFunc("/reports/{id}", s.requireAdmin(s.handleDeleteReport)).Methods("DELETE", "OPTIONS")

	// Operator surface.
	r.HandleFunc("/auth/login", s.rateLimited("login", s.limits.LoginPerMinute, s.handleLogin)).Methods("POST", "OPTIONS")
	r.HandleFunc("/admin/principals", s.requireAdmin(s.handleCreatePrincipal)).Methods("POST", "OPTIONS")
	r.HandleFunc("/admin/principals", s.requireAdmin(s.handleListPrincipals)).Methods("GET")
	r.HandleFunc("/admin/principals/{id}", s.requireAdmin(s.handleGetPrincipal)).Methods("GET")
	r.HandleFunc("/admin/principals/{id}/quarantine", s.requireAdmin(s.handlePrincipalQuarantine)).Methods("POST", "OPTIONS")
	r.HandleFunc("/admin/devices", s.requireAdmin(s.handleListDevices)).Methods("GET")
	r.HandleFunc("/admin/devices/{id}/quarantine", s.requireAdmin(s.handleDeviceQuarantine)).Methods("POST", "OPTIONS")
	r.HandleFunc("/admin/devices/quarantine", s.requireAdmin(s.handleBulkDeviceQuarantine)).Methods("POST", "OPTIONS")
	r.HandleFunc("/admin/security/stats", s.requireAdmin(s.handleSecurityStats)).Methods("GET")

	// Infrastructure.
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	if s.hub != nil {
		r.HandleFunc("/ws", s.hub.ServeWS).Methods("GET")
	}
	return r
}

// Start begins serving and blocks until the listener fails or Stop runs.
func (s *Server) Start(port string) error {
	s.httpServer = &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("api: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests within the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Device-Fingerprint")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimited wraps a handler with the cache-backed fixed-window limiter,
// keyed per client IP. A degraded cache always allows.
func (s *Server) rateLimited(name string, perMinute int, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if perMinute > 0 {
			key := "ratelimit:" + name + ":" + clientIP(r)
			allowed, _ := s.cache.CheckRateLimit(r.Context(), key, int64(perMinute), time.Minute)
			if !allowed {
				s.writeKind(w, http.StatusTooManyRequests, KindRateLimited, "too many requests")
				return
			}
		}
		next(w, r)
	}
}

// requireAdmin resolves the bearer and passes the admin principal through the
// request context.
func (s *Server) requireAdmin(next func(http.ResponseWriter, *http.Request, *identity.Principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.adminFromRequest(r)
		if err != nil {
			s.writeError(w, err)
			return
		}
		next(w, r, p)
	}
}

func (s *Server) adminFromRequest(r *http.Request) (*identity.Principal, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, auth.ErrInvalidToken
	}
	p, err := s.auth.Verify(r.Context(), token, time.Now())
	if err != nil {
		return nil, err
	}
	if p.Role != identity.RoleAdmin {
		return nil, identity.ErrNotAdmin
	}
	return p, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// gateRequest extracts the identity material the gate resolves on.
func gateRequest(r *http.Request) gate.Request {
	return gate.Request{
		BearerToken: bearerToken(r),
		Fingerprint: r.Header.Get("X-Device-Fingerprint"),
		IP:          clientIP(r),
		UserAgent:   r.Header.Get("User-Agent"),
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"cache":  s.cache.Connected(),
	})
}
