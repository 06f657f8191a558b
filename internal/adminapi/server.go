// Package adminapi exposes the fleet manager's operator-facing HTTP API:
// admin login (password with optional TOTP), logout and password rotation,
// deployment and sidecar control, and a
// Prometheus scrape endpoint. It never talks to agents directly — all
// fleet state flows through internal/orchestrator and internal/fleet.
package adminapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetops/agentmanager/internal/adminauth"
	"github.com/fleetops/agentmanager/internal/audit"
	"github.com/fleetops/agentmanager/internal/config"
	"github.com/fleetops/agentmanager/internal/logging"
	"github.com/fleetops/agentmanager/internal/orchestrator"
	"github.com/fleetops/agentmanager/internal/sidecar"
)

// Server is the admin HTTP API: an http.ServeMux routing table plus the
// services its handlers call into.
type Server struct {
	mux    *http.ServeMux
	server *http.Server

	auth         *adminauth.Service
	orchestrator *orchestrator.Orchestrator
	audit        *audit.Sink
	config       *config.Config
	sidecar      *sidecar.Sidecar
	log          *logging.Logger

	metricsEnabled bool
}

// Deps bundles everything the admin API needs to construct its routes.
// Audit and Sidecar may be nil; handlers skip recording or 501 when so.
type Deps struct {
	Auth           *adminauth.Service
	Orchestrator   *orchestrator.Orchestrator
	Audit          *audit.Sink
	Config         *config.Config
	Sidecar        *sidecar.Sidecar
	Log            *logging.Logger
	MetricsEnabled bool
}

// NewServer constructs a Server and registers every route. addr is the
// listen address (host:port); TLS is configured by the caller via
// ListenAndServeTLS.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		mux:            http.NewServeMux(),
		auth:           deps.Auth,
		orchestrator:   deps.Orchestrator,
		audit:          deps.Audit,
		config:         deps.Config,
		sidecar:        deps.Sidecar,
		log:            deps.Log,
		metricsEnabled: deps.MetricsEnabled,
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.registerRoutes()
	return s
}

// ListenAndServeTLS starts the admin API over HTTPS with certFile/keyFile.
func (s *Server) ListenAndServeTLS(certFile, keyFile string) error {
	return s.server.ListenAndServeTLS(certFile, keyFile)
}

// ListenAndServe starts the admin API over plain HTTP. Used only when no
// TLS certificate is configured — operators should prefer
// ListenAndServeTLS in production.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	authed := func(h http.HandlerFunc) http.Handler {
		return s.requireSession(h)
	}

	// --- Public routes ---
	s.mux.HandleFunc("POST /v1/auth/login", s.apiLogin)
	s.mux.HandleFunc("POST /v1/auth/totp/verify", s.apiVerifyTOTP)
	if s.metricsEnabled {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}

	// --- Session-authenticated routes ---
	s.mux.Handle("POST /v1/auth/logout", authed(s.apiLogout))
	s.mux.Handle("PUT /v1/users/{id}/password", authed(s.apiRotatePassword))

	s.mux.Handle("GET /v1/deployments", authed(s.apiListDeployments))
	s.mux.Handle("POST /v1/deployments", authed(s.apiStartDeployment))
	s.mux.Handle("GET /v1/deployments/{id}", authed(s.apiGetDeployment))

	s.mux.Handle("PUT /v1/settings/reconciliation-schedule", authed(s.apiSetReconciliationSchedule))

	s.mux.Handle("GET /v1/sidecars/{kind}/history", authed(s.apiGetSidecarHistory))
	s.mux.Handle("POST /v1/sidecars/{kind}/update", authed(s.apiUpdateSidecar))
	s.mux.Handle("POST /v1/sidecars/{kind}/rollback", authed(s.apiRollbackSidecar))
}

// requireSession wraps h, rejecting the request with 401 unless the
// session cookie names a live, unexpired session.
func (s *Server) requireSession(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := adminauth.GetSessionToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		sess, ok := s.auth.ValidateSession(token)
		if !ok {
			adminauth.ClearSessionCookie(w, false)
			writeError(w, http.StatusUnauthorized, "session expired or not found")
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey{}, sess)
		h(w, r.WithContext(ctx))
	})
}

type sessionContextKey struct{}

func sessionFromContext(ctx context.Context) *adminauth.Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*adminauth.Session)
	return sess
}

// clientIP extracts the IP address from r.RemoteAddr, stripping the port.
// Falls back to the raw RemoteAddr if parsing fails.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// recordAudit is a nil-safe wrapper so handlers don't need to check
// s.audit before every call.
func (s *Server) recordAudit(event audit.Event) {
	if s.audit == nil {
		return
	}
	s.audit.Record(event)
}
