// Package api exposes the orchestration core over HTTP: project and agent
// endpoints, credential management, Prometheus metrics and a WebSocket
// event stream.
package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgeworks/forge/internal/auth"
	"github.com/forgeworks/forge/internal/factory"
	"github.com/forgeworks/forge/internal/keymanager"
	"github.com/forgeworks/forge/internal/project"
	"github.com/forgeworks/forge/internal/queue"
	"github.com/forgeworks/forge/internal/registry"
	"github.com/forgeworks/forge/pkg/config"
)

// Server is the HTTP API server.
type Server struct {
	core *factory.Factory
	keys *keymanager.Manager
	auth *auth.Manager
	cfg  *config.Config
}

// NewServer creates the API server.
func NewServer(core *factory.Factory, keys *keymanager.Manager, am *auth.Manager, cfg *config.Config) *Server {
	return &Server{core: core, keys: keys, auth: am, cfg: cfg}
}

// SetupRoutes configures HTTP routes and wraps them in middleware.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Health and metrics
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	// Projects
	mux.HandleFunc("/api/v1/projects", s.handleProjects)
	mux.HandleFunc("/api/v1/projects/", s.handleProject)

	// Agents
	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/agents/", s.handleAgent)

	// Providers
	mux.HandleFunc("/api/v1/providers", s.handleProviders)
	mux.HandleFunc("/api/v1/providers/", s.handleProvider)

	// Settings
	mux.HandleFunc("/api/v1/settings/api-keys", s.handleAPIKeys)
	mux.HandleFunc("/api/v1/settings/api-keys/", s.handleAPIKey)
	mux.HandleFunc("/api/v1/settings/config", s.handleConfig)

	// History (served from the database mirror)
	mux.HandleFunc("/api/v1/history/projects", s.handleHistoryProjects)
	mux.HandleFunc("/api/v1/history/projects/", s.handleHistoryProject)

	// Auth
	mux.HandleFunc("/api/v1/auth/token", s.handleIssueToken)

	// Events (real-time updates over WebSocket)
	mux.HandleFunc("/api/v1/events/stream", s.handleEventStream)

	handler := s.loggingMiddleware(mux)
	handler = s.corsMiddleware(handler)
	handler = s.authMiddleware(handler)

	return handler
}

// handleHealth handles GET /api/v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, s.core.Health(r.Context()))
}

// Middleware

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer, which the
// WebSocket upgrade needs for hijacking.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// loggingMiddleware records request metrics and logs slow requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		m := s.core.Metrics()
		path := metricPath(r.URL.Path)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(elapsed.Seconds())

		if elapsed > time.Second {
			log.Printf("[API] Slow request: %s %s took %v", r.Method, r.URL.Path, elapsed)
		}
	})
}

// metricPath collapses resource IDs so the path label stays low-cardinality.
func metricPath(path string) string {
	// /api/v1/<resource>/<id>/<action> -> /api/v1/<resource>/:id/<action>
	parts := strings.Split(path, "/")
	idx := 4
	if len(parts) > 3 && parts[3] == "history" {
		idx = 5
	}
	if len(parts) > idx && parts[1] == "api" && parts[idx] != "" {
		parts[idx] = ":id"
	}
	return strings.Join(parts, "/")
}

// corsMiddleware handles CORS headers and preflight requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.Security.AllowedOrigins) > 0 {
			origin := r.Header.Get("Origin")
			for _, allowed := range s.cfg.Security.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					w.Header().Set("Access-Control-Allow-Origin", allowed)
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware accepts either an X-API-Key header or a Bearer JWT.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health, metrics scraping and the event stream stay open.
		if r.URL.Path == "/api/v1/health" ||
			r.URL.Path == "/metrics" ||
			r.URL.Path == "/api/v1/events/stream" {
			next.ServeHTTP(w, r)
			return
		}

		if !s.cfg.Security.EnableAuth {
			next.ServeHTTP(w, r)
			return
		}

		// Auth enabled but nothing to authenticate against: treat as
		// disabled rather than locking everyone out.
		if len(s.cfg.Security.APIKeys) == 0 && s.cfg.Security.JWTSecret == "" {
			next.ServeHTTP(w, r)
			return
		}

		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			if s.auth.ValidAPIKey(apiKey) {
				next.ServeHTTP(w, r)
				return
			}
			s.respondError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
			token := strings.TrimPrefix(bearer, "Bearer ")
			if _, err := s.auth.ValidateToken(token); err == nil {
				next.ServeHTTP(w, r)
				return
			}
			s.respondError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		s.respondError(w, http.StatusUnauthorized, "Missing credentials")
	})
}

// handleIssueToken handles POST /api/v1/auth/token. The caller authenticates
// with an API key and receives a short-lived JWT for the dashboard.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		Subject string `json:"subject"`
	}
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Subject == "" {
		req.Subject = "dashboard"
	}

	token, err := s.auth.IssueToken(req.Subject)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

// Helper functions

// respondJSON writes a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps core errors onto HTTP status codes.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, project.ErrProjectNotFound),
		errors.Is(err, queue.ErrTaskNotFound),
		errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, keymanager.ErrKeyNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, project.ErrProjectClosed),
		errors.Is(err, queue.ErrProjectClosed),
		errors.Is(err, project.ErrProjectInFlight):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, project.ErrInvalidTransition),
		errors.Is(err, queue.ErrInvalidTransition):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, keymanager.ErrLocked):
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// parseJSON parses a JSON request body.
func (s *Server) parseJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// extractID extracts the resource ID from a URL path, dropping sub-paths.
func (s *Server) extractID(path, prefix string) string {
	id := strings.TrimPrefix(path, prefix)
	id = strings.TrimPrefix(id, "/")
	id = strings.TrimSuffix(id, "/")

	parts := strings.Split(id, "/")
	if len(parts) > 0 {
		return parts[0]
	}
	return id
}

// extractAction returns the sub-path after the resource ID, if any.
func (s *Server) extractAction(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.TrimPrefix(rest, "/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 2 {
		return strings.TrimSuffix(parts[1], "/")
	}
	return ""
}
