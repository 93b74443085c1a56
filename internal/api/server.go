// Package api exposes the desk over HTTP: the agent REST surface under /api,
// the widget ingress, the realtime websocket, health and metrics.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jordanhubbard/loomdesk/internal/auth"
	"github.com/jordanhubbard/loomdesk/internal/desk"
	"github.com/jordanhubbard/loomdesk/internal/hub"
	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/internal/metrics"
	"github.com/jordanhubbard/loomdesk/pkg/config"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxBody caps request bodies
const maxBody = 1 << 20

// Check reports the health of one dependency
type Check func(ctx context.Context) error

type Options struct {
	Desk     *desk.Service
	Hub      *hub.Hub
	Auth     *auth.Manager
	Security config.SecurityConfig
	Checks   map[string]Check
	Logs     *logging.Manager
	Logger   logrus.FieldLogger
	Metrics  *metrics.Metrics
}

// Server represents the HTTP API server
type Server struct {
	desk     *desk.Service
	hub      *hub.Hub
	auth     *auth.Manager
	security config.SecurityConfig
	checks   map[string]Check
	logs     *logging.Manager
	validate *validator.Validate
	metrics  *metrics.Metrics
	log      *logrus.Entry
}

func NewServer(opts Options) *Server {
	return &Server{
		desk:     opts.Desk,
		hub:      opts.Hub,
		auth:     opts.Auth,
		security: opts.Security,
		checks:   opts.Checks,
		logs:     opts.Logs,
		validate: validator.New(),
		metrics:  opts.Metrics,
		log:      logging.Component(opts.Logger, "api"),
	}
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	authenticate := s.auth.Middleware(s.security.EnableAuth, s.respondError)
	protect := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authenticate(h))
	}

	// Conversations
	protect("GET /api/conversations", s.handleListConversations)
	protect("GET /api/conversations/{id}/messages", s.handleListMessages)
	protect("POST /api/conversations/{id}/assign", s.handleAssign)
	protect("POST /api/conversations/{id}/unassign", s.handleUnassign)
	protect("PATCH /api/conversations/{id}/category", s.handleCategory)
	protect("POST /api/conversations/{id}/resolve", s.handleResolve)
	protect("POST /api/conversations/{id}/reopen", s.handleReopen)
	protect("POST /api/conversations/bulk-archive", s.handleBulkArchive)
	protect("POST /api/conversations/bulk-unarchive", s.handleBulkUnarchive)

	// Suggestions
	protect("POST /api/conversations/{id}/generate-suggestion", s.handleGenerateSuggestion)
	protect("GET /api/conversations/{id}/pending-suggestion", s.handlePendingSuggestion)

	// Agents
	protect("POST /api/agent/respond", s.handleRespond)
	protect("POST /api/agent/personal-status", s.handlePersonalStatus)
	protect("GET /api/agents", s.handleAgents)

	// System
	protect("GET /api/system/mode", s.handleGetMode)
	protect("POST /api/system/mode", s.handleSetMode)
	protect("GET /api/system/logs", s.handleLogs)

	// Realtime
	protect("GET /ws", s.handleWebSocket)

	// Unauthenticated
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /widget/messages", s.handleVisitorMessage)
	mux.HandleFunc("POST /widget/typing", s.handleVisitorTyping)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Apply middleware
	var handler http.Handler = s.loggingMiddleware(mux)
	handler = s.corsMiddleware(handler)
	return otelhttp.NewHandler(handler, "loomdesk")
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack hands the connection to the websocket upgrader
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// loggingMiddleware logs HTTP requests and records their metrics
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), elapsed.Seconds())
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": elapsed,
		}).Debug("request")
	})
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.security.AllowedOrigins) > 0 {
			origin := r.Header.Get("Origin")
			for _, allowedOrigin := range s.security.AllowedOrigins {
				if allowedOrigin == "*" || allowedOrigin == origin {
					w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Agent-ID")

		// Handle preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper functions

// caller returns the authenticated principal as a desk caller
func caller(r *http.Request) desk.Caller {
	p, _ := auth.PrincipalFromContext(r.Context())
	return desk.Caller{AgentID: p.AgentID, Role: p.Role}
}

// decode reads and validates a JSON body into v
func (s *Server) decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody)).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", desk.ErrInvalid, err)
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", desk.ErrInvalid, err)
	}
	return nil
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Debug("failed to encode response")
	}
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, models.ErrorResponse{Error: message})
}

// fail maps a service error onto its HTTP status
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	s.respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, desk.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, desk.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, desk.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, desk.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
