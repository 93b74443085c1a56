package api

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/jordanhubbard/loomdesk/internal/desk"
)

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status       string               `json:"status"` // "healthy", "degraded"
	Timestamp    time.Time            `json:"timestamp"`
	InstanceID   string               `json:"instance_id,omitempty"`
	Uptime       int64                `json:"uptime_seconds"`
	Mode         string               `json:"mode"`
	Connections  int                  `json:"connections"`
	Dependencies map[string]DepHealth `json:"dependencies"`
}

// DepHealth represents the health of a dependency.
type DepHealth struct {
	Status  string `json:"status"` // "healthy", "unhealthy"
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms"`
}

var (
	startTime  = time.Now()
	instanceID = getInstanceID()
)

// handleHealth handles GET /health. Any failing dependency answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := HealthStatus{
		Status:       "healthy",
		Timestamp:    time.Now(),
		InstanceID:   instanceID,
		Uptime:       int64(time.Since(startTime).Seconds()),
		Mode:         string(s.desk.Mode()),
		Dependencies: make(map[string]DepHealth, len(s.checks)),
	}
	if s.hub != nil {
		status.Connections = s.hub.Clients()
	}

	for name, check := range s.checks {
		start := time.Now()
		dep := DepHealth{Status: "healthy"}
		if err := check(ctx); err != nil {
			dep.Status = "unhealthy"
			dep.Message = err.Error()
			status.Status = "degraded"
		}
		dep.Latency = time.Since(start).Milliseconds()
		status.Dependencies[name] = dep
	}

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, status)
}

func getInstanceID() string {
	if id := os.Getenv("HOSTNAME"); id != "" {
		return id
	}
	host, _ := os.Hostname()
	return host
}

// handleLogs handles GET /api/system/logs?limit=&level=&component= for admins
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !caller(r).IsAdmin() {
		s.fail(w, r, desk.ErrForbidden)
		return
	}
	if s.logs == nil {
		s.fail(w, r, desk.ErrUnavailable)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	s.respondJSON(w, http.StatusOK, s.logs.Recent(limit, q.Get("level"), q.Get("component")))
}
