// Package status serves local device status over HTTP.
package status

import (
	"encoding/json"
	"net/http"
	"time"

	"defectcam/internal/logger"
)

const logTag = "Status"

// Reporter produces the /status document
type Reporter interface {
	Status() any
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func() any

func (f ReporterFunc) Status() any { return f() }

// healthResponse is the /health body
type healthResponse struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

// Routes are the optional endpoints; nil handlers are not mounted
type Routes struct {
	Metrics  http.Handler // GET /metrics
	Live     http.Handler // GET /ws/events
	Stream   http.Handler // GET /stream
	Snapshot http.Handler // GET /snapshot
}

// NewHandler routes /health, /status and the non-nil optional routes
func NewHandler(reporter Reporter, routes Routes) http.Handler {
	started := time.Now()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, healthResponse{
			Status:    "healthy",
			Uptime:    time.Since(started).Round(time.Second).String(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, reporter.Status())
	})
	for pattern, h := range map[string]http.Handler{
		"GET /metrics":   routes.Metrics,
		"GET /ws/events": routes.Live,
		"GET /stream":    routes.Stream,
		"GET /snapshot":  routes.Snapshot,
	} {
		if h != nil {
			mux.Handle(pattern, h)
		}
	}
	return logRequests(mux)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn(logTag, "Failed to write response: %v", err)
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug(logTag, "%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
