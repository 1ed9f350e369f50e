// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api provides the HTTP control API for the host. Module routes are
// served by dispatching requests on the message bus.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/modhost/internal/daemon/httputil"
	"github.com/tombee/modhost/internal/log"
	"github.com/tombee/modhost/internal/orchestrator"
	"github.com/tombee/modhost/internal/store"
)

// RequestSource is the bus source recorded for API requests.
const RequestSource = "api"

// RouterConfig holds build information reported by /v1/version.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// HistorySource returns recorded module events.
type HistorySource interface {
	History(ctx context.Context, name string, limit int) ([]store.Event, error)
}

// Router serves the control API.
type Router struct {
	mux     *http.ServeMux
	config  RouterConfig
	bus     Dispatcher
	history HistorySource
	started time.Time
	logger  *slog.Logger
}

// NewRouter creates a router with every endpoint registered. history may
// be nil.
func NewRouter(cfg RouterConfig, bus Dispatcher, history HistorySource, logger *slog.Logger) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		config:  cfg,
		bus:     bus,
		history: history,
		started: time.Now(),
		logger:  log.WithComponent(logger, "api"),
	}

	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.registerModuleRoutes()
	r.mux.HandleFunc("GET /", r.handleRoot)
	return r
}

// SetMetricsHandler exposes handler at /metrics.
func (r *Router) SetMetricsHandler(handler http.Handler) {
	if handler != nil {
		r.mux.Handle("GET /metrics", handler)
	}
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	requestID := req.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	rec.Header().Set("X-Request-ID", requestID)

	r.mux.ServeHTTP(rec, req)

	r.logger.Info("request completed",
		slog.String("request_id", requestID),
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", rec.status),
		slog.Int64(log.DurationKey, time.Since(start).Milliseconds()),
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// HealthResponse is returned by /v1/health.
type HealthResponse struct {
	Status  string              `json:"status"`
	Load    orchestrator.Status `json:"load"`
	Modules int                 `json:"modules"`
	Loaded  int                 `json:"loaded"`
	Uptime  string              `json:"uptime"`
	Version string              `json:"version"`
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	var st orchestrator.StatusResponse
	if err := r.dispatch(req.Context(), busStatus, nil, &st); err != nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "unavailable",
			Uptime:  time.Since(r.started).Round(time.Second).String(),
			Version: r.config.Version,
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Load:    st.Status,
		Modules: st.Modules,
		Loaded:  st.Loaded,
		Uptime:  time.Since(r.started).Round(time.Second).String(),
		Version: r.config.Version,
	})
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":    r.config.Version,
		"commit":     r.config.Commit,
		"build_date": r.config.BuildDate,
	})
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		httputil.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "modhost",
		"version": r.config.Version,
	})
}
