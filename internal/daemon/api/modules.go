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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/tombee/modhost/internal/bus"
	"github.com/tombee/modhost/internal/daemon/httputil"
	"github.com/tombee/modhost/internal/orchestrator"
	modhosterrors "github.com/tombee/modhost/pkg/errors"
)

const (
	busStatus = bus.RequestStatus

	defaultHistoryLimit = 50
)

// Dispatcher sends a named request on the bus.
type Dispatcher interface {
	Request(ctx context.Context, name, source string, payload any) (json.RawMessage, error)
}

func (r *Router) registerModuleRoutes() {
	r.mux.HandleFunc("GET /v1/modules", r.handleList)
	r.mux.HandleFunc("POST /v1/modules/load", r.handleLoad)
	r.mux.HandleFunc("POST /v1/modules/install", r.handleInstall)
	r.mux.HandleFunc("GET /v1/modules/{name}", r.handleGet)
	r.mux.HandleFunc("POST /v1/modules/{name}/unload", r.handleUnload)
	r.mux.HandleFunc("GET /v1/modules/{name}/display-name", r.handleDisplayName)
	r.mux.HandleFunc("POST /v1/modules/{name}/data-dir", r.handleDataDir)
	r.mux.HandleFunc("POST /v1/data-dir", r.handleDataDir)
	r.mux.HandleFunc("GET /v1/modules/{name}/events", r.handleEvents)
}

// dispatch sends a bus request and decodes the reply into out when non-nil.
func (r *Router) dispatch(ctx context.Context, name string, payload, out any) error {
	raw, err := r.bus.Request(ctx, name, RequestSource, payload)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// forward relays a bus request and writes the raw reply.
func (r *Router) forward(w http.ResponseWriter, req *http.Request, name string, payload any) {
	raw, err := r.bus.Request(req.Context(), name, RequestSource, payload)
	if err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, raw)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrDependentsLoaded), errors.Is(err, orchestrator.ErrModuleLoaded):
		httputil.WriteErrStatus(w, http.StatusConflict, err)
	case errors.Is(err, orchestrator.ErrClosed), errors.Is(err, bus.ErrClosed):
		httputil.WriteErrStatus(w, http.StatusServiceUnavailable, err)
	default:
		httputil.WriteErr(w, err)
	}
}

func (r *Router) handleList(w http.ResponseWriter, req *http.Request) {
	r.forward(w, req, bus.RequestList, nil)
}

func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) {
	r.forward(w, req, bus.RequestGet, orchestrator.NameRequest{Name: req.PathValue("name")})
}

// handleLoad starts a load-all run and waits for it, returning the modules.
func (r *Router) handleLoad(w http.ResponseWriter, req *http.Request) {
	r.forward(w, req, bus.RequestLoad, nil)
}

func (r *Router) handleInstall(w http.ResponseWriter, req *http.Request) {
	var body orchestrator.InstallRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.WriteErr(w, &modhosterrors.ValidationError{Message: "invalid request body: " + err.Error()})
		return
	}
	if body.Dir == "" {
		httputil.WriteErr(w, &modhosterrors.ValidationError{Field: "dir", Message: "dir is required"})
		return
	}
	r.forward(w, req, bus.RequestInstall, body)
}

func (r *Router) handleUnload(w http.ResponseWriter, req *http.Request) {
	p := orchestrator.UnloadRequest{Name: req.PathValue("name")}
	if v := req.URL.Query().Get("uninstall"); v != "" {
		uninstall, err := strconv.ParseBool(v)
		if err != nil {
			httputil.WriteErr(w, &modhosterrors.ValidationError{Field: "uninstall", Message: "must be a boolean"})
			return
		}
		p.Uninstall = uninstall
	}

	raw, err := r.bus.Request(req.Context(), bus.RequestUnload, RequestSource, p)
	if err != nil {
		writeErr(w, err)
		return
	}
	if p.Uninstall {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, raw)
}

func (r *Router) handleDisplayName(w http.ResponseWriter, req *http.Request) {
	var name string
	if err := r.dispatch(req.Context(), bus.RequestGetDisplayName, orchestrator.NameRequest{Name: req.PathValue("name")}, &name); err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"displayName": name})
}

func (r *Router) handleDataDir(w http.ResponseWriter, req *http.Request) {
	var dir string
	if err := r.dispatch(req.Context(), bus.RequestGetDataDirectory, orchestrator.NameRequest{Name: req.PathValue("name")}, &dir); err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"path": dir})
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if r.history == nil {
		httputil.WriteError(w, http.StatusNotImplemented, "module history is not available")
		return
	}
	limit := defaultHistoryLimit
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.WriteErr(w, &modhosterrors.ValidationError{Field: "limit", Message: "must be a positive integer"})
			return
		}
		limit = n
	}

	name := req.PathValue("name")
	if err := r.dispatch(req.Context(), bus.RequestGet, orchestrator.NameRequest{Name: name}, nil); err != nil {
		writeErr(w, err)
		return
	}
	events, err := r.history.History(req.Context(), name, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}
