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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/modhost/internal/bus"
	"github.com/tombee/modhost/internal/module"
	"github.com/tombee/modhost/internal/orchestrator"
	"github.com/tombee/modhost/internal/store"
	modhosterrors "github.com/tombee/modhost/pkg/errors"
)

type fakeHistory struct {
	events []store.Event
	limit  int
}

func (f *fakeHistory) History(_ context.Context, name string, limit int) ([]store.Event, error) {
	f.limit = limit
	return f.events, nil
}

func newTestRouter(t *testing.T) (*Router, *bus.Bus, *fakeHistory) {
	t.Helper()
	b := bus.New(nil)
	t.Cleanup(b.Close)

	alpha := &module.Descriptor{ID: 1, Name: "alpha", DisplayName: "Alpha", IsLoaded: true}
	lookup := func(req bus.Request) (*module.Descriptor, error) {
		var p orchestrator.NameRequest
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		if p.Name != "alpha" {
			return nil, &modhosterrors.NotFoundError{Resource: "module", ID: p.Name}
		}
		return alpha, nil
	}

	b.Handle(bus.RequestStatus, func(context.Context, bus.Request) (any, error) {
		return orchestrator.StatusResponse{Status: orchestrator.StatusIdle, Modules: 1, Loaded: 1}, nil
	})
	b.Handle(bus.RequestList, func(context.Context, bus.Request) (any, error) {
		return []*module.Descriptor{alpha}, nil
	})
	b.Handle(bus.RequestGet, func(_ context.Context, req bus.Request) (any, error) {
		return lookup(req)
	})
	b.Handle(bus.RequestLoad, func(context.Context, bus.Request) (any, error) {
		return []*module.Descriptor{alpha}, nil
	})
	b.Handle(bus.RequestGetDisplayName, func(_ context.Context, req bus.Request) (any, error) {
		d, err := lookup(req)
		if err != nil {
			return nil, err
		}
		return d.Label(), nil
	})
	b.Handle(bus.RequestGetDataDirectory, func(_ context.Context, req bus.Request) (any, error) {
		var p orchestrator.NameRequest
		_ = req.Decode(&p)
		if p.Name == "db" {
			return nil, module.Errorf(module.CodeReservedName, p.Name, "%s is a reserved name", p.Name)
		}
		return "/data/" + p.Name, nil
	})
	b.Handle(bus.RequestUnload, func(_ context.Context, req bus.Request) (any, error) {
		var p orchestrator.UnloadRequest
		_ = req.Decode(&p)
		if p.Name == "base" {
			return nil, orchestrator.ErrDependentsLoaded
		}
		if _, err := lookup(req); err != nil {
			return nil, err
		}
		if p.Uninstall {
			return nil, nil
		}
		return &module.Descriptor{ID: 1, Name: "alpha"}, nil
	})
	b.Handle(bus.RequestInstall, func(_ context.Context, req bus.Request) (any, error) {
		var p orchestrator.InstallRequest
		_ = req.Decode(&p)
		return &module.Descriptor{ID: 2, Name: "beta", InstalledDir: p.Dir}, nil
	})

	hist := &fakeHistory{events: []store.Event{{Module: "alpha", Type: store.EventLoaded, At: time.Unix(10, 0).UTC()}}}
	return NewRouter(RouterConfig{Version: "1.0.0", Commit: "abc"}, b, hist, nil), b, hist
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRouter_Health(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := do(t, r, http.MethodGet, "/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, orchestrator.StatusIdle, resp.Load)
	assert.Equal(t, 1, resp.Loaded)
	assert.Equal(t, "1.0.0", resp.Version)
}

func TestRouter_HealthUnavailableAfterClose(t *testing.T) {
	r, b, _ := newTestRouter(t)
	b.Close()
	w := do(t, r, http.MethodGet, "/v1/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRouter_ModuleRoutes(t *testing.T) {
	r, _, _ := newTestRouter(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{name: "list", method: http.MethodGet, path: "/v1/modules", wantStatus: http.StatusOK, wantBody: `"name":"alpha"`},
		{name: "get", method: http.MethodGet, path: "/v1/modules/alpha", wantStatus: http.StatusOK, wantBody: `"displayName":"Alpha"`},
		{name: "get unknown", method: http.MethodGet, path: "/v1/modules/nope", wantStatus: http.StatusNotFound, wantBody: `"type":"not_found"`},
		{name: "load", method: http.MethodPost, path: "/v1/modules/load", wantStatus: http.StatusOK, wantBody: `"isLoaded":true`},
		{name: "display name", method: http.MethodGet, path: "/v1/modules/alpha/display-name", wantStatus: http.StatusOK, wantBody: `{"displayName":"Alpha"}`},
		{name: "data dir", method: http.MethodPost, path: "/v1/modules/alpha/data-dir", wantStatus: http.StatusOK, wantBody: `{"path":"/data/alpha"}`},
		{name: "data root", method: http.MethodPost, path: "/v1/data-dir", wantStatus: http.StatusOK, wantBody: `{"path":"/data/"}`},
		{name: "reserved data dir", method: http.MethodPost, path: "/v1/modules/db/data-dir", wantStatus: http.StatusBadRequest, wantBody: `"code":"RESERVED_NAME"`},
		{name: "unload", method: http.MethodPost, path: "/v1/modules/alpha/unload", wantStatus: http.StatusOK, wantBody: `"isLoaded":false`},
		{name: "uninstall", method: http.MethodPost, path: "/v1/modules/alpha/unload?uninstall=true", wantStatus: http.StatusNoContent},
		{name: "bad uninstall flag", method: http.MethodPost, path: "/v1/modules/alpha/unload?uninstall=maybe", wantStatus: http.StatusBadRequest},
		{name: "unload with dependents", method: http.MethodPost, path: "/v1/modules/base/unload", wantStatus: http.StatusConflict},
		{name: "install", method: http.MethodPost, path: "/v1/modules/install", body: `{"dir":"/tmp/beta"}`, wantStatus: http.StatusOK, wantBody: `"installedDir":"/tmp/beta"`},
		{name: "install without dir", method: http.MethodPost, path: "/v1/modules/install", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "unknown path", method: http.MethodGet, path: "/v2/nothing", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantBody != "" {
				assert.Contains(t, w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestRouter_Events(t *testing.T) {
	r, _, hist := newTestRouter(t)

	w := do(t, r, http.MethodGet, "/v1/modules/alpha/events?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, hist.limit)
	assert.Contains(t, w.Body.String(), `"type":"loaded"`)

	w = do(t, r, http.MethodGet, "/v1/modules/alpha/events?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/v1/modules/nope/events", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_Metrics(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := do(t, r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	r.SetMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("modhost_modules_loaded 1\n"))
	}))
	w = do(t, r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "modhost_modules_loaded")
}
