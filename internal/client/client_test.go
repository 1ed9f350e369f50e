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

package client

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/modhost/internal/config"
	"github.com/tombee/modhost/internal/daemon/httputil"
	"github.com/tombee/modhost/internal/module"
)

func fakeHost(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/version", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"version": "1.2.3", "commit": "abc", "build_date": "today"})
	})
	mux.HandleFunc("GET /v1/modules", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, []*module.Descriptor{{ID: 1, Name: "alpha", IsLoaded: true}})
	})
	mux.HandleFunc("GET /v1/modules/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") != "alpha" {
			httputil.WriteError(w, http.StatusNotFound, "module not found: "+r.PathValue("name"))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, &module.Descriptor{ID: 1, Name: "alpha"})
	})
	mux.HandleFunc("POST /v1/modules/{name}/unload", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("uninstall") == "true" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, &module.Descriptor{ID: 1, Name: r.PathValue("name")})
	})
	mux.HandleFunc("POST /v1/modules/install", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Dir string `json:"dir"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		httputil.WriteJSON(w, http.StatusOK, &module.Descriptor{ID: 2, Name: "beta", InstalledDir: body.Dir})
	})
	mux.HandleFunc("POST /v1/modules/{name}/data-dir", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"path": "/data/" + r.PathValue("name")})
	})
	mux.HandleFunc("POST /v1/data-dir", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"path": "/data"})
	})
	mux.HandleFunc("GET /v1/modules/{name}/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		httputil.WriteJSON(w, http.StatusOK, []map[string]any{{"module": "alpha", "type": "loaded"}})
	})
	mux.HandleFunc("POST /v1/modules/load", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteErr(w, module.Errorf(module.CodeAlreadyRunning, "alpha", "Already running module alpha"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTCPClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(WithTransport(NewTCPTransport(srv.Listener.Addr().String())))
	require.NoError(t, err)
	return c
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	c := newTCPClient(t, fakeHost(t))

	v, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", v.Version)
	assert.Equal(t, "today", v.BuildDate)

	mods, err := c.Modules(ctx)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.True(t, mods[0].IsLoaded)

	d, err := c.Module(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", d.Name)

	require.NoError(t, c.Unload(ctx, "alpha", false))
	require.NoError(t, c.Unload(ctx, "alpha", true))

	d, err = c.Install(ctx, "/tmp/beta")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/beta", d.InstalledDir)

	dir, err := c.DataDirectory(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "/data/alpha", dir)

	dir, err = c.DataDirectory(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "/data", dir)

	events, err := c.Events(ctx, "alpha", 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "loaded", string(events[0].Type))
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	c := newTCPClient(t, fakeHost(t))

	_, err := c.Module(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "module not found: ghost")

	_, err = c.LoadAll(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, string(module.CodeAlreadyRunning), apiErr.Code)
	assert.False(t, IsNotFound(err))
}

func TestClientUnreachable(t *testing.T) {
	c, err := New(WithTransport(NewUnixTransport(filepath.Join(t.TempDir(), "missing.sock"))))
	require.NoError(t, err)

	_, err = c.Health(context.Background())
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestUnixTransport(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "host.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(fakeHost(t).Config.Handler)
	srv.Listener.Close()
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)

	c, err := New(WithTransport(NewUnixTransport(sock)))
	require.NoError(t, err)
	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", v.Commit)
}

func TestParseHost(t *testing.T) {
	tests := []struct {
		host     string
		wantSock string
		wantTCP  string
		wantErr  bool
	}{
		{host: "unix:///run/modhost.sock", wantSock: "/run/modhost.sock"},
		{host: "tcp://127.0.0.1:9000", wantTCP: "127.0.0.1:9000"},
		{host: "http://127.0.0.1:9000", wantErr: true},
		{host: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			tr, err := ParseHost(tt.host)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSock, tr.SocketPath)
			assert.Equal(t, tt.wantTCP, tr.TCPAddr)
		})
	}
}

func TestForConfig(t *testing.T) {
	assert.Equal(t, "127.0.0.1:1", ForConfig(config.ListenConfig{SocketPath: "/s", TCPAddr: "127.0.0.1:1"}).TCPAddr)
	assert.Equal(t, "/s", ForConfig(config.ListenConfig{SocketPath: "/s"}).SocketPath)
}

func TestFromEnvironment(t *testing.T) {
	t.Setenv(HostEnv, "bogus")
	_, err := FromEnvironment(config.ListenConfig{SocketPath: "/s"})
	require.Error(t, err)

	t.Setenv(HostEnv, "")
	c, err := FromEnvironment(config.ListenConfig{SocketPath: "/s"})
	require.NoError(t, err)
	rt, ok := c.httpClient.Transport.(*retryTransport)
	require.True(t, ok)
	ht, ok := rt.base.(*headerTransport)
	require.True(t, ok)
	tr, ok := ht.base.(*Transport)
	require.True(t, ok)
	assert.Equal(t, "/s", tr.SocketPath)
}
