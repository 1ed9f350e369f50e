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

package daemon

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/modhost/internal/client"
	"github.com/tombee/modhost/internal/config"
	"github.com/tombee/modhost/internal/executor"
	"github.com/tombee/modhost/internal/module"
	"github.com/tombee/modhost/internal/store"
	"github.com/tombee/modhost/internal/worker"
)

func writeManifest(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, module.ManifestFile), []byte(body), 0o644))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(root, "data")
	cfg.Paths.ModulesDir = filepath.Join(root, "modules")
	cfg.Paths.BaseDir = ""
	cfg.Store.Type = "memory"
	cfg.Listen = config.ListenConfig{TCPAddr: "127.0.0.1:0"}
	cfg.PIDFile = filepath.Join(root, "modhost.pid")
	cfg.Discovery.Watch = true
	cfg.Discovery.Debounce = 50 * time.Millisecond
	cfg.Observability.Tracing.Enabled = false
	cfg.Orchestrator.LoadTimeout = 5 * time.Second
	cfg.Orchestrator.UnloadTimeout = 2 * time.Second
	cfg.Orchestrator.RetryDelay = 10 * time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

func loaded(mods []*module.Descriptor) map[string]bool {
	out := make(map[string]bool, len(mods))
	for _, m := range mods {
		out[m.Name] = m.IsLoaded
	}
	return out
}

func TestDaemonEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	writeManifest(t, filepath.Join(cfg.Paths.ModulesDir, "alpha"), `{"name":"alpha","version":"1.2.0"}`)
	writeManifest(t, filepath.Join(cfg.Paths.ModulesDir, "beta"), `{"name":"beta","dependencies":{"alpha":"^1.0.0"}}`)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	thread := executor.NewThread((&worker.Runtime{Logger: logger}).Run, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := New(ctx, cfg, Options{Version: "test", Logger: logger, Executor: thread})
	require.NoError(t, err)

	startErr := make(chan error, 1)
	go func() { startErr <- d.Start(ctx) }()

	select {
	case <-d.Ready():
	case err := <-startErr:
		t.Fatalf("start failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon not ready")
	}
	assert.FileExists(t, cfg.PIDFile)

	c, err := client.New(client.WithTransport(client.NewTCPTransport(d.Addr().String())))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mods, err := c.Modules(ctx)
		if err != nil {
			return false
		}
		l := loaded(mods)
		return l["alpha"] && l["beta"]
	}, 5*time.Second, 20*time.Millisecond)

	v, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", v.Version)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)

	// A directory moved into place is discovered and loaded.
	staging := filepath.Join(t.TempDir(), "gamma")
	writeManifest(t, staging, `{"name":"gamma","dependencies":{"beta":"*"}}`)
	require.NoError(t, os.Rename(staging, filepath.Join(cfg.Paths.ModulesDir, "gamma")))

	require.Eventually(t, func() bool {
		g, err := c.Module(ctx, "gamma")
		return err == nil && g.IsLoaded
	}, 5*time.Second, 20*time.Millisecond)

	// Unloading alpha takes its dependents down first.
	require.NoError(t, c.Unload(ctx, "alpha", false))
	mods, err := c.Modules(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"alpha": false, "beta": false, "gamma": false}, loaded(mods))

	events, err := c.Events(ctx, "alpha", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, store.EventUnloaded, events[0].Type)

	dir, err := c.DataDirectory(ctx, "alpha")
	require.NoError(t, err)
	assert.DirExists(t, dir)

	_, err = c.Module(ctx, "ghost")
	assert.True(t, client.IsNotFound(err))

	cancel()
	select {
	case err := <-startErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	require.NoError(t, d.Shutdown(context.Background()))
	assert.NoFileExists(t, cfg.PIDFile)
}

func TestDaemonPrunesMissingModules(t *testing.T) {
	cfg := testConfig(t)
	cfg.Discovery.Watch = false
	writeManifest(t, filepath.Join(cfg.Paths.ModulesDir, "alpha"), `{"name":"alpha"}`)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	thread := executor.NewThread((&worker.Runtime{Logger: logger}).Run, logger)

	d, err := New(context.Background(), cfg, Options{Logger: logger, Executor: thread})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = d.reg.Create(ctx, &module.Descriptor{Name: "stale", InstalledDir: filepath.Join(cfg.Paths.ModulesDir, "stale")})
	require.NoError(t, err)

	require.NoError(t, d.bootstrap(ctx))
	_, ok := d.reg.GetByName("stale")
	assert.False(t, ok)
	_, ok = d.reg.GetByName("alpha")
	assert.True(t, ok)

	d.started = true
	require.NoError(t, d.Shutdown(ctx))
}
