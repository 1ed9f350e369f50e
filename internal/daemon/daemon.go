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

// Package daemon assembles the module host: registry, executors,
// orchestrator, discovery and the control API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/tombee/modhost/internal/bus"
	"github.com/tombee/modhost/internal/completion"
	"github.com/tombee/modhost/internal/config"
	"github.com/tombee/modhost/internal/daemon/api"
	"github.com/tombee/modhost/internal/daemon/listener"
	"github.com/tombee/modhost/internal/discovery"
	"github.com/tombee/modhost/internal/executor"
	"github.com/tombee/modhost/internal/lifecycle"
	"github.com/tombee/modhost/internal/log"
	"github.com/tombee/modhost/internal/metrics"
	"github.com/tombee/modhost/internal/orchestrator"
	"github.com/tombee/modhost/internal/registry"
	"github.com/tombee/modhost/internal/store"
	"github.com/tombee/modhost/internal/store/memory"
	"github.com/tombee/modhost/internal/store/sqlite"
	"github.com/tombee/modhost/internal/tracing"
	"github.com/tombee/modhost/internal/worker"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	Logger *slog.Logger

	// Executor replaces the executors built from config. Tests use it to
	// run workers in-process.
	Executor executor.Executor
}

// Daemon is the running module host.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store    store.Store
	reg      *registry.Registry
	bus      *bus.Bus
	orch     *orchestrator.Orchestrator
	watcher  *discovery.Watcher
	tracer   *tracing.Provider
	scopes   *scopeSet
	activity *activityLog

	server  *http.Server
	ln      net.Listener
	pidFile *lifecycle.PIDFile

	mu      sync.Mutex
	started bool
	ready   chan struct{}
}

// New creates a daemon from cfg. Nothing is started until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	logger := log.WithComponent(opts.Logger, "daemon")

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	tp, err := tracing.New(ctx, cfg.Observability.Tracing, opts.Version)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	exec := opts.Executor
	if exec == nil {
		exec, err = newExecutor(cfg, opts.Logger)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	b := bus.New(opts.Logger)
	reg := registry.New(st, opts.Logger)
	scopes := newScopeSet(opts.Logger)
	activity := newActivityLog(opts.Logger)
	orch := orchestrator.New(orchestrator.Config{
		DataDir:       cfg.Paths.DataDir,
		ModulesDir:    cfg.Paths.ModulesDir,
		LoadTimeout:   cfg.Orchestrator.LoadTimeout,
		UnloadTimeout: cfg.Orchestrator.UnloadTimeout,
		RetryDelay:    cfg.Orchestrator.RetryDelay,
	}, orchestrator.Options{
		Registry:    reg,
		Executor:    exec,
		Bus:         b,
		Completions: completion.New(opts.Logger),
		Scopes:      scopes,
		Activity:    activity,
		Logger:      opts.Logger,
		Tracer:      tp.Tracer("github.com/tombee/modhost/internal/orchestrator"),
	})
	orch.RegisterHandlers()

	d := &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		store:    st,
		reg:      reg,
		bus:      b,
		orch:     orch,
		tracer:   tp,
		scopes:   scopes,
		activity: activity,
		ready:    make(chan struct{}),
	}

	if cfg.Discovery.Watch {
		w, err := discovery.New(discovery.Config{
			Dir:       cfg.Paths.ModulesDir,
			Debounce:  cfg.Discovery.Debounce,
			Ignore:    cfg.Discovery.Ignore,
			RateLimit: cfg.Discovery.RateLimit,
		}, orch, opts.Logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		d.watcher = w
	}
	return d, nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case "sqlite":
		s, err := sqlite.New(sqlite.Config{Path: cfg.Path, WAL: true})
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		return s, nil
	default:
		return memory.New(), nil
	}
}

// newExecutor builds the configured default executor plus the other one,
// so modules can pick either unless the config is uniform.
func newExecutor(cfg *config.Config, logger *slog.Logger) (executor.Executor, error) {
	proc, err := executor.NewProcess(executor.ProcessConfig{
		Binary: cfg.Executor.WorkerBinary,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	thread := executor.NewThread((&worker.Runtime{
		Logger:        logger,
		UnloadTimeout: cfg.Orchestrator.UnloadTimeout,
	}).Run, logger)

	if cfg.Executor.Type == string(executor.TypeThread) {
		return executor.NewSelector(thread, cfg.Executor.Uniform, proc), nil
	}
	return executor.NewSelector(proc, cfg.Executor.Uniform, thread), nil
}

// Orchestrator returns the module orchestrator.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator { return d.orch }

// Ready is closed once the API is serving and the first load run started.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Addr returns the listen address, or nil before Start.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Start brings the host up and blocks until ctx is cancelled or the API
// server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if d.cfg.PIDFile != "" {
		pf := lifecycle.NewPIDFile(d.cfg.PIDFile)
		if err := pf.Create(os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		d.pidFile = pf
	}

	if err := d.bootstrap(ctx); err != nil {
		return err
	}

	ln, err := listener.New(d.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Version:   d.opts.Version,
		Commit:    d.opts.Commit,
		BuildDate: d.opts.BuildDate,
	}, d.bus, d.orch.Registry(), d.opts.Logger)
	if d.cfg.Observability.Metrics {
		router.SetMetricsHandler(metrics.Handler())
	}

	// Load runs can take up to the load timeout per wave.
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	d.mu.Lock()
	d.ln = ln
	d.server = server
	d.mu.Unlock()

	d.logger.Info("modhost starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()),
		slog.String("modules_dir", d.cfg.Paths.ModulesDir))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go func() {
		if err := d.orch.LoadAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("initial load failed", log.Error(err))
		}
	}()
	close(d.ready)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// bootstrap restores the registry, registers the base descriptor, scans
// the modules directory and starts watching it.
func (d *Daemon) bootstrap(ctx context.Context) error {
	for _, dir := range []string{d.cfg.Paths.DataDir, d.cfg.Paths.ModulesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	restored, err := d.reg.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore registry: %w", err)
	}

	d.pruneMissing(ctx)

	if d.cfg.Paths.BaseDir != "" {
		if _, err := d.orch.RegisterBase(ctx, d.cfg.Paths.BaseDir); err != nil {
			d.logger.Warn("unable to register base module", log.Error(err))
		}
	}

	found, err := d.orch.Scan(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan modules directory: %w", err)
	}
	d.logger.Info("modules registered", slog.Int("restored", restored), slog.Int("discovered", found))

	if d.watcher != nil {
		if err := d.watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start discovery: %w", err)
		}
	}
	return nil
}

// pruneMissing drops restored modules whose install directory is gone.
func (d *Daemon) pruneMissing(ctx context.Context) {
	for _, m := range d.reg.List() {
		if m.IsBase || m.InstalledDir == "" {
			continue
		}
		if _, err := os.Stat(m.InstalledDir); !os.IsNotExist(err) {
			continue
		}
		if err := d.reg.Delete(ctx, m.ID); err != nil {
			d.logger.Warn("unable to forget removed module", slog.String(log.ModuleKey, m.Name), log.Error(err))
			continue
		}
		d.logger.Info("forgot module removed while stopped", slog.String(log.ModuleKey, m.Name))
	}
}

// Shutdown unloads every module and releases the daemon's resources.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Warn("discovery shutdown error", log.Error(err))
		}
	}

	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
	}

	unloadCtx, cancel := context.WithTimeout(ctx, d.cfg.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := d.orch.Shutdown(unloadCtx); err != nil {
		d.logger.Error("unable to unload every module", log.Error(err))
		errs = append(errs, err)
	}

	if d.server != nil {
		srvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.server.Shutdown(srvCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", log.Error(err))
		}
	}

	if d.cfg.Listen.TCPAddr == "" && d.cfg.Listen.SocketPath != "" {
		if err := os.Remove(d.cfg.Listen.SocketPath); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to remove socket file", log.Error(err), slog.String("path", d.cfg.Listen.SocketPath))
		}
	}

	if d.pidFile != nil {
		if err := d.pidFile.Remove(); err != nil {
			d.logger.Error("failed to remove PID file", log.Error(err), slog.String("path", d.pidFile.Path()))
		}
	}

	d.bus.Close()

	traceCtx, cancelTrace := context.WithTimeout(ctx, 5*time.Second)
	defer cancelTrace()
	if err := d.tracer.Shutdown(traceCtx); err != nil {
		d.logger.Error("tracer shutdown error", log.Error(err))
	}

	if err := d.store.Close(); err != nil {
		d.logger.Error("failed to close store", log.Error(err))
	}

	d.started = false
	d.logger.Info("modhost stopped")
	return errors.Join(errs...)
}
