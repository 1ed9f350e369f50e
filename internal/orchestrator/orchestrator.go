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

// Package orchestrator loads, supervises and unloads modules in dependency
// order.
//
// A load run walks the dependency graph in waves: every module whose
// dependencies are all loaded is started concurrently, and each success can
// make further modules ready. Unloading runs the other way, stopping every
// dependent before the module itself. Each module runs in a worker created by
// an executor.Executor; the orchestrator never knows which kind.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/tombee/modhost/internal/bus"
	"github.com/tombee/modhost/internal/completion"
	"github.com/tombee/modhost/internal/executor"
	"github.com/tombee/modhost/internal/log"
	"github.com/tombee/modhost/internal/registry"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultLoadTimeout   = 120 * time.Second
	DefaultUnloadTimeout = 120 * time.Second
	DefaultRetryDelay    = 2 * time.Second

	// killWait bounds how long a forced kill waits for the exit event.
	killWait = 5 * time.Second
)

var (
	// ErrDependentsLoaded is returned when a module would be unloaded while
	// a module depending on it is still loaded.
	ErrDependentsLoaded = errors.New("module was told to unload while its dependents are still loaded")

	// ErrModuleLoaded is returned when uninstalling a module that is loaded.
	ErrModuleLoaded = errors.New("can not remove module that has not been unloaded")

	// ErrNoInstallDir is returned when uninstalling a module without an
	// install directory.
	ErrNoInstallDir = errors.New("unable to remove module: no install directory")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator closed")
)

// Config holds the orchestrator's paths and timing.
type Config struct {
	// DataDir is the root of per-module data directories.
	DataDir string
	// ModulesDir is where installed modules are moved to.
	ModulesDir string

	LoadTimeout   time.Duration
	UnloadTimeout time.Duration
	RetryDelay    time.Duration
}

// ScopeAssigner creates permission scopes requested by modules.
type ScopeAssigner interface {
	Create(ctx context.Context, scope string) error
}

// Activity is a user-facing notice about a module.
type Activity struct {
	Title   string    `json:"title"`
	Project string    `json:"projectName"`
	Icon    string    `json:"icon,omitempty"`
	Module  string    `json:"module"`
	At      time.Time `json:"at"`
}

// ActivityReporter records activities.
type ActivityReporter interface {
	Report(ctx context.Context, a Activity) error
}

// Status is the orchestrator's coarse state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLoading   Status = "loading"
	StatusUnloading Status = "unloading"
)

// Options are the collaborators of an Orchestrator. Registry and Executor
// are required.
type Options struct {
	Registry    *registry.Registry
	Executor    executor.Executor
	Bus         *bus.Bus
	Completions *completion.Channel
	Scopes      ScopeAssigner
	Activity    ActivityReporter
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

// Orchestrator drives module load and unload.
type Orchestrator struct {
	cfg         Config
	reg         *registry.Registry
	exec        executor.Executor
	bus         *bus.Bus
	completions *completion.Channel
	scopes      ScopeAssigner
	activity    ActivityReporter
	logger      *slog.Logger
	tracer      trace.Tracer

	loads singleflight.Group

	// ctx outlives callers of LoadAll so a joined run is not cancelled by
	// whichever caller started it.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	workers   map[int]*worker
	busy      map[int]int
	loading   int
	unloading int
	closed    bool
}

// New creates an Orchestrator. A nil Bus or Completions gets a private
// instance.
func New(cfg Config, opts Options) *Orchestrator {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if cfg.UnloadTimeout <= 0 {
		cfg.UnloadTimeout = DefaultUnloadTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	logger := log.WithComponent(opts.Logger, "orchestrator")
	if opts.Bus == nil {
		opts.Bus = bus.New(opts.Logger)
	}
	if opts.Completions == nil {
		opts.Completions = completion.New(opts.Logger)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/tombee/modhost/internal/orchestrator")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:         cfg,
		reg:         opts.Registry,
		exec:        opts.Executor,
		bus:         opts.Bus,
		completions: opts.Completions,
		scopes:      opts.Scopes,
		activity:    opts.Activity,
		logger:      logger,
		tracer:      opts.Tracer,
		ctx:         ctx,
		cancel:      cancel,
		workers:     make(map[int]*worker),
		busy:        make(map[int]int),
	}
}

// Registry returns the read-only registry view.
func (o *Orchestrator) Registry() *registry.View {
	return o.reg.View()
}

// Bus returns the bus the orchestrator serves requests on.
func (o *Orchestrator) Bus() *bus.Bus {
	return o.bus
}

// Status reports whether a load run or an unload is in progress.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.loading > 0:
		return StatusLoading
	case o.unloading > 0:
		return StatusUnloading
	}
	return StatusIdle
}

func (o *Orchestrator) enter(s Status) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s == StatusLoading {
		o.loading++
	} else {
		o.unloading++
	}
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if s == StatusLoading {
			o.loading--
		} else {
			o.unloading--
		}
	}
}

// markBusy flags id as owned by a load or unload so its worker exits are not
// treated as crashes of a loaded module.
func (o *Orchestrator) markBusy(id int) func() {
	o.mu.Lock()
	o.busy[id]++
	o.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if o.busy[id]--; o.busy[id] <= 0 {
				delete(o.busy, id)
			}
		})
	}
}

func (o *Orchestrator) isBusy(id int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy[id] > 0
}

// Close stops accepting work and kills every remaining worker. Loaded
// modules should be unloaded first with Shutdown.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	live := make([]*worker, 0, len(o.workers))
	for _, w := range o.workers {
		live = append(live, w)
	}
	o.mu.Unlock()

	o.cancel()
	for _, w := range live {
		o.destroy(w)
	}
	return nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
