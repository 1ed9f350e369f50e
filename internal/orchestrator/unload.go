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

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/modhost/internal/bus"
	"github.com/tombee/modhost/internal/graph"
	"github.com/tombee/modhost/internal/log"
	"github.com/tombee/modhost/internal/metrics"
	"github.com/tombee/modhost/internal/module"
	"github.com/tombee/modhost/internal/store"
	modhosterrors "github.com/tombee/modhost/pkg/errors"
)

// UnloadOptions controls Unload.
type UnloadOptions struct {
	// Uninstall removes the module's files and registry entry once it is
	// unloaded.
	Uninstall bool
}

// Unload stops the named module after stopping every module that depends
// on it.
func (o *Orchestrator) Unload(ctx context.Context, name string, opts UnloadOptions) error {
	d, ok := o.reg.GetByName(name)
	if !ok {
		return &modhosterrors.NotFoundError{Resource: "module", ID: name}
	}
	if d.IsBase {
		return module.Errorf(module.CodeReservedName, name, "%s is the host module and cannot be unloaded", name)
	}
	defer o.enter(StatusUnloading)()

	ctx, span := o.tracer.Start(ctx, "orchestrator.Unload", trace.WithAttributes(
		attribute.String("module", name),
		attribute.Bool("uninstall", opts.Uninstall),
	))
	defer span.End()

	g, _ := graph.Build(o.reg.List())
	u := &unloader{o: o, g: g, calls: make(map[int]*unloadCall)}
	err := u.unload(ctx, d.ID, nil)
	if err == nil && opts.Uninstall {
		err = o.uninstall(ctx, d.ID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("error unloading modules", slog.String(log.ModuleKey, name), log.Error(err))
	}
	return err
}

// Shutdown unloads every loaded module, dependents first, then closes the
// orchestrator.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	defer o.Close()
	defer o.enter(StatusUnloading)()

	descs := o.reg.List()
	g, _ := graph.Build(descs)
	u := &unloader{o: o, g: g, calls: make(map[int]*unloadCall)}

	var eg errgroup.Group
	for _, d := range descs {
		if d.IsBase || (!d.IsLoaded && !d.ShotFired) {
			continue
		}
		id := d.ID
		eg.Go(func() error { return u.unload(ctx, id, nil) })
	}
	return eg.Wait()
}

// unloader memoises unloads within one call so a module reached through
// several dependents is stopped once.
type unloader struct {
	o *Orchestrator
	g *graph.Graph

	mu    sync.Mutex
	calls map[int]*unloadCall
}

type unloadCall struct {
	done chan struct{}
	err  error
}

// unload stops id after its dependents. path holds the ids being unloaded
// further up the recursion; a dependent already on it closes a cycle and
// is skipped.
func (u *unloader) unload(ctx context.Context, id int, path []int) error {
	u.mu.Lock()
	if c, ok := u.calls[id]; ok {
		u.mu.Unlock()
		select {
		case <-c.done:
			return c.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c := &unloadCall{done: make(chan struct{})}
	u.calls[id] = c
	u.mu.Unlock()
	defer close(c.done)

	path = append(path[:len(path):len(path)], id)
	eg, egctx := errgroup.WithContext(ctx)
	for _, dep := range u.g.Dependents(id) {
		if contains(path, dep) {
			continue
		}
		eg.Go(func() error { return u.unload(egctx, dep, path) })
	}
	if c.err = eg.Wait(); c.err != nil {
		return c.err
	}
	c.err = u.o.unloadOne(ctx, id)
	return c.err
}

func contains(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// unloadOne stops a single module whose dependents are already stopped.
func (o *Orchestrator) unloadOne(ctx context.Context, id int) error {
	d, ok := o.reg.Get(id)
	if !ok {
		return nil
	}
	fired := d.IsOneshot() && d.ShotFired
	if !d.IsLoaded && !fired {
		return nil
	}

	release := o.markBusy(id)
	defer release()
	logger := log.WithModule(o.logger, d.ID, d.Name)

	if fired {
		// Run the oneshot again so it can execute its unload logic.
		if _, err := o.loadModule(ctx, d, true); err != nil {
			logger.Warn("unable to reload oneshot module for unload", log.Error(err))
		}
	}

	if err := o.checkDependentsUnloaded(d); err != nil {
		logger.Error("other modules are still running and depending on this one")
		return err
	}

	stop := "exited"
	if w := o.current(id); w != nil {
		stop = o.stopWorker(ctx, w)
	}

	if _, err := o.reg.Update(ctx, id, func(d *module.Descriptor) { d.IsLoaded = false }); err != nil {
		return fmt.Errorf("marking %s unloaded: %w", d.Name, err)
	}
	metrics.RecordUnload(d.Name, stop)
	o.reg.RecordEvent(ctx, store.Event{Module: d.Name, Type: store.EventUnloaded, Message: stop})
	if err := o.bus.Emit(bus.EventUnloaded, map[string]any{"moduleId": d.ID, "name": d.Name}); err != nil {
		logger.Debug("unable to emit unloaded event", log.Error(err))
	}
	logger.Info("module has been unloaded", slog.String("stop", stop))
	return nil
}

func (o *Orchestrator) checkDependentsUnloaded(d *module.Descriptor) error {
	for _, other := range o.reg.List() {
		if other.ID != d.ID && other.IsLoaded && other.DependsOn(d.Name) {
			return module.Errorf(module.CodeDependencyNotLoaded, d.Name, "%s is still loaded", other.Name).WithCause(ErrDependentsLoaded)
		}
	}
	return nil
}

// uninstall removes an unloaded module's files and registry entry.
func (o *Orchestrator) uninstall(ctx context.Context, id int) error {
	d, ok := o.reg.Get(id)
	if !ok {
		return nil
	}
	if d.InstalledDir == "" {
		return ErrNoInstallDir
	}
	if d.IsLoaded {
		return ErrModuleLoaded
	}
	if err := os.RemoveAll(d.InstalledDir); err != nil {
		return fmt.Errorf("removing %s: %w", d.InstalledDir, err)
	}
	if err := o.reg.Delete(ctx, id); err != nil {
		return err
	}
	o.reg.RecordEvent(ctx, store.Event{Module: d.Name, Type: store.EventUninstalled})
	o.logger.Info("module uninstalled", slog.String(log.ModuleKey, d.Name))
	return nil
}

// moduleCrashed unloads a module whose worker died while it was loaded and
// reports the crash.
func (o *Orchestrator) moduleCrashed(id int) {
	d, ok := o.reg.Get(id)
	if !ok {
		o.logger.Error("unknown module crashed, unable to clean up", slog.Int(log.ModuleIDKey, id))
		return
	}
	ctx := o.ctx
	metrics.RecordCrash(d.Name)

	if err := o.Unload(ctx, d.Name, UnloadOptions{}); err != nil {
		le := &module.LoadError{Code: module.CodeCrashed, Message: "Module crashed and we could not clean it up " + err.Error()}
		if _, uerr := o.reg.Update(ctx, id, func(d *module.Descriptor) {
			d.IsLoaded = false
			d.LoadError = le
		}); uerr != nil {
			o.logger.Error("unable to record crash", slog.String(log.ModuleKey, d.Name), log.Error(uerr))
		}
	} else if _, uerr := o.reg.Update(ctx, id, func(d *module.Descriptor) {
		if d.LoadError == nil {
			d.LoadError = &module.LoadError{Code: module.CodeCrashed, Message: "Module crashed without warning"}
		}
	}); uerr != nil {
		o.logger.Error("unable to record crash", slog.String(log.ModuleKey, d.Name), log.Error(uerr))
	}

	o.reg.RecordEvent(ctx, store.Event{Module: d.Name, Type: store.EventCrashed})
	if err := o.bus.Emit(bus.EventCrashed, map[string]any{"moduleId": d.ID, "name": d.Name}); err != nil {
		o.logger.Debug("unable to emit crashed event", log.Error(err))
	}
	o.report(ctx, Activity{
		Title:   fmt.Sprintf("Module %s has crashed.", d.Name),
		Project: "Base Modules",
		Icon:    "icons:error",
		Module:  d.Name,
		At:      time.Now(),
	})
}

func (o *Orchestrator) report(ctx context.Context, a Activity) {
	if err := o.bus.Emit(bus.EventActivity, a); err != nil {
		o.logger.Debug("unable to emit activity", log.Error(err))
	}
	if o.activity == nil {
		return
	}
	if err := o.activity.Report(ctx, a); err != nil {
		o.logger.Warn("unable to report activity", slog.String("title", a.Title), log.Error(err))
	}
}
