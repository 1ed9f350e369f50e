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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/modhost/internal/bus"
	"github.com/tombee/modhost/internal/completion"
	"github.com/tombee/modhost/internal/graph"
	"github.com/tombee/modhost/internal/log"
	"github.com/tombee/modhost/internal/metrics"
	"github.com/tombee/modhost/internal/module"
	"github.com/tombee/modhost/internal/module/version"
	"github.com/tombee/modhost/internal/store"
	modhosterrors "github.com/tombee/modhost/pkg/errors"
)

// LoadAll loads every module that is not loaded yet, in dependency order.
// A call made while a run is in flight joins that run. Failures of
// individual modules are recorded on their descriptors, not returned.
func (o *Orchestrator) LoadAll(ctx context.Context) error {
	if o.isClosed() {
		return ErrClosed
	}
	ch := o.loads.DoChan("load", func() (any, error) {
		return nil, o.loadAll(o.ctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loadResult is reported by each module's load goroutine.
type loadResult struct {
	id  int
	err error
}

func (o *Orchestrator) loadAll(ctx context.Context) error {
	defer o.enter(StatusLoading)()

	runID := bus.NewID()
	logger := log.WithRunID(o.logger, runID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.LoadAll", trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	start := time.Now()
	descs := o.reg.List()
	g, missing := graph.Build(descs)
	for _, d := range descs {
		switch {
		case d.IsLoaded, d.IsBase, d.IsOneshot() && d.ShotFired:
			g.Remove(d.ID)
		case d.LoadError != nil:
			if _, err := o.reg.Update(ctx, d.ID, func(d *module.Descriptor) { d.LoadError = nil }); err != nil {
				logger.Warn("unable to clear previous load error", slog.String(log.ModuleKey, d.Name), log.Error(err))
			}
		}
	}
	logger.Info("loading modules", slog.Int("pending", g.Len()))

	inFlight := make(map[int]bool)
	failed := make(map[int]bool)
	results := make(chan loadResult)
	skip := func(id int) bool { return inFlight[id] || failed[id] }

	for {
		for _, id := range g.Ready(skip) {
			inFlight[id] = true
			go func(id int) {
				results <- loadResult{id: id, err: o.loadWithRetries(ctx, id)}
			}(id)
		}
		if len(inFlight) == 0 {
			break
		}

		res := <-results
		delete(inFlight, res.id)
		if res.err != nil {
			failed[res.id] = true
			continue
		}
		g.Remove(res.id)
	}

	o.reconcile(ctx, missing)

	loaded := 0
	for _, d := range o.reg.List() {
		if d.IsLoaded && !d.IsBase {
			loaded++
		}
	}
	metrics.SetLoaded(loaded)
	metrics.RecordLoadRun()
	span.SetAttributes(attribute.Int("failed", len(failed)), attribute.Int("loaded", loaded))
	logger.Info("modules have finished loading",
		slog.Int("loaded", loaded),
		slog.Int("failed", len(failed)),
		slog.Int64(log.DurationKey, time.Since(start).Milliseconds()))

	if err := o.bus.Emit(bus.EventLoaded, map[string]any{"runId": runID, "loaded": loaded, "failed": len(failed)}); err != nil {
		logger.Warn("unable to emit loaded event", log.Error(err))
	}
	return nil
}

// reconcile gives every module left unloaded without an error a reason.
// Modules in a dependency cycle end up here.
func (o *Orchestrator) reconcile(ctx context.Context, missing map[int][]string) {
	for _, d := range o.reg.List() {
		if d.IsLoaded || d.IsBase || d.LoadError != nil || (d.IsOneshot() && d.ShotFired) {
			continue
		}
		var le *module.LoadError
		if names := missing[d.ID]; len(names) > 0 {
			le = &module.LoadError{Code: module.CodeMissingDependency, Message: module.MissingDependencyMessage(names[0])}
		} else {
			le = &module.LoadError{Code: module.CodeUnresolvedDependency, Message: module.UnresolvedDependenciesMessage(d.DependencyNames())}
		}
		if _, err := o.reg.Update(ctx, d.ID, func(d *module.Descriptor) { d.LoadError = le }); err != nil {
			o.logger.Warn("unable to record load error", slog.String(log.ModuleKey, d.Name), log.Error(err))
			continue
		}
		o.logger.Warn("module was never loaded", slog.String(log.ModuleKey, d.Name), slog.String("reason", le.Message))
	}
}

// permanent reports whether err is classified and marked not worth another
// attempt, such as a dependency that is missing or the wrong version.
// Unclassified errors stay eligible for retry.
func permanent(err error) bool {
	var c modhosterrors.ErrorClassifier
	return errors.As(err, &c) && !modhosterrors.IsRetryable(err)
}

// loadWithRetries loads one module, retrying per its restart policy. The
// final error is recorded on the descriptor.
func (o *Orchestrator) loadWithRetries(ctx context.Context, id int) error {
	release := o.markBusy(id)
	defer release()

	d, ok := o.reg.Get(id)
	if !ok {
		return fmt.Errorf("module %d disappeared", id)
	}
	logger := log.WithModule(o.logger, d.ID, d.Name)
	ctx, span := o.tracer.Start(ctx, "orchestrator.LoadModule", trace.WithAttributes(
		attribute.String("module", d.Name),
		attribute.String("policy", string(d.Policy())),
	))
	defer span.End()

	policy, maxRetries := d.Policy(), d.MaxRetries()
	if maxRetries < 0 && policy != module.RestartNever {
		logger.Warn("module retries without bound")
	}

	var err error
	for attempt := 0; ; attempt++ {
		if d, ok = o.reg.Get(id); !ok {
			return fmt.Errorf("module %d disappeared", id)
		}
		var w *worker
		w, err = o.loadModule(ctx, d, false)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			metrics.RecordLoadAttempt(d.Name, metrics.ResultLoaded)
			o.reg.RecordEvent(ctx, store.Event{Module: d.Name, Type: store.EventLoaded, Attempt: attempt})
			release()
			// A worker that died between completion and now missed crash
			// handling while the module was busy.
			if w != nil && !d.IsOneshot() && w.hasExited() {
				o.handleCrash(w)
			}
			return nil
		}

		metrics.RecordLoadAttempt(d.Name, metrics.ResultFailed)
		o.reg.RecordEvent(ctx, store.Event{Module: d.Name, Type: store.EventLoadFailed, Message: err.Error(), Attempt: attempt})
		if errors.Is(err, ErrClosed) || permanent(err) || !module.ShouldRetry(policy, attempt, maxRetries) {
			break
		}

		logger.Warn("module failed to load, retrying",
			log.Error(err),
			slog.Int(log.AttemptKey, attempt+1),
			slog.Duration("delay", o.cfg.RetryDelay))
		metrics.RecordRetry(d.Name)
		o.reg.RecordEvent(ctx, store.Event{Module: d.Name, Type: store.EventRetry, Attempt: attempt + 1})

		timer := time.NewTimer(o.cfg.RetryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			err = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logger.Error("error loading module", log.Error(err))
	le := module.ToLoadError(err)
	if _, uerr := o.reg.Update(ctx, id, func(d *module.Descriptor) { d.LoadError = le }); uerr != nil {
		logger.Error("unable to set the error reason for the load error", log.Error(uerr))
	}
	return err
}

// loadModule makes one load attempt. When transient is set the worker is
// left running and the descriptor untouched, so the caller can tear it down.
func (o *Orchestrator) loadModule(ctx context.Context, d *module.Descriptor, transient bool) (*worker, error) {
	logger := log.WithModule(o.logger, d.ID, d.Name)
	logger.Debug("loading module")

	if err := o.checkDependencies(d); err != nil {
		return nil, err
	}
	o.assignScopes(ctx, d)

	start := time.Now()
	w, err := o.spawnAndAwait(ctx, d)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	metrics.ObserveLoad(d.Name, elapsed)
	logger.Debug("loaded module",
		slog.String("version", d.Version),
		slog.Int64(log.DurationKey, elapsed.Milliseconds()))

	if transient {
		return w, nil
	}

	if d.IsOneshot() {
		o.stopWorker(ctx, w)
		_, err = o.reg.Update(ctx, d.ID, func(d *module.Descriptor) {
			d.ShotFired = true
			d.IsLoaded = false
			d.LoadError = nil
		})
		return w, err
	}

	_, err = o.reg.Update(ctx, d.ID, func(d *module.Descriptor) {
		d.IsLoaded = true
		d.LoadError = nil
	})
	return w, err
}

// spawnAndAwait starts a worker for d and waits for the first of load
// completion, worker exit, the load timeout or cancellation. On any failure
// the worker is killed.
func (o *Orchestrator) spawnAndAwait(ctx context.Context, d *module.Descriptor) (*worker, error) {
	done, release, err := o.completions.Register(d.ID)
	if err != nil {
		return nil, module.Errorf(module.CodeAlreadyRunning, d.Name, "Already running module %s", d.Name).WithCause(err)
	}
	defer release()

	w, err := o.summon(ctx, d)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(o.cfg.LoadTimeout)
	defer timer.Stop()

	fail := func(err error) (*worker, error) {
		o.destroy(w)
		return nil, err
	}
	settled := func(c completion.Completion) (*worker, error) {
		if err := c.Err(); err != nil {
			return fail(module.Errorf(module.CodeLoadFailed, d.Name, "%s", err.Error()))
		}
		return w, nil
	}

	select {
	case c := <-done:
		return settled(c)
	case <-w.exited:
		// The completion message is routed before the exit event, so it
		// may already be waiting.
		select {
		case c := <-done:
			return settled(c)
		default:
		}
		if w.crashed() {
			return fail(module.Errorf(module.CodeCrashDuringLoad, d.Name, "Module crashed during load - unknown reason"))
		}
		return fail(module.Errorf(module.CodeCrashDuringLoad, d.Name, "Module exited before it finished loading"))
	case <-timer.C:
		return fail(module.Errorf(module.CodeLoadTimeout, d.Name, "Module Load Timeout"))
	case <-ctx.Done():
		return fail(ctx.Err())
	}
}

// checkDependencies verifies every declared dependency is registered,
// loaded and of a satisfying version. A fired oneshot dependency counts as
// loaded.
func (o *Orchestrator) checkDependencies(d *module.Descriptor) error {
	for _, name := range d.DependencyNames() {
		dep, ok := o.reg.GetByName(name)
		if !ok {
			return module.Errorf(module.CodeMissingDependency, d.Name, "%s missing dependency %q.", d.Name, name)
		}
		if !dep.IsLoaded && !(dep.IsOneshot() && dep.ShotFired) {
			return module.Errorf(module.CodeDependencyNotLoaded, d.Name, "%s dependency %q is not loaded.", d.Name, name)
		}
		if dep.Version == "" {
			continue
		}
		rng := d.Dependencies[name]
		ok, err := version.Satisfies(dep.Version, rng)
		if err != nil || !ok {
			e := module.Errorf(module.CodeVersionMismatch, d.Name, "dependency %q does not satisfy requirement %q", name, rng)
			if err != nil {
				e = e.WithCause(err)
			}
			return e
		}
	}
	return nil
}

// assignScopes creates the scopes a module asks for. Failures are ignored.
func (o *Orchestrator) assignScopes(ctx context.Context, d *module.Descriptor) {
	if o.scopes == nil {
		return
	}
	for _, scope := range d.Scopes {
		if err := o.scopes.Create(ctx, scope); err != nil {
			o.logger.Debug("scope not created",
				slog.String(log.ModuleKey, d.Name),
				slog.String("scope", scope),
				log.Error(err))
		}
	}
}
