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
	"log/slog"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tombee/modhost/internal/bus"
	"github.com/tombee/modhost/internal/executor"
	"github.com/tombee/modhost/internal/log"
	"github.com/tombee/modhost/internal/metrics"
	"github.com/tombee/modhost/internal/module"
)

// worker tracks one live executor handle.
type worker struct {
	id      int
	name    string
	handle  executor.Handle
	logger  *slog.Logger
	started time.Time

	// exited is closed once the exit event has been seen. code and signal
	// are written before it closes.
	exited chan struct{}
	code   int
	signal string

	crashHandled atomic.Bool
}

func (w *worker) hasExited() bool {
	select {
	case <-w.exited:
		return true
	default:
		return false
	}
}

func (w *worker) crashed() bool {
	return executor.Crashed(w.code, w.signal)
}

// current returns the live worker for id, if any.
func (o *Orchestrator) current(id int) *worker {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.workers[id]
}

// summon creates a worker for d. A non-oneshot module may only have one.
func (o *Orchestrator) summon(ctx context.Context, d *module.Descriptor) (*worker, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	prev := o.workers[d.ID]
	o.mu.Unlock()

	if prev != nil && !prev.hasExited() {
		if !d.IsOneshot() {
			return nil, module.Errorf(module.CodeAlreadyRunning, d.Name, "Already running module %s", d.Name)
		}
		o.destroy(prev)
	}

	handle, err := o.exec.Create(ctx, executor.Environment{Descriptor: d.Clone()})
	if err != nil {
		return nil, module.Errorf(module.CodeSpawnFailed, d.Name, "unable to start worker for %s", d.Name).WithCause(err)
	}

	w := &worker{
		id:      d.ID,
		name:    d.Name,
		handle:  handle,
		logger:  log.WithModule(o.logger, d.ID, d.Name),
		started: time.Now(),
		exited:  make(chan struct{}),
	}
	o.mu.Lock()
	o.workers[d.ID] = w
	o.mu.Unlock()

	metrics.WorkerStarted(string(o.exec.Type()))
	go o.pump(w)
	return w, nil
}

// pump drains the handle's events until exit.
func (o *Orchestrator) pump(w *worker) {
	for ev := range w.handle.Events() {
		switch ev.Type {
		case executor.EventOnline:
			log.Trace(w.logger, "worker online")
		case executor.EventMessage:
			o.route(w, ev.Message)
		case executor.EventDisconnect:
			w.logger.Debug("worker disconnected")
		case executor.EventError:
			w.logger.Warn("worker error", log.Error(ev.Err))
		case executor.EventExit:
			w.code, w.signal = ev.Code, ev.Signal
			close(w.exited)
			o.onExit(w)
			return
		}
	}
}

// route handles one message sent by a worker.
func (o *Orchestrator) route(w *worker, msg bus.Message) {
	switch msg.Type {
	case bus.TypeLoaded:
		c, err := msg.Completion()
		if err != nil {
			w.logger.Warn("malformed load completion", log.Error(err))
			return
		}
		if c.ModuleID != w.id {
			w.logger.Warn("load completion for another module ignored", slog.Int("reported_id", c.ModuleID))
			return
		}
		o.completions.Settle(c)

	case bus.TypeRequest:
		go func() {
			out, err := o.bus.Dispatch(o.ctx, bus.Request{
				ID:      msg.ID,
				Name:    msg.Name,
				Source:  w.name,
				Payload: msg.Payload,
			})
			if serr := w.handle.Send(msg.Reply(out, err)); serr != nil {
				w.logger.Debug("unable to reply to worker", slog.String("request", msg.Name), log.Error(serr))
			}
		}()

	case bus.TypeResponse, bus.TypeTerminated:
		if !o.bus.Deliver(msg) {
			log.Trace(w.logger, "unmatched reply from worker", slog.String("id", msg.ID))
		}

	case bus.TypeEvent:
		if err := o.bus.EmitFrom(w.name, msg.Name, msg.Payload); err != nil {
			w.logger.Warn("unable to publish worker event", slog.String("event", msg.Name), log.Error(err))
		}

	default:
		w.logger.Warn("unknown message type from worker", slog.String("type", msg.Type))
	}
}

// onExit runs once per worker after its exit event.
func (o *Orchestrator) onExit(w *worker) {
	o.mu.Lock()
	if o.workers[w.id] == w {
		delete(o.workers, w.id)
	}
	busy := o.busy[w.id] > 0
	closed := o.closed
	o.mu.Unlock()

	metrics.WorkerStopped(string(o.exec.Type()))

	if !w.crashed() {
		w.logger.Debug("worker exited cleanly")
		return
	}
	w.logger.Warn("worker crashed", slog.Int("code", w.code), slog.String("signal", w.signal))
	if busy || closed {
		return
	}
	o.handleCrash(w)
}

// handleCrash starts crash recovery for a crashed worker whose module is
// loaded. It acts at most once per worker.
func (o *Orchestrator) handleCrash(w *worker) {
	if !w.crashed() {
		return
	}
	d, ok := o.reg.Get(w.id)
	if !ok || !d.IsLoaded {
		return
	}
	if w.crashHandled.CompareAndSwap(false, true) {
		go o.moduleCrashed(w.id)
	}
}

// destroy forcibly kills w and waits briefly for its exit event.
func (o *Orchestrator) destroy(w *worker) {
	if !w.hasExited() {
		if err := w.handle.Kill(syscall.SIGKILL); err != nil {
			w.logger.Warn("unable to kill worker", log.Error(err))
		}
		select {
		case <-w.exited:
		case <-time.After(killWait):
			w.logger.Error("worker did not exit after kill")
		}
	}

	o.mu.Lock()
	if o.workers[w.id] == w {
		delete(o.workers, w.id)
	}
	o.mu.Unlock()
}

// stopWorker asks w to terminate over the bus and destroys it afterwards
// whichever way it stopped. It returns how the worker stopped.
func (o *Orchestrator) stopWorker(ctx context.Context, w *worker) string {
	if w.hasExited() {
		return "exited"
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.UnloadTimeout)
	defer cancel()

	replied := make(chan error, 1)
	go func() {
		_, err := o.bus.Call(ctx, w.handle.Send, bus.Message{Type: bus.TypeTerminate, ModuleID: w.id})
		replied <- err
	}()

	stop := "graceful"
	select {
	case err := <-replied:
		if err != nil {
			w.logger.Warn("unable to unload module, killing it anyway", log.Error(err))
			stop = "killed"
		}
	case <-w.exited:
		stop = "exited"
	case <-ctx.Done():
		w.logger.Warn("Module Unload Timeout", slog.Duration("timeout", o.cfg.UnloadTimeout))
		stop = "timeout"
	}

	o.destroy(w)
	return stop
}
