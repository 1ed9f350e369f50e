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

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tombee/modhost/internal/bus"
	"github.com/tombee/modhost/internal/completion"
	"github.com/tombee/modhost/internal/executor"
	"github.com/tombee/modhost/internal/log"
	"github.com/tombee/modhost/internal/module"
)

// DefaultUnloadTimeout bounds Module.Unload when the runtime has no timeout set.
const DefaultUnloadTimeout = 10 * time.Second

// Runtime runs one module inside a worker.
type Runtime struct {
	Logger        *slog.Logger
	UnloadTimeout time.Duration
}

var _ executor.RunFunc = (&Runtime{}).Run

type loadResult struct {
	result any
	err    error
}

// Run loads the module described by desc, reports completion over t and
// serves the transport until the host asks the worker to terminate, the
// transport closes or ctx is cancelled.
func (r *Runtime) Run(ctx context.Context, desc *module.Descriptor, t bus.Transport) error {
	logger := log.WithModule(r.Logger, desc.ID, desc.Name)
	calls := bus.New(logger)
	defer calls.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mod, err := Resolve(desc)
	if err != nil {
		r.sendLoaded(t, logger, desc.ID, loadResult{err: err})
		return err
	}

	inbox := make(chan bus.Message)
	recvErr := make(chan error, 1)
	go func() {
		for {
			msg, err := t.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case inbox <- msg:
			case <-runCtx.Done():
				return
			}
		}
	}()

	h := &host{desc: desc, transport: t, calls: calls, logger: logger}
	loadDone := make(chan loadResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				loadDone <- loadResult{err: fmt.Errorf("module panicked during load: %v", p)}
			}
		}()
		res, err := mod.Load(runCtx, h)
		loadDone <- loadResult{result: res, err: err}
	}()

	var modDone <-chan error
	for {
		select {
		case res := <-loadDone:
			r.sendLoaded(t, logger, desc.ID, res)
			if res.err != nil {
				return res.err
			}
			logger.Debug("module loaded")
			if rn, ok := mod.(Runner); ok {
				modDone = rn.Done()
			}

		case msg := <-inbox:
			switch msg.Type {
			case bus.TypeResponse, bus.TypeTerminated:
				calls.Deliver(msg)
			case bus.TypeTerminate:
				err := r.unload(mod)
				if sendErr := t.Send(msg.Reply(nil, err)); sendErr != nil {
					logger.Warn("could not confirm termination", log.Error(sendErr))
				}
				return nil
			case bus.TypeRequest:
				_ = t.Send(msg.Reply(nil, fmt.Errorf("worker does not serve %s", msg.Name)))
			default:
				logger.Debug("ignoring message", "type", msg.Type)
			}

		case err := <-recvErr:
			if !errors.Is(err, io.EOF) {
				logger.Warn("transport failed", log.Error(err))
			}
			return r.unload(mod)

		case err := <-modDone:
			if err != nil {
				return fmt.Errorf("module stopped: %w", err)
			}
			return nil

		case <-ctx.Done():
			_ = r.unload(mod)
			return ctx.Err()
		}
	}
}

func (r *Runtime) unload(mod Module) error {
	timeout := r.UnloadTimeout
	if timeout <= 0 {
		timeout = DefaultUnloadTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return mod.Unload(ctx)
}

func (r *Runtime) sendLoaded(t bus.Transport, logger *slog.Logger, id int, res loadResult) {
	c := completion.Completion{ModuleID: id, Result: res.result}
	if res.err != nil {
		c.Error = res.err.Error()
	}
	msg, err := bus.NewLoaded(c)
	if err != nil {
		// The result was not encodable; report the load without it.
		msg, err = bus.NewLoaded(completion.Completion{ModuleID: id, Error: c.Error})
	}
	if err == nil {
		err = t.Send(msg)
	}
	if err != nil {
		logger.Error("could not report load completion", log.Error(err))
	}
}

type host struct {
	desc      *module.Descriptor
	transport bus.Transport
	calls     *bus.Bus
	logger    *slog.Logger
}

func (h *host) Descriptor() *module.Descriptor { return h.desc.Clone() }
func (h *host) Logger() *slog.Logger           { return h.logger }

func (h *host) Request(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	msg, err := bus.NewRequest(name, payload)
	if err != nil {
		return nil, err
	}
	reply, err := h.calls.Call(ctx, h.transport.Send, msg)
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

// Main runs a worker process: the descriptor comes from the environment
// and the protocol runs over stdin and stdout.
func Main(ctx context.Context, logger *slog.Logger) error {
	desc, err := executor.DecodeDescriptor(os.Getenv(executor.EnvDescriptor))
	if err != nil {
		return err
	}
	rt := &Runtime{Logger: logger}
	return rt.Run(ctx, desc, bus.NewStreamTransport(os.Stdin, os.Stdout))
}
