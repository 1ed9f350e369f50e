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

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tombee/modhost/internal/bus"
	"github.com/tombee/modhost/internal/log"
	"github.com/tombee/modhost/internal/module"
)

// RunFunc is the worker entry point run by the thread executor. It must
// return when ctx is cancelled.
type RunFunc func(ctx context.Context, desc *module.Descriptor, t bus.Transport) error

// Thread runs each worker in its own goroutine inside the host process.
type Thread struct {
	run    RunFunc
	logger *slog.Logger
}

var _ Executor = (*Thread)(nil)

// NewThread creates a thread executor running workers with run.
func NewThread(run RunFunc, logger *slog.Logger) *Thread {
	return &Thread{run: run, logger: log.WithComponent(logger, "executor.thread")}
}

// Type implements Executor.
func (t *Thread) Type() Type { return TypeThread }

// Create implements Executor. The descriptor is round-tripped through its
// encoded form so the worker never shares memory with the registry.
func (t *Thread) Create(ctx context.Context, env Environment) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	encoded, err := env.Encode()
	if err != nil {
		return nil, err
	}
	desc, err := DecodeDescriptor(encoded)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &threadHandle{
		eventStream: newEventStream(),
		id:          desc.ID,
		inbox:       make(chan bus.Message, 16),
		ctx:         runCtx,
		cancel:      cancel,
		logger:      log.WithModule(t.logger, desc.ID, desc.Name),
	}
	h.emit(Event{Type: EventOnline})
	go h.run(t.run, desc)
	return h, nil
}

type threadHandle struct {
	*eventStream
	id     int
	inbox  chan bus.Message
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func (h *threadHandle) ModuleID() int { return h.id }

func (h *threadHandle) Send(msg bus.Message) error {
	if h.exited() {
		return fmt.Errorf("worker for module %d has exited", h.id)
	}
	select {
	case h.inbox <- msg:
		return nil
	case <-h.ctx.Done():
		return fmt.Errorf("worker for module %d has exited", h.id)
	}
}

// Kill cancels the worker's context and reports the exit immediately.
func (h *threadHandle) Kill(sig os.Signal) error {
	h.cancel()
	h.exit(-1, signalName(sig))
	return nil
}

func (h *threadHandle) run(fn RunFunc, desc *module.Descriptor) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		return fn(h.ctx, desc, threadTransport{h})
	}()
	h.cancel()
	h.emit(Event{Type: EventDisconnect})

	code := 0
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("worker returned error", log.Error(err))
		code = 1
	}
	h.exit(code, "")
}

// threadTransport is the worker's side of a threadHandle.
type threadTransport struct {
	h *threadHandle
}

func (t threadTransport) Send(msg bus.Message) error {
	if t.h.exited() {
		return io.ErrClosedPipe
	}
	t.h.emit(Event{Type: EventMessage, Message: msg})
	return nil
}

func (t threadTransport) Recv() (bus.Message, error) {
	select {
	case msg := <-t.h.inbox:
		return msg, nil
	case <-t.h.ctx.Done():
		return bus.Message{}, io.EOF
	}
}
