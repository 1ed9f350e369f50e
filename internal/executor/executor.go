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

// Package executor spawns and supervises isolated module workers.
//
// Two implementations share one interface: Process re-executes the host
// binary in worker mode, Thread runs the worker in a goroutine. Callers
// pick one at startup and never branch on which is in use.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tombee/modhost/internal/bus"
	"github.com/tombee/modhost/internal/module"
)

// EnvDescriptor is the environment variable carrying the worker's
// JSON-encoded descriptor.
const EnvDescriptor = "MODHOST_MODULE"

// Type names an executor implementation.
type Type string

const (
	TypeProcess Type = "process"
	TypeThread  Type = "thread"
)

// EventType identifies a worker lifecycle event.
type EventType string

const (
	// EventOnline fires once the worker has started.
	EventOnline EventType = "online"
	// EventMessage carries a message sent by the worker.
	EventMessage EventType = "message"
	// EventDisconnect fires when the worker's transport closes.
	EventDisconnect EventType = "disconnect"
	// EventError reports a transport or supervision error.
	EventError EventType = "error"
	// EventExit is always the last event for a handle.
	EventExit EventType = "exit"
)

// Event is a worker lifecycle event.
type Event struct {
	Type    EventType
	Message bus.Message
	Err     error
	Code    int
	Signal  string
}

// Crashed reports whether an exit with code and signal counts as a crash.
func Crashed(code int, signal string) bool {
	return signal != "" || code != 0
}

func signalName(sig os.Signal) string {
	if s, ok := sig.(syscall.Signal); ok {
		if name := unix.SignalName(s); name != "" {
			return name
		}
	}
	return sig.String()
}

// Environment seeds a new worker.
type Environment struct {
	Descriptor *module.Descriptor
	// Env holds extra KEY=VALUE entries for process workers.
	Env []string
}

// Encode returns the descriptor as carried in EnvDescriptor.
func (e Environment) Encode() (string, error) {
	data, err := json.Marshal(e.Descriptor)
	if err != nil {
		return "", fmt.Errorf("encoding descriptor: %w", err)
	}
	return string(data), nil
}

// DecodeDescriptor parses the value of EnvDescriptor.
func DecodeDescriptor(value string) (*module.Descriptor, error) {
	if value == "" {
		return nil, fmt.Errorf("%s is not set", EnvDescriptor)
	}
	var d module.Descriptor
	if err := json.Unmarshal([]byte(value), &d); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", EnvDescriptor, err)
	}
	return &d, nil
}

// Handle is a running worker.
//
// Events must be drained until EventExit is received; EventExit is always
// delivered exactly once and is followed by Done closing.
type Handle interface {
	// ModuleID returns the id of the module the worker runs.
	ModuleID() int
	// Send delivers a message to the worker.
	Send(bus.Message) error
	// Kill terminates the worker with sig.
	Kill(sig os.Signal) error
	// Events returns the lifecycle event stream.
	Events() <-chan Event
	// Done is closed after EventExit has been delivered.
	Done() <-chan struct{}
}

// Executor creates workers.
type Executor interface {
	Type() Type
	Create(ctx context.Context, env Environment) (Handle, error)
}

// eventStream is the event plumbing shared by both implementations.
type eventStream struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func newEventStream() *eventStream {
	return &eventStream{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}
}

func (s *eventStream) Events() <-chan Event  { return s.ch }
func (s *eventStream) Done() <-chan struct{} { return s.done }

func (s *eventStream) exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// emit delivers ev unless the worker has already exited.
func (s *eventStream) emit(ev Event) {
	if s.exited() {
		return
	}
	select {
	case s.ch <- ev:
	case <-s.done:
	}
}

// exit delivers the exit event once and closes done.
func (s *eventStream) exit(code int, signal string) {
	s.once.Do(func() {
		s.ch <- Event{Type: EventExit, Code: code, Signal: signal}
		close(s.done)
	})
}
