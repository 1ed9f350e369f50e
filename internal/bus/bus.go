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

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/tombee/modhost/internal/log"
)

var (
	// ErrNoHandler is returned when a request name has no handler.
	ErrNoHandler = errors.New("no handler for request")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus closed")
)

// Request is a request dispatched to a Handler.
type Request struct {
	ID      string
	Name    string
	Source  string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (r Request) Decode(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(r.Payload, v)
}

// Handler serves one request name.
type Handler func(ctx context.Context, req Request) (any, error)

// subscriberBuffer is the per-subscriber event queue. Events beyond it are
// dropped for that subscriber.
const subscriberBuffer = 64

// Bus dispatches host requests, fans out events and correlates replies from
// workers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	subs     map[string]map[int]chan cloudevents.Event
	nextSub  int
	calls    map[string]chan Message
	closed   bool
	logger   *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string]Handler),
		subs:     make(map[string]map[int]chan cloudevents.Event),
		calls:    make(map[string]chan Message),
		logger:   log.WithComponent(logger, "bus"),
	}
}

// Handle registers h for name, replacing any previous handler.
func (b *Bus) Handle(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = h
}

// Request runs the handler registered for name and returns its JSON-encoded
// result.
func (b *Bus) Request(ctx context.Context, name, source string, payload any) (json.RawMessage, error) {
	raw, err := marshal(payload)
	if err != nil {
		return nil, err
	}
	return b.Dispatch(ctx, Request{ID: NewID(), Name: name, Source: source, Payload: raw})
}

// Dispatch runs the handler for req.Name.
func (b *Bus) Dispatch(ctx context.Context, req Request) (json.RawMessage, error) {
	b.mu.RLock()
	h, ok := b.handlers[req.Name]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, req.Name)
	}

	entry := log.Request{Name: req.Name, ID: req.ID, Source: req.Source}
	return log.Handle(b.logger, entry, func() (json.RawMessage, error) {
		out, err := h(ctx, req)
		if err != nil {
			return nil, err
		}
		return marshal(out)
	})
}

// Subscribe returns a channel receiving events of eventType and a function
// that cancels the subscription.
func (b *Bus) Subscribe(eventType string) (<-chan cloudevents.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan cloudevents.Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.nextSub++
	id := b.nextSub
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[int]chan cloudevents.Event)
	}
	b.subs[eventType][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[eventType][id]; ok {
				delete(b.subs[eventType], id)
				close(sub)
			}
		})
	}
}

// Emit publishes a host event.
func (b *Bus) Emit(eventType string, data any) error {
	return b.publish(EventSource, eventType, data)
}

// EmitFrom publishes an event on behalf of a module.
func (b *Bus) EmitFrom(moduleName, eventType string, data any) error {
	return b.publish(fmt.Sprintf(eventSourceFmt, moduleName), eventType, data)
}

func (b *Bus) publish(source, eventType string, data any) error {
	event := cloudevents.NewEvent()
	event.SetID(NewID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		if err := event.SetData(cloudevents.ApplicationJSON, data); err != nil {
			return fmt.Errorf("encoding %s event: %w", eventType, err)
		}
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid %s event: %w", eventType, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, ch := range b.subs[eventType] {
		select {
		case ch <- event:
		default:
			b.logger.Warn("dropping event for slow subscriber", log.EventKey, eventType)
		}
	}
	return nil
}

// Call sends msg with send and waits for the reply carrying the same id,
// delivered through Deliver. msg.ID is assigned when empty.
func (b *Bus) Call(ctx context.Context, send func(Message) error, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	ch := make(chan Message, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Message{}, ErrClosed
	}
	b.calls[msg.ID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.calls, msg.ID)
		b.mu.Unlock()
	}()

	if err := send(msg); err != nil {
		return Message{}, fmt.Errorf("sending %s: %w", msg.Type, err)
	}

	select {
	case reply := <-ch:
		if reply.Error != "" {
			return reply, errors.New(reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Deliver routes a reply to the matching Call. It returns false when no
// call is waiting for msg.ID.
func (b *Bus) Deliver(msg Message) bool {
	b.mu.Lock()
	ch, ok := b.calls[msg.ID]
	if ok {
		delete(b.calls, msg.ID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

// Close closes every subscription and rejects further use.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
	}
}
