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

// Package bus carries requests, responses and events between the host and
// its module workers.
package bus

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tombee/modhost/internal/completion"
)

// Message types exchanged with workers.
const (
	// TypeLoaded is sent once by a worker when its load logic finishes.
	TypeLoaded = "loaded"
	// TypeRequest asks the receiver to run a named request.
	TypeRequest = "request"
	// TypeResponse answers a TypeRequest with the same ID.
	TypeResponse = "response"
	// TypeEvent is a fire-and-forget notification.
	TypeEvent = "event"
	// TypeTerminate asks a worker to unload and exit.
	TypeTerminate = "terminate"
	// TypeTerminated confirms a TypeTerminate with the same ID.
	TypeTerminated = "terminated"
)

// Request and event names served by the host.
const (
	RequestLoad             = "modules.load"
	RequestUnload           = "modules.unload"
	RequestGetDisplayName   = "modules.getDisplayName"
	RequestGetDataDirectory = "modules.getDataDirectory"
	RequestList             = "modules.list"
	RequestGet              = "modules.get"
	RequestInstall          = "modules.install"
	RequestStatus           = "modules.status"

	EventLoaded    = "modules.loaded"
	EventCrashed   = "modules.crashed"
	EventUnloaded  = "modules.unloaded"
	EventActivity  = "activity.created"
	EventSource    = "modhost"
	eventSourceFmt = "modhost/module/%s"
)

// Message is the envelope written on a worker transport.
type Message struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	ModuleID int             `json:"moduleId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// NewID returns a fresh correlation id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewLoaded builds the completion message a worker sends after loading.
func NewLoaded(c completion.Completion) (Message, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return Message{}, fmt.Errorf("encoding completion: %w", err)
	}
	return Message{Type: TypeLoaded, ModuleID: c.ModuleID, Payload: payload}, nil
}

// Completion decodes a TypeLoaded message.
func (m Message) Completion() (completion.Completion, error) {
	var c completion.Completion
	if m.Type != TypeLoaded {
		return c, fmt.Errorf("message type %q is not %q", m.Type, TypeLoaded)
	}
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &c); err != nil {
			return c, fmt.Errorf("decoding completion: %w", err)
		}
	}
	if c.ModuleID == 0 {
		c.ModuleID = m.ModuleID
	}
	return c, nil
}

// NewRequest builds a request message with a fresh id.
func NewRequest(name string, payload any) (Message, error) {
	raw, err := marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeRequest, ID: NewID(), Name: name, Payload: raw}, nil
}

// Reply builds the response to m.
func (m Message) Reply(result any, err error) Message {
	resp := Message{Type: TypeResponse, ID: m.ID, Name: m.Name}
	if m.Type == TypeTerminate {
		resp.Type = TypeTerminated
	}
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	raw, merr := marshal(result)
	if merr != nil {
		resp.Error = merr.Error()
		return resp
	}
	resp.Payload = raw
	return resp
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

func marshal(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return raw, nil
}
