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

// Package store defines persistence for module state and lifecycle history.
package store

import (
	"context"
	"time"

	"github.com/tombee/modhost/internal/module"
)

// EventType classifies a history record.
type EventType string

const (
	EventInstalled   EventType = "installed"
	EventLoaded      EventType = "loaded"
	EventLoadFailed  EventType = "load_failed"
	EventRetry       EventType = "retry"
	EventUnloaded    EventType = "unloaded"
	EventCrashed     EventType = "crashed"
	EventUninstalled EventType = "uninstalled"
)

// Event is one entry in a module's lifecycle history.
type Event struct {
	Module  string    `json:"module"`
	Type    EventType `json:"type"`
	Message string    `json:"message,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	At      time.Time `json:"at"`
}

// ModuleStore persists the last known state of each module, keyed by name.
type ModuleStore interface {
	SaveModule(ctx context.Context, d *module.Descriptor) error
	DeleteModule(ctx context.Context, name string) error
	ListModules(ctx context.Context) ([]*module.Descriptor, error)
}

// HistoryStore records lifecycle events.
type HistoryStore interface {
	RecordEvent(ctx context.Context, ev Event) error
	// ListEvents returns up to limit events for name, newest first. A
	// limit of zero or less returns every event.
	ListEvents(ctx context.Context, name string, limit int) ([]Event, error)
}

// Store combines module state and history persistence.
type Store interface {
	ModuleStore
	HistoryStore
	Close() error
}
