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

// Package memory provides an in-memory store.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tombee/modhost/internal/module"
	"github.com/tombee/modhost/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is an in-memory store. State is lost on restart.
type Store struct {
	mu      sync.RWMutex
	modules map[string]*module.Descriptor
	events  []store.Event
}

// New creates an empty store.
func New() *Store {
	return &Store{modules: make(map[string]*module.Descriptor)}
}

// SaveModule stores a copy of d.
func (s *Store) SaveModule(ctx context.Context, d *module.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[d.Name] = d.Clone()
	return nil
}

// DeleteModule removes name. Deleting an unknown module is not an error.
func (s *Store) DeleteModule(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.modules, name)
	return nil
}

// ListModules returns copies of every stored module ordered by name.
func (s *Store) ListModules(ctx context.Context) ([]*module.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*module.Descriptor, 0, len(s.modules))
	for _, d := range s.modules {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RecordEvent appends ev, stamping it with the current time if unset.
func (s *Store) RecordEvent(ctx context.Context, ev store.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// ListEvents implements store.HistoryStore.
func (s *Store) ListEvents(ctx context.Context, name string, limit int) ([]store.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Event
	for _, ev := range slices.Backward(s.events) {
		if ev.Module != name {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
