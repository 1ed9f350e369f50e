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

// Package registry holds the set of known module descriptors.
//
// The Registry type is the engine's privileged handle: it may create, update
// and delete descriptors. Everything outside the orchestrator receives a View,
// which can only read.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tombee/modhost/internal/log"
	"github.com/tombee/modhost/internal/module"
	"github.com/tombee/modhost/internal/store"
)

var (
	// ErrDuplicateName is returned when creating a descriptor whose name is taken.
	ErrDuplicateName = errors.New("registry: module name already registered")

	// ErrNotFound is returned for unknown ids.
	ErrNotFound = errors.New("registry: module not found")

	// ErrOperationNotSupported is returned by View for create, update and delete.
	ErrOperationNotSupported = errors.New("registry: operation not supported")
)

// Registry is a concurrency-safe collection of descriptors keyed by id.
// Reads return copies so callers never observe a descriptor mid-update.
type Registry struct {
	mu     sync.RWMutex
	items  map[int]*module.Descriptor
	byName map[string]int
	nextID int

	// seq numbers mutations under mu. written holds, per name, the newest
	// seq that reached the store, so a slower stale write is dropped.
	seq     uint64
	wmu     sync.Mutex
	written map[string]uint64

	store  store.Store
	logger *slog.Logger
}

// New creates an empty registry. A nil st keeps state in memory only.
func New(st store.Store, logger *slog.Logger) *Registry {
	return &Registry{
		items:   make(map[int]*module.Descriptor),
		byName:  make(map[string]int),
		nextID:  1,
		written: make(map[string]uint64),
		store:   st,
		logger:  log.WithComponent(logger, "registry"),
	}
}

// Restore registers every descriptor held by the store. Runtime state is
// reset: restored modules start unloaded and receive fresh ids.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	descs, err := r.store.ListModules(ctx)
	if err != nil {
		return 0, fmt.Errorf("restoring registry: %w", err)
	}

	n := 0
	for _, d := range descs {
		d.IsLoaded = false
		d.LoadError = nil
		d.ShotFired = false
		if _, err := r.Create(ctx, d); err != nil {
			if errors.Is(err, ErrDuplicateName) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Create registers d under a new id and returns a copy of the stored value.
func (r *Registry) Create(ctx context.Context, d *module.Descriptor) (*module.Descriptor, error) {
	if d == nil || d.Name == "" {
		return nil, fmt.Errorf("registry: descriptor must have a name")
	}

	r.mu.Lock()
	if _, ok := r.byName[d.Name]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, d.Name)
	}
	stored := d.Clone()
	stored.ID = r.nextID
	r.nextID++
	r.items[stored.ID] = stored
	r.byName[stored.Name] = stored.ID
	out := stored.Clone()
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	r.persist(ctx, out, seq)
	return out, nil
}

// Get returns a copy of the descriptor with the given id.
func (r *Registry) Get(id int) (*module.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.items[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// GetByName returns a copy of the descriptor with the given name.
func (r *Registry) GetByName(name string) (*module.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.items[id].Clone(), true
}

// List returns copies of all descriptors ordered by id.
func (r *Registry) List() []*module.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*module.Descriptor, 0, len(r.items))
	for _, d := range r.items {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update applies fn to the stored descriptor and returns a copy of the
// result. The id and name cannot be changed.
func (r *Registry) Update(ctx context.Context, id int, fn func(*module.Descriptor)) (*module.Descriptor, error) {
	r.mu.Lock()
	d, ok := r.items[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	name := d.Name
	fn(d)
	d.ID = id
	d.Name = name
	out := d.Clone()
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	r.persist(ctx, out, seq)
	return out, nil
}

// Delete removes the descriptor with the given id.
func (r *Registry) Delete(ctx context.Context, id int) error {
	r.mu.Lock()
	d, ok := r.items[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	delete(r.items, id)
	delete(r.byName, d.Name)
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	if r.store != nil {
		r.wmu.Lock()
		defer r.wmu.Unlock()
		if !r.claimWrite(d.Name, seq) {
			return nil
		}
		if err := r.store.DeleteModule(ctx, d.Name); err != nil {
			r.logger.Warn("failed to delete persisted module",
				slog.String(log.ModuleKey, d.Name),
				log.Error(err))
		}
	}
	return nil
}

// RecordEvent appends a lifecycle event to the store, if any. Failures are
// logged and otherwise ignored.
func (r *Registry) RecordEvent(ctx context.Context, ev store.Event) {
	if r.store == nil {
		return
	}
	if err := r.store.RecordEvent(ctx, ev); err != nil {
		r.logger.Warn("failed to record module event",
			slog.String(log.ModuleKey, ev.Module),
			slog.String("event", string(ev.Type)),
			log.Error(err))
	}
}

// History returns up to limit recorded events for name, newest first.
func (r *Registry) History(ctx context.Context, name string, limit int) ([]store.Event, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.ListEvents(ctx, name, limit)
}

// View returns the read-only facade handed to code outside the engine.
func (r *Registry) View() *View {
	return &View{r: r}
}

// persist writes d, as of mutation seq, to the store.
func (r *Registry) persist(ctx context.Context, d *module.Descriptor, seq uint64) {
	if r.store == nil || d.IsBase {
		return
	}
	r.wmu.Lock()
	defer r.wmu.Unlock()
	if !r.claimWrite(d.Name, seq) {
		return
	}
	if err := r.store.SaveModule(ctx, d); err != nil {
		r.logger.Warn("failed to persist module",
			slog.String(log.ModuleKey, d.Name),
			log.Error(err))
	}
}

// claimWrite reports whether seq is newer than the last write for name and
// records it if so. Callers hold wmu.
func (r *Registry) claimWrite(name string, seq uint64) bool {
	if seq < r.written[name] {
		return false
	}
	r.written[name] = seq
	return true
}

// View is a read-only registry facade.
type View struct {
	r *Registry
}

// Get returns a copy of the descriptor with the given id.
func (v *View) Get(id int) (*module.Descriptor, bool) { return v.r.Get(id) }

// GetByName returns a copy of the descriptor with the given name.
func (v *View) GetByName(name string) (*module.Descriptor, bool) { return v.r.GetByName(name) }

// List returns copies of all descriptors ordered by id.
func (v *View) List() []*module.Descriptor { return v.r.List() }

// History returns recorded lifecycle events for name.
func (v *View) History(ctx context.Context, name string, limit int) ([]store.Event, error) {
	return v.r.History(ctx, name, limit)
}

// Create always fails.
func (v *View) Create(context.Context, *module.Descriptor) (*module.Descriptor, error) {
	return nil, ErrOperationNotSupported
}

// Update always fails.
func (v *View) Update(context.Context, int, func(*module.Descriptor)) (*module.Descriptor, error) {
	return nil, ErrOperationNotSupported
}

// Delete always fails.
func (v *View) Delete(context.Context, int) error {
	return ErrOperationNotSupported
}
