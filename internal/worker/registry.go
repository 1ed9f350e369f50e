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

// Package worker is the worker-side half of the module protocol. It loads
// one module implementation, reports completion to the host and serves
// terminate requests.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/tombee/modhost/internal/module"
)

// Host is the view of the host available to a running module.
type Host interface {
	// Descriptor returns the module's own descriptor.
	Descriptor() *module.Descriptor
	// Request runs a named host request, such as modules.getDataDirectory.
	Request(ctx context.Context, name string, payload any) (json.RawMessage, error)
	// Logger returns a logger tagged with the module.
	Logger() *slog.Logger
}

// Module is a loadable unit of work.
type Module interface {
	// Load runs the module's start-up logic. Its result is reported to the host.
	Load(ctx context.Context, host Host) (any, error)
	// Unload releases everything Load acquired.
	Unload(ctx context.Context) error
}

// Runner is implemented by modules that keep running after Load. A value
// on Done ends the worker; a non-nil error makes the exit a crash.
type Runner interface {
	Done() <-chan error
}

// Factory creates a fresh module instance for d.
type Factory func(d *module.Descriptor) (Module, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a module implementation available by name. It panics if
// called twice for the same name or with a nil factory.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if f == nil {
		panic("worker: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("worker: Register called twice for module " + name)
	}
	factories[name] = f
}

// Registered returns the sorted names of registered implementations.
func Registered() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	return slices.Sorted(maps.Keys(factories))
}

// Resolve returns the implementation for d: a registered factory by name,
// the command module when load.command is set, or a module that does
// nothing.
func Resolve(d *module.Descriptor) (Module, error) {
	factoriesMu.RLock()
	f, ok := factories[d.Name]
	factoriesMu.RUnlock()

	switch {
	case ok:
		m, err := f(d)
		if err != nil {
			return nil, fmt.Errorf("creating module %s: %w", d.Name, err)
		}
		return m, nil
	case len(d.Load.Command) > 0:
		return newCommandModule(d), nil
	default:
		return idleModule{}, nil
	}
}

type idleModule struct{}

func (idleModule) Load(context.Context, Host) (any, error) { return nil, nil }
func (idleModule) Unload(context.Context) error            { return nil }
