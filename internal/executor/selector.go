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
	"fmt"
)

// Selector routes each worker to an executor. Modules may request a type in
// module.json unless Uniform is set, in which case Default runs everything.
type Selector struct {
	Default Executor
	Uniform bool
	byType  map[Type]Executor
}

var _ Executor = (*Selector)(nil)

// NewSelector creates a Selector over the given executors. def must be one
// of them.
func NewSelector(def Executor, uniform bool, others ...Executor) *Selector {
	s := &Selector{Default: def, Uniform: uniform, byType: map[Type]Executor{def.Type(): def}}
	for _, e := range others {
		s.byType[e.Type()] = e
	}
	return s
}

// Type implements Executor.
func (s *Selector) Type() Type { return s.Default.Type() }

// For returns the executor that would run env.
func (s *Selector) For(env Environment) (Executor, error) {
	want := Type(env.Descriptor.Executor.Type)
	if s.Uniform || want == "" {
		return s.Default, nil
	}
	e, ok := s.byType[want]
	if !ok {
		return nil, fmt.Errorf("executor %q is not available", want)
	}
	return e, nil
}

// Create implements Executor.
func (s *Selector) Create(ctx context.Context, env Environment) (Handle, error) {
	e, err := s.For(env)
	if err != nil {
		return nil, err
	}
	return e.Create(ctx, env)
}
