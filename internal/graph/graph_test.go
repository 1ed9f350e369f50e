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

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/modhost/internal/module"
)

func desc(id int, name string, deps ...string) *module.Descriptor {
	d := &module.Descriptor{ID: id, Name: name}
	if len(deps) > 0 {
		d.Dependencies = map[string]string{}
		for _, dep := range deps {
			d.Dependencies[dep] = "*"
		}
	}
	return d
}

func TestBuild(t *testing.T) {
	g, missing := Build([]*module.Descriptor{
		desc(1, "a"),
		desc(2, "b", "a"),
		desc(3, "c", "a", "ghost"),
	})

	assert.Equal(t, 3, g.Len())
	assert.Equal(t, map[int][]string{3: {"ghost"}}, missing)
	assert.Equal(t, []Edge{{From: 2, To: Target{Kind: Resolved, ID: 1, Name: "a"}}}, g.Edges(2))
	assert.Equal(t, []Edge{
		{From: 3, To: Target{Kind: Resolved, ID: 1, Name: "a"}},
		{From: 3, To: Target{Kind: Missing, Name: "ghost"}},
	}, g.Edges(3))

	d, ok := g.Node(2)
	require.True(t, ok)
	assert.Equal(t, "b", d.Name)
}

func TestMissingNeverCollidesWithRealModule(t *testing.T) {
	// A module literally named like a placeholder is still just a module.
	g, missing := Build([]*module.Descriptor{
		desc(1, "DNE"),
		desc(2, "b", "DNE"),
		desc(3, "c", "nothing"),
	})
	assert.Equal(t, map[int][]string{3: {"nothing"}}, missing)
	assert.Equal(t, []int{1}, g.Ready(nil))
	g.Remove(1)
	assert.Equal(t, []int{2}, g.Ready(nil))
}

func TestReadyAdvancesOnRemove(t *testing.T) {
	g, _ := Build([]*module.Descriptor{
		desc(1, "a"),
		desc(2, "b"),
		desc(3, "c", "a", "b"),
		desc(4, "d", "c"),
	})

	assert.Equal(t, []int{1, 2}, g.Ready(nil))
	assert.Equal(t, []int{2}, g.Ready(func(id int) bool { return id == 1 }))

	g.Remove(1)
	assert.Equal(t, []int{2}, g.Ready(nil))
	g.Remove(2)
	assert.Equal(t, []int{3}, g.Ready(nil))
	g.Remove(3)
	assert.Equal(t, []int{4}, g.Ready(nil))
	g.Remove(4)
	assert.Empty(t, g.Ready(nil))
	assert.Zero(t, g.Len())
}

func TestCycleNeverReady(t *testing.T) {
	g, missing := Build([]*module.Descriptor{
		desc(1, "a", "b"),
		desc(2, "b", "a"),
		desc(3, "self", "self"),
	})
	assert.Empty(t, missing)
	assert.Empty(t, g.Ready(nil))
}

func TestDependents(t *testing.T) {
	g, _ := Build([]*module.Descriptor{
		desc(1, "a"),
		desc(2, "b", "a"),
		desc(3, "c", "a"),
		desc(4, "d", "b", "c"),
	})

	assert.Equal(t, []int{2, 3}, g.Dependents(1))
	assert.Equal(t, []int{4}, g.Dependents(2))
	assert.Empty(t, g.Dependents(4))
}
