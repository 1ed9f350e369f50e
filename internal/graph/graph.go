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

// Package graph builds the module dependency graph used to schedule loads
// and unloads.
//
// Edges point from a dependent module to each dependency it names. Every
// edge target is tagged: either Resolved to a module id in the graph or
// Missing with the unresolved name. A node is ready when it has no
// outgoing edges.
package graph

import (
	"slices"

	"github.com/tombee/modhost/internal/module"
)

// TargetKind tags an edge target.
type TargetKind int

const (
	// Resolved targets a module present in the registry.
	Resolved TargetKind = iota
	// Missing targets a dependency name with no matching module.
	Missing
)

// Target is the dependency end of an edge.
type Target struct {
	Kind TargetKind
	ID   int
	Name string
}

// Edge points from a dependent module to one of its dependencies.
type Edge struct {
	From int
	To   Target
}

// Graph is a dependency graph keyed by module id. It is not safe for
// concurrent use.
type Graph struct {
	nodes map[int]*module.Descriptor
	out   map[int][]Edge
}

// Build creates a graph over descs. The second result maps module id to the
// dependency names that matched no descriptor.
func Build(descs []*module.Descriptor) (*Graph, map[int][]string) {
	g := &Graph{
		nodes: make(map[int]*module.Descriptor, len(descs)),
		out:   make(map[int][]Edge, len(descs)),
	}
	byName := make(map[string]int, len(descs))
	for _, d := range descs {
		g.nodes[d.ID] = d
		byName[d.Name] = d.ID
	}

	missing := make(map[int][]string)
	for _, d := range descs {
		for _, dep := range d.DependencyNames() {
			if id, ok := byName[dep]; ok {
				g.out[d.ID] = append(g.out[d.ID], Edge{From: d.ID, To: Target{Kind: Resolved, ID: id, Name: dep}})
				continue
			}
			g.out[d.ID] = append(g.out[d.ID], Edge{From: d.ID, To: Target{Kind: Missing, Name: dep}})
			missing[d.ID] = append(missing[d.ID], dep)
		}
	}
	return g, missing
}

// Node returns the descriptor for id.
func (g *Graph) Node(id int) (*module.Descriptor, bool) {
	d, ok := g.nodes[id]
	return d, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Edges returns the outgoing edges of id.
func (g *Graph) Edges(id int) []Edge {
	return slices.Clone(g.out[id])
}

// Ready returns, in ascending id order, every node with no outgoing edge
// for which skip returns false. A nil skip excludes nothing.
func (g *Graph) Ready(skip func(id int) bool) []int {
	var ready []int
	for id := range g.nodes {
		if len(g.out[id]) > 0 {
			continue
		}
		if skip != nil && skip(id) {
			continue
		}
		ready = append(ready, id)
	}
	slices.Sort(ready)
	return ready
}

// Dependents returns, in ascending id order, the nodes with an edge
// resolved to id.
func (g *Graph) Dependents(id int) []int {
	var deps []int
	for from, edges := range g.out {
		for _, e := range edges {
			if e.To.Kind == Resolved && e.To.ID == id {
				deps = append(deps, from)
				break
			}
		}
	}
	slices.Sort(deps)
	return deps
}

// Remove deletes id and every edge resolved to it, which can make its
// dependents ready.
func (g *Graph) Remove(id int) {
	delete(g.nodes, id)
	delete(g.out, id)
	for from, edges := range g.out {
		kept := edges[:0]
		for _, e := range edges {
			if e.To.Kind == Resolved && e.To.ID == id {
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(g.out, from)
		} else {
			g.out[from] = kept
		}
	}
}
