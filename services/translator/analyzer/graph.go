// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyzer

import (
	"sort"

	"github.com/oxbowlabs/oxbow/services/translator/model"
)

// Graph is the dependency graph over unit paths. An edge source → target
// means source depends on (includes) target, so a valid processing order
// places target before source.
//
// Graph is not safe for concurrent mutation; build it once, then read.
type Graph struct {
	// Nodes is the set of unit paths.
	Nodes map[string]struct{}

	// Edges maps each node to the set of nodes it depends on.
	Edges map[string]map[string]struct{}

	// InDegree counts dependents per node (edges pointing in).
	InDegree map[string]int

	// OutDegree counts dependencies per node (edges pointing out).
	OutDegree map[string]int
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		Nodes:     make(map[string]struct{}),
		Edges:     make(map[string]map[string]struct{}),
		InDegree:  make(map[string]int),
		OutDegree: make(map[string]int),
	}
}

// BuildDependencyGraph builds a graph whose nodes are the unit paths and
// whose edges are resolved dependency targets that are themselves nodes.
// Dependencies on untracked or system files stay on the unit as Dependency
// records but create no graph edge.
func BuildDependencyGraph(units []*model.TranslationUnit) *Graph {
	g := NewGraph()

	for _, u := range units {
		g.Nodes[u.Path] = struct{}{}
		g.Edges[u.Path] = make(map[string]struct{})
		g.InDegree[u.Path] = 0
		g.OutDegree[u.Path] = 0
	}

	for _, u := range units {
		source := u.Path
		for _, dep := range u.Dependencies {
			target := dep.Target
			if _, tracked := g.Nodes[target]; !tracked {
				continue
			}
			if _, dup := g.Edges[source][target]; dup || source == target {
				continue
			}
			g.Edges[source][target] = struct{}{}
			g.InDegree[target]++
			g.OutDegree[source]++
		}
	}

	return g
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int {
	return len(g.Nodes)
}

// sortedNodes returns node paths in lexical order, for deterministic
// traversal over Go's randomized map iteration.
func (g *Graph) sortedNodes() []string {
	nodes := make([]string, 0, len(g.Nodes))
	for n := range g.Nodes {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

func (g *Graph) sortedEdges(node string) []string {
	targets := make([]string, 0, len(g.Edges[node]))
	for t := range g.Edges[node] {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return targets
}

// TopologicalSort orders nodes so that every dependency precedes its
// dependents. Two interchangeable algorithms are provided; they produce
// valid orders, not necessarily identical ones.
//
// With useDFS, post-order depth-first traversal appends each node after its
// dependencies, which is the processing order directly. Visited bookkeeping
// guarantees termination even when the graph contains cycles; a cycle
// degrades ordering validity but never hangs the sort.
//
// Without useDFS, Kahn's algorithm runs over the dependency orientation:
// nodes with no remaining dependencies are emitted first. Nodes trapped in a
// cycle never reach zero remaining dependencies and are absent from the
// result; callers detect cycles by comparing lengths (see MissingNodes).
func (g *Graph) TopologicalSort(useDFS bool) []string {
	if useDFS {
		return g.sortDFS()
	}
	return g.sortKahn()
}

func (g *Graph) sortDFS() []string {
	visited := make(map[string]struct{}, len(g.Nodes))
	result := make([]string, 0, len(g.Nodes))

	var visit func(node string)
	visit = func(node string) {
		if _, seen := visited[node]; seen {
			return
		}
		visited[node] = struct{}{}
		for _, dep := range g.sortedEdges(node) {
			visit(dep)
		}
		result = append(result, node)
	}

	for _, node := range g.sortedNodes() {
		visit(node)
	}
	return result
}

func (g *Graph) sortKahn() []string {
	// Remaining dependency counts, and the reverse adjacency needed to
	// release dependents as their dependencies are emitted.
	remaining := make(map[string]int, len(g.Nodes))
	dependents := make(map[string][]string, len(g.Nodes))
	for node := range g.Nodes {
		remaining[node] = g.OutDegree[node]
	}
	for source, targets := range g.Edges {
		for target := range targets {
			dependents[target] = append(dependents[target], source)
		}
	}
	for target := range dependents {
		sort.Strings(dependents[target])
	}

	queue := make([]string, 0, len(g.Nodes))
	for _, node := range g.sortedNodes() {
		if remaining[node] == 0 {
			queue = append(queue, node)
		}
	}

	result := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, dep := range dependents[current] {
			remaining[dep]--
			if remaining[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	return result
}

// MissingNodes returns graph nodes absent from the given order. A non-empty
// result after Kahn's sort identifies the nodes involved in (or downstream
// of) a cycle.
func (g *Graph) MissingNodes(order []string) []string {
	seen := make(map[string]struct{}, len(order))
	for _, n := range order {
		seen[n] = struct{}{}
	}
	var missing []string
	for _, n := range g.sortedNodes() {
		if _, ok := seen[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}
