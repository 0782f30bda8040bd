// Package graph builds a dependency graph over model names and produces
// a deterministic execution plan from it.
//
// Grounded on the teacher's parser/parserstep7/dependency_graph.go
// (adjacency-list DependencyGraph, GetProcessingOrder via Kahn's
// algorithm), generalized from per-statement subquery IDs to model
// names, with Tarjan's SCC added for precise cycle-member reporting —
// the teacher's own in-degree-mismatch check can only tell that a cycle
// exists, not name it.
package graph

import (
	"sort"

	"github.com/definite-app/crabwalk"
)

// Graph is a directed graph over model names. An edge u -> v means
// "u depends on v" (v must be materialized first).
type Graph struct {
	nodes map[string]bool
	edges map[string][]string // u -> its dependencies
}

// New builds a Graph from a registry's models, using each model's
// EffectiveDeps against the full known-name set. A dependency that names
// no known model adds no edge. A self-reference is rejected immediately
// as a one-node cycle, per spec.md §4.4.
func New(models []*crabwalk.Model, known map[string]bool) (*Graph, error) {
	g := &Graph{nodes: map[string]bool{}, edges: map[string][]string{}}
	for _, m := range models {
		g.nodes[m.Name] = true
	}
	for _, m := range models {
		for _, dep := range m.EffectiveDeps(known) {
			if dep == m.Name {
				return nil, &crabwalk.CycleError{Cycle: []string{m.Name}}
			}
			if !known[dep] {
				continue
			}
			g.edges[m.Name] = append(g.edges[m.Name], dep)
		}
	}
	return g, nil
}

// Nodes returns every model name in the graph, sorted.
func (g *Graph) Nodes() []string {
	out := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// DependsOn returns u's direct dependencies (dependency edges, not
// execution-order edges), sorted.
func (g *Graph) DependsOn(u string) []string {
	out := append([]string(nil), g.edges[u]...)
	sort.Strings(out)
	return out
}

// Cycles returns every strongly connected component of size > 1, via
// Tarjan's algorithm, each inner slice naming all members of one cycle.
// Single-node SCCs are only cycles if they self-loop, which New already
// rejects, so they are excluded here.
func (g *Graph) Cycles() [][]string {
	t := &tarjan{
		graph:   g,
		index:   map[string]int{},
		lowlink: map[string]int{},
		onStack: map[string]bool{},
	}
	for _, n := range g.Nodes() {
		if _, visited := t.index[n]; !visited {
			t.strongConnect(n)
		}
	}
	var cycles [][]string
	for _, scc := range t.sccs {
		if len(scc) > 1 {
			sort.Strings(scc)
			cycles = append(cycles, scc)
		}
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}

type tarjan struct {
	graph   *Graph
	index   map[string]int
	lowlink map[string]int
	onStack map[string]bool
	stack   []string
	counter int
	sccs    [][]string
}

func (t *tarjan) strongConnect(v string) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.graph.DependsOn(v) {
		if _, visited := t.index[w]; !visited {
			t.strongConnect(w)
			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] {
			if t.index[w] < t.lowlink[v] {
				t.lowlink[v] = t.index[w]
			}
		}
	}

	if t.lowlink[v] == t.index[v] {
		var scc []string
		for {
			n := len(t.stack) - 1
			w := t.stack[n]
			t.stack = t.stack[:n]
			t.onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		t.sccs = append(t.sccs, scc)
	}
}

// Break removes one edge from each cycle the tolerant cycle policy must
// dissolve: for each cycle, the edge whose head (dependency, the v in
// u->v) sorts lexicographically latest among that cycle's edges is cut.
// The tail of each cut edge (u) is returned so the caller can mark it
// Skipped(CycleBroken).
func (g *Graph) Break(cycles [][]string) []string {
	members := map[string]bool{}
	for _, cyc := range cycles {
		for _, n := range cyc {
			members[n] = true
		}
	}

	var broken []string
	for _, cyc := range cycles {
		inCycle := map[string]bool{}
		for _, n := range cyc {
			inCycle[n] = true
		}

		var cutU, cutV string
		for _, u := range cyc {
			for _, v := range g.edges[u] {
				if !inCycle[v] {
					continue
				}
				if cutV == "" || v > cutV {
					cutU, cutV = u, v
				}
			}
		}
		if cutU == "" {
			continue
		}
		g.edges[cutU] = removeOne(g.edges[cutU], cutV)
		broken = append(broken, cutU)
	}
	sort.Strings(broken)
	return broken
}

func removeOne(s []string, v string) []string {
	out := s[:0:0]
	removed := false
	for _, x := range s {
		if !removed && x == v {
			removed = true
			continue
		}
		out = append(out, x)
	}
	return out
}

// Plan is a valid topological order over a Graph, plus the level sets
// (ready-batches) the scheduler drained to produce it.
type Plan struct {
	Order  []string
	levels [][]string
}

// Levels returns the ready-set batches the scheduler drained: level 0 has
// no dependencies, level i depends only on levels < i. Concatenating the
// (internally lexicographically sorted) levels in order reproduces Order.
func (p *Plan) Levels() [][]string { return p.levels }

// Schedule computes a deterministic topological order over g via Kahn's
// algorithm on the inverted graph (dependencies before dependents),
// draining the ready set in lexicographic order at each step so repeated
// runs over identical input produce identical plans (P1, P2).
func Schedule(g *Graph) (*Plan, error) {
	if cycles := g.Cycles(); len(cycles) > 0 {
		return nil, &crabwalk.CycleError{Cycle: cycles[0]}
	}

	// dependents[v] = set of u such that u depends on v, i.e. the inverted
	// edge v -> u used to drain "v is ready, who becomes ready next".
	dependents := map[string][]string{}
	remaining := map[string]int{} // remaining unresolved dependency count per node
	for _, n := range g.Nodes() {
		remaining[n] = len(g.edges[n])
	}
	for _, u := range g.Nodes() {
		for _, v := range g.edges[u] {
			dependents[v] = append(dependents[v], u)
		}
	}
	for v := range dependents {
		sort.Strings(dependents[v])
	}

	var order []string
	var levels [][]string
	ready := readyNodes(remaining)

	for len(ready) > 0 {
		sort.Strings(ready)
		levels = append(levels, ready)
		order = append(order, ready...)

		var next []string
		seen := map[string]bool{}
		for _, v := range ready {
			for _, u := range dependents[v] {
				remaining[u]--
				if remaining[u] == 0 && !seen[u] {
					seen[u] = true
					next = append(next, u)
				}
			}
		}
		// EffectiveDeps yields each dependency once, so every edge
		// decrements its dependent exactly once and a node joins next
		// exactly when its last dependency has been drained.
		ready = next
	}

	if len(order) != len(g.nodes) {
		// Should be unreachable: Cycles() above already rejected any SCC.
		return nil, &crabwalk.CycleError{Cycle: remainingNames(remaining)}
	}

	return &Plan{Order: order, levels: levels}, nil
}

func readyNodes(remaining map[string]int) []string {
	var ready []string
	for n, c := range remaining {
		if c == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)
	return ready
}

func remainingNames(remaining map[string]int) []string {
	var names []string
	for n, c := range remaining {
		if c > 0 {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}
