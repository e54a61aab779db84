// Package depgraph maintains the per-project dependency graph over
// task edges and answers cycle and reachability queries.
//
// An edge A→B means "A depends on B". The graph must stay acyclic at
// all times, so every insertion is preceded by a reachability check:
// if A is already reachable from B, the new edge would close a cycle
// and is rejected. The index is maintained incrementally on every add
// and remove; it is never recomputed from scratch.
package depgraph

import "fmt"

// CycleError is returned when an edge insertion would create a cycle,
// including the degenerate self-edge case.
type CycleError struct {
	From string
	To   string
}

func (e *CycleError) Error() string {
	if e.From == e.To {
		return fmt.Sprintf("task %s cannot depend on itself", e.From)
	}
	return fmt.Sprintf("dependency %s -> %s would create a cycle", e.From, e.To)
}

// Index is the adjacency structure for one project's dependency
// edges. It keeps both directions so dependents lookups don't scan.
//
// Index is not safe for concurrent use; the client serializes all
// mutations through one reconciliation path.
type Index struct {
	// forward[a] is the set of tasks a depends on.
	forward map[string]map[string]bool
	// reverse[b] is the set of tasks that depend on b.
	reverse map[string]map[string]bool
}

// New creates an empty dependency index.
func New() *Index {
	return &Index{
		forward: make(map[string]map[string]bool),
		reverse: make(map[string]map[string]bool),
	}
}

// AddEdge inserts the edge from→to ("from depends on to").
//
// Self-referential edges are rejected unconditionally. If from is
// reachable from to over existing edges, the insertion would close a
// cycle and fails with *CycleError, leaving the graph untouched.
// Adding an edge that already exists is a no-op.
func (g *Index) AddEdge(from, to string) error {
	if from == to {
		return &CycleError{From: from, To: to}
	}
	if g.forward[from][to] {
		return nil
	}
	if g.Reachable(to, from) {
		return &CycleError{From: from, To: to}
	}

	if g.forward[from] == nil {
		g.forward[from] = make(map[string]bool)
	}
	g.forward[from][to] = true

	if g.reverse[to] == nil {
		g.reverse[to] = make(map[string]bool)
	}
	g.reverse[to][from] = true
	return nil
}

// RemoveEdge removes the edge from→to. Removal is unconditional and
// idempotent.
func (g *Index) RemoveEdge(from, to string) {
	delete(g.forward[from], to)
	if len(g.forward[from]) == 0 {
		delete(g.forward, from)
	}
	delete(g.reverse[to], from)
	if len(g.reverse[to]) == 0 {
		delete(g.reverse, to)
	}
}

// RemoveNode strips every edge incident to id, in both directions.
func (g *Index) RemoveNode(id string) {
	for to := range g.forward[id] {
		delete(g.reverse[to], id)
		if len(g.reverse[to]) == 0 {
			delete(g.reverse, to)
		}
	}
	delete(g.forward, id)

	for from := range g.reverse[id] {
		delete(g.forward[from], id)
		if len(g.forward[from]) == 0 {
			delete(g.forward, from)
		}
	}
	delete(g.reverse, id)
}

// HasEdge reports whether the edge from→to exists.
func (g *Index) HasEdge(from, to string) bool {
	return g.forward[from][to]
}

// Dependencies returns the tasks id depends on.
func (g *Index) Dependencies(id string) []string {
	return keys(g.forward[id])
}

// Dependents returns the tasks that depend on id.
func (g *Index) Dependents(id string) []string {
	return keys(g.reverse[id])
}

// WouldCycle reports whether inserting from→to would create a cycle,
// without mutating the graph.
func (g *Index) WouldCycle(from, to string) bool {
	return from == to || g.Reachable(to, from)
}

// Reachable reports whether target can be reached from start by
// following dependency edges. Depth-first over the forward adjacency.
func (g *Index) Reachable(start, target string) bool {
	if start == target {
		return true
	}
	visited := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[node] {
			continue
		}
		visited[node] = true
		for next := range g.forward[node] {
			if next == target {
				return true
			}
			if !visited[next] {
				stack = append(stack, next)
			}
		}
	}
	return false
}

// EdgeCount returns the number of edges in the graph.
func (g *Index) EdgeCount() int {
	n := 0
	for _, tos := range g.forward {
		n += len(tos)
	}
	return n
}

func keys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
