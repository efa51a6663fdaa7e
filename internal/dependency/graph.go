// Package dependency models the dependency edges between services and
// answers ordering questions about them.
package dependency

import (
	"errors"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// NodeID identifies a node in the graph.
type NodeID string

// Node is a vertex in the dependency graph. DependsOn lists the nodes that
// must be up before this one.
type Node struct {
	ID           NodeID
	FriendlyName string
	DependsOn    []NodeID
}

// ErrCycle is returned (wrapped in a *CycleError) when the graph is not a DAG.
var ErrCycle = errors.New("dependency cycle")

// CycleError names the members of one cycle found in the graph.
type CycleError struct {
	Members []NodeID
}

func (e *CycleError) Error() string {
	parts := make([]string, 0, len(e.Members)+1)
	for _, m := range e.Members {
		parts = append(parts, string(m))
	}
	if len(e.Members) > 0 {
		parts = append(parts, string(e.Members[0]))
	}
	return fmt.Sprintf("%v: %s", ErrCycle, strings.Join(parts, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// Graph is a directed dependency graph. Insertion order is remembered so
// that orderings are deterministic. Graph is not safe for concurrent
// mutation; owners guard it.
type Graph struct {
	nodes map[NodeID]*Node
	order []NodeID
	// dependents is the reverse edge index: dep -> nodes that depend on it.
	dependents map[NodeID]sets.Set[NodeID]
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes:      make(map[NodeID]*Node),
		dependents: make(map[NodeID]sets.Set[NodeID]),
	}
}

// AddNode inserts or replaces a node. Dependencies that are not (yet) nodes
// are allowed; callers validate existence when they need to.
func (g *Graph) AddNode(n Node) {
	if old, exists := g.nodes[n.ID]; exists {
		for _, dep := range old.DependsOn {
			if s, ok := g.dependents[dep]; ok {
				s.Delete(n.ID)
			}
		}
	} else {
		g.order = append(g.order, n.ID)
	}

	deps := make([]NodeID, len(n.DependsOn))
	copy(deps, n.DependsOn)
	n.DependsOn = deps
	g.nodes[n.ID] = &n

	for _, dep := range deps {
		s, ok := g.dependents[dep]
		if !ok {
			s = sets.New[NodeID]()
			g.dependents[dep] = s
		}
		s.Insert(n.ID)
	}
}

// RemoveNode deletes a node and its outgoing edges.
func (g *Graph) RemoveNode(id NodeID) {
	n, exists := g.nodes[id]
	if !exists {
		return
	}
	for _, dep := range n.DependsOn {
		if s, ok := g.dependents[dep]; ok {
			s.Delete(id)
		}
	}
	delete(g.nodes, id)
	for i, o := range g.order {
		if o == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// Get returns the node with the given id, or nil.
func (g *Graph) Get(id NodeID) *Node {
	return g.nodes[id]
}

// Has reports whether the graph contains id.
func (g *Graph) Has(id NodeID) bool {
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Nodes returns node ids in insertion order.
func (g *Graph) Nodes() []NodeID {
	out := make([]NodeID, len(g.order))
	copy(out, g.order)
	return out
}

// Dependents returns the nodes that directly depend on id, in insertion order.
func (g *Graph) Dependents(id NodeID) []NodeID {
	s, ok := g.dependents[id]
	if !ok || s.Len() == 0 {
		return nil
	}
	out := make([]NodeID, 0, s.Len())
	for _, o := range g.order {
		if s.Has(o) {
			out = append(out, o)
		}
	}
	return out
}

// TransitiveDependents returns every node that depends on id directly or
// indirectly, in insertion order. id itself is never included.
func (g *Graph) TransitiveDependents(id NodeID) []NodeID {
	seen := sets.New[NodeID]()
	queue := []NodeID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range g.Dependents(cur) {
			if d == id || seen.Has(d) {
				continue
			}
			seen.Insert(d)
			queue = append(queue, d)
		}
	}

	out := make([]NodeID, 0, seen.Len())
	for _, o := range g.order {
		if seen.Has(o) {
			out = append(out, o)
		}
	}
	return out
}

// MissingDependencies returns dependency ids of id that are not nodes.
func (g *Graph) MissingDependencies(id NodeID) []NodeID {
	n := g.nodes[id]
	if n == nil {
		return nil
	}
	var missing []NodeID
	for _, dep := range n.DependsOn {
		if !g.Has(dep) {
			missing = append(missing, dep)
		}
	}
	return missing
}

// TopologicalOrder returns all nodes such that every node comes after all of
// its dependencies. Among nodes that are ready at the same time, insertion
// order wins. Dependencies that are not nodes are ignored. If the graph has
// a cycle a *CycleError naming one cycle is returned.
func (g *Graph) TopologicalOrder() ([]NodeID, error) {
	indegree := make(map[NodeID]int, len(g.nodes))
	for _, id := range g.order {
		n := g.nodes[id]
		count := 0
		for _, dep := range uniqueDeps(n.DependsOn) {
			if g.Has(dep) {
				count++
			}
		}
		indegree[id] = count
	}

	result := make([]NodeID, 0, len(g.nodes))
	done := sets.New[NodeID]()
	for len(result) < len(g.order) {
		progressed := false
		for _, id := range g.order {
			if done.Has(id) || indegree[id] > 0 {
				continue
			}
			done.Insert(id)
			result = append(result, id)
			for _, d := range g.Dependents(id) {
				indegree[d]--
			}
			progressed = true
			// Restart the scan so earlier-registered nodes freed by this
			// one are emitted first.
			break
		}
		if !progressed {
			return nil, &CycleError{Members: g.findCycle(done)}
		}
	}
	return result, nil
}

// findCycle walks the nodes not yet ordered and returns the first cycle it
// encounters, starting from the earliest registered member.
func (g *Graph) findCycle(done sets.Set[NodeID]) []NodeID {
	const (
		white = iota
		grey
		black
	)
	color := make(map[NodeID]int)
	var stack []NodeID
	var cycle []NodeID

	var visit func(id NodeID) bool
	visit = func(id NodeID) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.nodes[id].DependsOn {
			if !g.Has(dep) || done.Has(dep) {
				continue
			}
			switch color[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						cycle = append([]NodeID(nil), stack[i:]...)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.order {
		if done.Has(id) || color[id] != white {
			continue
		}
		if visit(id) {
			return cycle
		}
	}
	return nil
}

func uniqueDeps(deps []NodeID) []NodeID {
	if len(deps) < 2 {
		return deps
	}
	seen := sets.New[NodeID]()
	out := make([]NodeID, 0, len(deps))
	for _, d := range deps {
		if seen.Has(d) {
			continue
		}
		seen.Insert(d)
		out = append(out, d)
	}
	return out
}
