package dag

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError reports a dependency cycle. Path starts and ends with the same
// node and follows dependency edges: Path[i] depends on Path[i+1].
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "cycle detected: " + strings.Join(e.Path, " -> ")
}

// New creates and returns an initialized, empty Graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*node),
	}
}

// AddNode adds a new node with the given ID to the graph. If a node with
// the same ID already exists, the function does nothing.
func (g *Graph) AddNode(id string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if _, ok := g.nodes[id]; ok {
		return
	}

	g.nodes[id] = &node{
		id:         id,
		index:      len(g.order),
		deps:       make(map[string]*node),
		dependents: make(map[string]*node),
	}
	g.order = append(g.order, id)
}

// AddEdge creates a directed edge from the `fromID` node to the `toID` node.
// This signifies that `toID` has a dependency on `fromID`. An error is returned
// if either node does not exist or if the edge would create a self-reference.
func (g *Graph) AddEdge(fromID, toID string) error {
	if fromID == toID {
		return fmt.Errorf("self-referential edge not allowed: %s -> %s", fromID, fromID)
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	fromNode, ok := g.nodes[fromID]
	if !ok {
		return fmt.Errorf("source node not found: %s", fromID)
	}

	toNode, ok := g.nodes[toID]
	if !ok {
		return fmt.Errorf("destination node not found: %s", toID)
	}

	toNode.deps[fromID] = fromNode
	fromNode.dependents[toID] = toNode

	return nil
}

// Nodes returns all node IDs in insertion order.
func (g *Graph) Nodes() []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return len(g.order)
}

// Dependencies returns the IDs the given node depends on, in insertion order.
func (g *Graph) Dependencies(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return ids(sortedNodes(n.deps)), nil
}

// Dependents returns the IDs that depend on the given node, in insertion order.
func (g *Graph) Dependents(id string) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return ids(sortedNodes(n.dependents)), nil
}

// DetectCycles checks the graph for any cycles and returns a *CycleError
// describing the first one found.
func (g *Graph) DetectCycles() error {
	if path := g.FindCycle(); path != nil {
		return &CycleError{Path: path}
	}
	return nil
}

// FindCycle returns the first cycle found, as a path that starts and ends
// with the same node, or nil when the graph is acyclic.
func (g *Graph) FindCycle() []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	// Use classic depth-first search with three sets of nodes:
	// permanent: nodes that have been fully visited and are not part of a cycle.
	// temporary: nodes currently in the recursion stack for the current traversal.
	// unvisited: all other nodes.
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)
	var stack []string

	var visit func(n *node) []string
	visit = func(n *node) []string {
		if permanent[n.id] {
			return nil
		}
		if temporary[n.id] {
			// The stack holds the current path; the cycle is its tail from n.
			for i, id := range stack {
				if id == n.id {
					cycle := append([]string{}, stack[i:]...)
					return append(cycle, n.id)
				}
			}
		}

		temporary[n.id] = true
		stack = append(stack, n.id)

		for _, dep := range sortedNodes(n.deps) {
			if cycle := visit(dep); cycle != nil {
				return cycle
			}
		}

		stack = stack[:len(stack)-1]
		delete(temporary, n.id)
		permanent[n.id] = true
		return nil
	}

	for _, id := range g.order {
		if cycle := visit(g.nodes[id]); cycle != nil {
			return cycle
		}
	}
	return nil
}

// TopologicalSort orders the nodes so that every node comes after all of its
// dependencies. Among nodes that are ready at the same time, the one inserted
// first wins. A cyclic graph yields a *CycleError.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.mutex.RLock()
	remaining := make(map[string]int, len(g.nodes))
	var ready []*node
	for _, id := range g.order {
		n := g.nodes[id]
		remaining[id] = len(n.deps)
		if len(n.deps) == 0 {
			ready = append(ready, n)
		}
	}

	sorted := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		sorted = append(sorted, n.id)

		for _, dependent := range sortedNodes(n.dependents) {
			remaining[dependent.id]--
			if remaining[dependent.id] == 0 {
				ready = insertByIndex(ready, dependent)
			}
		}
	}
	total := len(g.order)
	g.mutex.RUnlock()

	if len(sorted) != total {
		return nil, g.DetectCycles()
	}
	return sorted, nil
}

func insertByIndex(queue []*node, n *node) []*node {
	i := sort.Search(len(queue), func(i int) bool { return queue[i].index > n.index })
	queue = append(queue, nil)
	copy(queue[i+1:], queue[i:])
	queue[i] = n
	return queue
}

func sortedNodes(set map[string]*node) []*node {
	out := make([]*node, 0, len(set))
	for _, n := range set {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

func ids(nodes []*node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.id
	}
	return out
}
