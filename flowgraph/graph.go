// Package flowgraph runs graph algorithms over a canvas: cycle detection,
// topological scheduling, depth and connectivity. Only active connections
// form edges, and every traversal follows the canvas's insertion order so
// results are reproducible.
package flowgraph

import (
	"sort"
	"strings"

	"github.com/stackmotive/overlay/canvas"
	"github.com/stackmotive/overlay/errors"
)

// edge is one active connection seen from its source block
type edge struct {
	to   string
	conn string
}

// graph is the adjacency view of a canvas
type graph struct {
	nodes []string
	out   map[string][]edge
	in    map[string]int
}

func build(c *canvas.Canvas) *graph {
	g := &graph{
		nodes: append([]string(nil), c.BlockOrder...),
		out:   make(map[string][]edge, len(c.BlockOrder)),
		in:    make(map[string]int, len(c.BlockOrder)),
	}
	for _, conn := range c.OrderedConnections() {
		if !conn.Active {
			continue
		}
		if _, ok := c.Blocks[conn.SourceBlockID]; !ok {
			continue
		}
		if _, ok := c.Blocks[conn.TargetBlockID]; !ok {
			continue
		}
		g.out[conn.SourceBlockID] = append(g.out[conn.SourceBlockID], edge{to: conn.TargetBlockID, conn: conn.ID})
		g.in[conn.TargetBlockID]++
	}
	return g
}

// Cycle is a circular dependency. Path starts and ends at the cycle's
// entry block; Connections lists the connection ids along the path.
type Cycle struct {
	Path        []string `json:"path"`
	Connections []string `json:"connections"`
}

// String renders the path as "a -> b -> a"
func (c Cycle) String() string {
	return strings.Join(c.Path, " -> ")
}

// Contains reports whether the cycle passes through a block
func (c Cycle) Contains(blockID string) bool {
	for _, id := range c.Path {
		if id == blockID {
			return true
		}
	}
	return false
}

// DetectCycles finds circular dependencies with a depth-first search that
// tracks the recursion stack. Each back edge yields one cycle. An acyclic
// canvas returns nil.
func DetectCycles(c *canvas.Canvas) []Cycle {
	g := build(c)
	visited := make(map[string]bool, len(g.nodes))
	onStack := make(map[string]int, len(g.nodes))
	var stack []string
	var via []string
	var cycles []Cycle

	var visit func(id string)
	visit = func(id string) {
		visited[id] = true
		onStack[id] = len(stack)
		stack = append(stack, id)

		for _, e := range g.out[id] {
			if pos, ok := onStack[e.to]; ok {
				path := append(append([]string(nil), stack[pos:]...), e.to)
				conns := append(append([]string(nil), via[pos:]...), e.conn)
				cycles = append(cycles, Cycle{Path: path, Connections: conns})
				continue
			}
			if visited[e.to] {
				continue
			}
			via = append(via, e.conn)
			visit(e.to)
			via = via[:len(via)-1]
		}

		stack = stack[:len(stack)-1]
		delete(onStack, id)
	}

	for _, id := range g.nodes {
		if !visited[id] {
			visit(id)
		}
	}
	return cycles
}

// TopologicalOrder returns block ids so that every block follows all of
// its upstream blocks. Blocks that are ready at the same time are ordered
// lexically by id. A cyclic canvas yields a circular_dependency error.
func TopologicalOrder(c *canvas.Canvas) ([]string, error) {
	g := build(c)
	indegree := make(map[string]int, len(g.nodes))
	var ready []string
	for _, id := range g.nodes {
		indegree[id] = g.in[id]
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var released []string
		for _, e := range g.out[id] {
			indegree[e.to]--
			if indegree[e.to] == 0 {
				released = append(released, e.to)
			}
		}
		if len(released) > 0 {
			ready = append(ready, released...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.nodes) {
		return nil, noOrderError(g, indegree)
	}
	return order, nil
}

// Levels groups blocks into layers: every block sits one layer below its
// deepest upstream block. Layers are sorted by id.
func Levels(c *canvas.Canvas) ([][]string, error) {
	g := build(c)
	indegree := make(map[string]int, len(g.nodes))
	var current []string
	for _, id := range g.nodes {
		indegree[id] = g.in[id]
		if indegree[id] == 0 {
			current = append(current, id)
		}
	}

	var levels [][]string
	seen := 0
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		seen += len(current)

		var next []string
		for _, id := range current {
			for _, e := range g.out[id] {
				indegree[e.to]--
				if indegree[e.to] == 0 {
					next = append(next, e.to)
				}
			}
		}
		current = next
	}

	if seen != len(g.nodes) {
		return nil, noOrderError(g, indegree)
	}
	return levels, nil
}

func noOrderError(g *graph, indegree map[string]int) error {
	var stuck []string
	for _, id := range g.nodes {
		if indegree[id] > 0 {
			stuck = append(stuck, id)
		}
	}
	return errors.NewOverlayError(errors.KindCyclicDependency,
		"no execution order exists: blocks %s are part of or downstream of a cycle", strings.Join(stuck, ", ")).
		WithSuggestions("Remove one connection from each cycle")
}

// Depth returns the number of blocks on the longest dependency chain.
// Back edges are ignored, so cyclic canvases still get a finite depth.
func Depth(c *canvas.Canvas) int {
	g := build(c)
	memo := make(map[string]int, len(g.nodes))
	onStack := make(map[string]bool)

	var longest func(id string) int
	longest = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		onStack[id] = true
		best := 0
		for _, e := range g.out[id] {
			if onStack[e.to] {
				continue
			}
			if d := longest(e.to); d > best {
				best = d
			}
		}
		onStack[id] = false
		memo[id] = best + 1
		return best + 1
	}

	depth := 0
	for _, id := range g.nodes {
		if d := longest(id); d > depth {
			depth = d
		}
	}
	return depth
}

// Connectivity describes how blocks are linked, ignoring direction.
type Connectivity struct {
	// Components lists weakly connected groups in insertion order of their
	// first block.
	Components [][]string `json:"components"`
	// Disconnected lists blocks with no active connection at all.
	Disconnected []string `json:"disconnected"`
}

// Analyze computes the weakly connected components of the canvas
func Analyze(c *canvas.Canvas) Connectivity {
	g := build(c)
	adj := make(map[string][]string, len(g.nodes))
	for _, id := range g.nodes {
		for _, e := range g.out[id] {
			adj[id] = append(adj[id], e.to)
			adj[e.to] = append(adj[e.to], id)
		}
	}

	var result Connectivity
	seen := make(map[string]bool, len(g.nodes))
	for _, id := range g.nodes {
		if seen[id] {
			continue
		}
		if len(adj[id]) == 0 {
			result.Disconnected = append(result.Disconnected, id)
		}

		var component []string
		queue := []string{id}
		seen[id] = true
		for len(queue) > 0 {
			n := queue[0]
			queue = queue[1:]
			component = append(component, n)
			for _, m := range adj[n] {
				if !seen[m] {
					seen[m] = true
					queue = append(queue, m)
				}
			}
		}
		result.Components = append(result.Components, component)
	}
	return result
}

// Upstream returns, for each block, the active connections feeding it in
// insertion order.
func Upstream(c *canvas.Canvas) map[string][]*canvas.Connection {
	out := make(map[string][]*canvas.Connection, len(c.Blocks))
	for _, conn := range c.OrderedConnections() {
		if conn.Active {
			out[conn.TargetBlockID] = append(out[conn.TargetBlockID], conn)
		}
	}
	return out
}
