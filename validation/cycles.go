package validation

import (
	"sort"

	"github.com/careflowhq/careflow/graph"
)

// findCycle looks for a back-edge in the graph and returns the full cycle
// path (first node repeated at the end), or nil for acyclic graphs.
//
// The DFS is iterative with an explicit frame stack so pathological
// graphs cannot blow the goroutine stack. Traversal order is made
// deterministic by sorting node IDs, so the same graph always reports
// the same cycle.
func findCycle(g *graph.WorkflowGraph) []string {
	adj := g.Adjacency()
	for id := range adj {
		sort.Strings(adj[id])
	}

	roots := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		roots = append(roots, n.ID)
	}
	sort.Strings(roots)

	const (
		colorWhite = 0 // unvisited
		colorGray  = 1 // on the active path
		colorBlack = 2 // fully explored
	)
	color := make(map[string]int, len(roots))

	type frame struct {
		node string
		next int // index of the next child to explore
	}

	for _, root := range roots {
		if color[root] != colorWhite {
			continue
		}

		stack := []frame{{node: root}}
		path := []string{root}
		color[root] = colorGray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			children := adj[top.node]

			if top.next < len(children) {
				child := children[top.next]
				top.next++

				switch color[child] {
				case colorGray:
					// Back-edge: the cycle runs from child's position on
					// the active path to the top.
					start := 0
					for i, id := range path {
						if id == child {
							start = i
							break
						}
					}
					cycle := append([]string{}, path[start:]...)
					cycle = append(cycle, child)
					return cycle
				case colorWhite:
					color[child] = colorGray
					stack = append(stack, frame{node: child})
					path = append(path, child)
				}
			} else {
				color[top.node] = colorBlack
				stack = stack[:len(stack)-1]
				path = path[:len(path)-1]
			}
		}
	}

	return nil
}
