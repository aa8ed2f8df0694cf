package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Edge is a directed connection between two nodes.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// WorkflowGraph is the immutable description of a workflow: nodes, edges
// and metadata. Components never mutate a graph they received; every
// transformation clones first.
type WorkflowGraph struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Nodes    []*Node        `json:"nodes"`
	Edges    []*Edge        `json:"edges"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewWorkflowGraph creates an empty graph.
func NewWorkflowGraph(id, name string) *WorkflowGraph {
	return &WorkflowGraph{ID: id, Name: name}
}

// AddNode appends a node and returns the graph for chaining. Only valid
// while the caller still owns the graph (construction time).
func (g *WorkflowGraph) AddNode(node *Node) *WorkflowGraph {
	g.Nodes = append(g.Nodes, node)
	return g
}

// AddEdge appends an edge and returns the graph for chaining.
func (g *WorkflowGraph) AddEdge(edge *Edge) *WorkflowGraph {
	g.Edges = append(g.Edges, edge)
	return g
}

// NodeByID retrieves a node by ID.
func (g *WorkflowGraph) NodeByID(id string) (*Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}

// OutgoingEdges returns the edges leaving the given node, in declaration
// order.
func (g *WorkflowGraph) OutgoingEdges(nodeID string) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// IncidentEdgeCount returns the number of edges touching the node.
func (g *WorkflowGraph) IncidentEdgeCount(nodeID string) int {
	count := 0
	for _, e := range g.Edges {
		if e.Source == nodeID || e.Target == nodeID {
			count++
		}
	}
	return count
}

// NodesOfType returns all nodes with the given type.
func (g *WorkflowGraph) NodesOfType(t NodeType) []*Node {
	var out []*Node
	for _, n := range g.Nodes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// StartNodes returns the start nodes of the graph.
func (g *WorkflowGraph) StartNodes() []*Node {
	return g.NodesOfType(NodeTypeStart)
}

// Adjacency builds a nodeID -> target IDs map from the edge list.
func (g *WorkflowGraph) Adjacency() map[string][]string {
	adj := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	return adj
}

// Clone returns a deep copy of the graph. Node configs and metadata are
// copied; the result shares nothing with the receiver.
func (g *WorkflowGraph) Clone() *WorkflowGraph {
	cp := &WorkflowGraph{ID: g.ID, Name: g.Name}
	if g.Nodes != nil {
		cp.Nodes = make([]*Node, len(g.Nodes))
		for i, n := range g.Nodes {
			cp.Nodes[i] = n.Clone()
		}
	}
	if g.Edges != nil {
		cp.Edges = make([]*Edge, len(g.Edges))
		for i, e := range g.Edges {
			edge := *e
			cp.Edges[i] = &edge
		}
	}
	if g.Metadata != nil {
		cp.Metadata = make(map[string]any, len(g.Metadata))
		for k, v := range g.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// ContentHash returns a hex digest of the graph's canonical JSON form.
// Node and edge order does not affect the hash, so structurally equal
// graphs share a hash regardless of declaration order.
func (g *WorkflowGraph) ContentHash() string {
	canon := g.Clone()
	sort.Slice(canon.Nodes, func(i, j int) bool { return canon.Nodes[i].ID < canon.Nodes[j].ID })
	sort.Slice(canon.Edges, func(i, j int) bool { return canon.Edges[i].ID < canon.Edges[j].ID })

	// RuntimeStatus is execution feedback, not content.
	for _, n := range canon.Nodes {
		n.RuntimeStatus = ""
	}

	raw, err := json.Marshal(canon)
	if err != nil {
		// Marshal of our own types only fails on exotic metadata values;
		// fall back to an empty hash rather than panicking mid-validation.
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
