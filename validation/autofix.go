package validation

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/careflowhq/careflow/graph"
)

// FixKind names a pure graph transformation offered by a suggestion.
// Suggestions carry a FixKind rather than a closure so results stay
// serializable across process boundaries.
type FixKind string

const (
	FixNone                 FixKind = ""
	FixInsertStartNode      FixKind = "insert_start_node"
	FixInsertEndNode        FixKind = "insert_end_node"
	FixConnectOrphans       FixKind = "connect_orphans"
	FixRemoveDuplicateEdges FixKind = "remove_duplicate_edges"
	FixRemoveSelfLoops      FixKind = "remove_self_loops"
)

// ApplyFix applies a fix to a clone of the graph and returns the new
// graph. The input is never mutated.
func ApplyFix(kind FixKind, g *graph.WorkflowGraph) (*graph.WorkflowGraph, error) {
	if g == nil {
		return nil, fmt.Errorf("cannot fix nil graph")
	}

	fixed := g.Clone()
	switch kind {
	case FixInsertStartNode:
		insertStartNode(fixed)
	case FixInsertEndNode:
		insertEndNode(fixed)
	case FixConnectOrphans:
		connectOrphans(fixed)
	case FixRemoveDuplicateEdges:
		removeDuplicateEdges(fixed)
	case FixRemoveSelfLoops:
		removeSelfLoops(fixed)
	default:
		return nil, fmt.Errorf("unknown fix kind: %q", kind)
	}
	return fixed, nil
}

func insertStartNode(g *graph.WorkflowGraph) {
	if len(g.NodesOfType(graph.NodeTypeStart)) > 0 {
		return
	}

	start := &graph.Node{
		ID:     "start-" + uuid.NewString()[:8],
		Type:   graph.NodeTypeStart,
		Name:   "Start",
		Config: &graph.StartConfig{},
	}
	g.AddNode(start)

	// Wire the start to the first node with no incoming edges, if any.
	incoming := make(map[string]int)
	for _, e := range g.Edges {
		incoming[e.Target]++
	}
	for _, n := range g.Nodes {
		if n.ID == start.ID || n.Type == graph.NodeTypeStart {
			continue
		}
		if incoming[n.ID] == 0 {
			g.AddEdge(&graph.Edge{ID: "edge-" + uuid.NewString()[:8], Source: start.ID, Target: n.ID})
			return
		}
	}
}

func insertEndNode(g *graph.WorkflowGraph) {
	if len(g.NodesOfType(graph.NodeTypeEnd)) > 0 {
		return
	}

	end := &graph.Node{
		ID:     "end-" + uuid.NewString()[:8],
		Type:   graph.NodeTypeEnd,
		Name:   "End",
		Config: &graph.EndConfig{},
	}
	g.AddNode(end)

	// Wire every node with no outgoing edges to the new end.
	for _, n := range g.Nodes {
		if n.ID == end.ID || n.Type == graph.NodeTypeEnd {
			continue
		}
		if len(g.OutgoingEdges(n.ID)) == 0 {
			g.AddEdge(&graph.Edge{ID: "edge-" + uuid.NewString()[:8], Source: n.ID, Target: end.ID})
		}
	}
}

// connectOrphans attaches each orphaned node to a connected node,
// distributing them round-robin so no single node collects every orphan.
func connectOrphans(g *graph.WorkflowGraph) {
	connected := make([]*graph.Node, 0, len(g.Nodes))
	var orphans []*graph.Node
	for _, n := range g.Nodes {
		if n.IsTerminal() || g.IncidentEdgeCount(n.ID) > 0 {
			connected = append(connected, n)
		} else {
			orphans = append(orphans, n)
		}
	}
	if len(connected) == 0 {
		return
	}

	for i, orphan := range orphans {
		anchor := connected[i%len(connected)]
		g.AddEdge(&graph.Edge{
			ID:     "edge-" + uuid.NewString()[:8],
			Source: anchor.ID,
			Target: orphan.ID,
		})
	}
}

func removeDuplicateEdges(g *graph.WorkflowGraph) {
	seen := make(map[string]bool, len(g.Edges))
	kept := g.Edges[:0]
	for _, e := range g.Edges {
		key := e.Source + "->" + e.Target
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, e)
	}
	g.Edges = kept
}

func removeSelfLoops(g *graph.WorkflowGraph) {
	kept := g.Edges[:0]
	for _, e := range g.Edges {
		if e.Source == e.Target {
			continue
		}
		kept = append(kept, e)
	}
	g.Edges = kept
}
