package versioning

import (
	"time"

	"github.com/careflowhq/careflow/graph"
)

// Version is an immutable snapshot of a workflow graph. IsActive and
// Tags are the only fields that change after creation; everything else,
// including the graph snapshot, is copy-on-write.
type Version struct {
	ID              string               `json:"id"`
	WorkflowID      string               `json:"workflow_id"`
	VersionNumber   string               `json:"version_number"`
	Name            string               `json:"name,omitempty"`
	Description     string               `json:"description,omitempty"`
	Author          string               `json:"author"`
	Branch          string               `json:"branch"`
	ParentVersionID string               `json:"parent_version_id,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	IsActive        bool                 `json:"is_active"`
	Tags            []string             `json:"tags,omitempty"`
	Graph           *graph.WorkflowGraph `json:"graph"`
}

// Clone returns a deep copy so callers can never reach the stored
// snapshot through a returned version.
func (v *Version) Clone() *Version {
	cp := *v
	cp.Tags = append([]string(nil), v.Tags...)
	if v.Graph != nil {
		cp.Graph = v.Graph.Clone()
	}
	return &cp
}

// HasTag reports whether the version carries the given tag.
func (v *Version) HasTag(tag string) bool {
	for _, t := range v.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Branch is a named line of workflow development. HeadVersionID is the
// only mutable field, advanced by commits and merges.
type Branch struct {
	ID            string    `json:"id"`
	WorkflowID    string    `json:"workflow_id"`
	Name          string    `json:"name"`
	BaseVersionID string    `json:"base_version_id"`
	HeadVersionID string    `json:"head_version_id"`
	Author        string    `json:"author"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// Clone returns a copy of the branch.
func (b *Branch) Clone() *Branch {
	cp := *b
	return &cp
}

// ChangeType classifies an audit record.
type ChangeType string

const (
	ChangeNodeAdded     ChangeType = "node_added"
	ChangeNodeRemoved   ChangeType = "node_removed"
	ChangeNodeModified  ChangeType = "node_modified"
	ChangeEdgeAdded     ChangeType = "edge_added"
	ChangeEdgeRemoved   ChangeType = "edge_removed"
	ChangeBranchMerged  ChangeType = "branch_merged"
	ChangeRollback      ChangeType = "version_rollback"
	ChangeVersionTagged ChangeType = "version_tagged"
)

// Change is an append-only audit record attached to a version. Records
// are never updated or deleted.
type Change struct {
	ID        string     `json:"id"`
	VersionID string     `json:"version_id"`
	Type      ChangeType `json:"type"`
	NodeID    string     `json:"node_id,omitempty"`
	EdgeID    string     `json:"edge_id,omitempty"`
	Before    any        `json:"before,omitempty"`
	After     any        `json:"after,omitempty"`
	Author    string     `json:"author"`
	Timestamp time.Time  `json:"timestamp"`
}

// Diff describes how one version's graph differs from another's.
// Node and edge entries are IDs.
type Diff struct {
	AddedNodes     []string `json:"added_nodes"`
	RemovedNodes   []string `json:"removed_nodes"`
	AddedEdges     []string `json:"added_edges"`
	RemovedEdges   []string `json:"removed_edges"`
	ChangedConfigs []string `json:"changed_configs"`
}

// Empty reports whether the diff carries no differences.
func (d *Diff) Empty() bool {
	return len(d.AddedNodes) == 0 && len(d.RemovedNodes) == 0 &&
		len(d.AddedEdges) == 0 && len(d.RemovedEdges) == 0 &&
		len(d.ChangedConfigs) == 0
}

// Conflict is one merge collision between two branches.
type Conflict struct {
	// Kind is "node" or "edge".
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// MergeResult reports the outcome of a branch merge. On conflict,
// Success is false and neither branch head moved.
type MergeResult struct {
	Success         bool       `json:"success"`
	MergedVersionID string     `json:"merged_version_id,omitempty"`
	Conflicts       []Conflict `json:"conflicts,omitempty"`
}
