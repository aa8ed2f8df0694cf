package versioning

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careflowhq/careflow/graph"
	"github.com/careflowhq/careflow/types"
)

// DefaultBranch is the branch assigned to versions created without an
// explicit branch.
const DefaultBranch = "main"

// CreateVersionOptions carries the optional metadata of a new version.
type CreateVersionOptions struct {
	Name            string
	Description     string
	Author          string
	Branch          string
	ParentVersionID string
	Tags            []string
}

// Manager implements the version store operations on top of a Store.
// All graph snapshots it hands out are deep copies.
type Manager struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a version manager.
func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		logger: logger.With(zap.String("component", "versioning")),
		now:    time.Now,
	}
}

// CreateVersion snapshots the graph as a new immutable version. The
// version number auto-increments per workflow+branch (1.0.0, 1.0.1, ...).
func (m *Manager) CreateVersion(ctx context.Context, workflowID string, g *graph.WorkflowGraph, opts CreateVersionOptions) (*Version, error) {
	if g == nil {
		return nil, types.NewError(types.ErrGraphInvalid, "cannot version a nil graph").
			WithCategory(types.CategoryValidation)
	}
	branch := opts.Branch
	if branch == "" {
		branch = DefaultBranch
	}

	number, err := m.nextVersionNumber(ctx, workflowID, branch)
	if err != nil {
		return nil, err
	}

	v := &Version{
		ID:              "ver-" + uuid.NewString(),
		WorkflowID:      workflowID,
		VersionNumber:   number,
		Name:            opts.Name,
		Description:     opts.Description,
		Author:          opts.Author,
		Branch:          branch,
		ParentVersionID: opts.ParentVersionID,
		CreatedAt:       m.now(),
		Tags:            append([]string(nil), opts.Tags...),
		Graph:           g.Clone(),
	}
	if err := m.store.SaveVersion(ctx, v); err != nil {
		return nil, err
	}

	m.logger.Info("version created",
		zap.String("workflow_id", workflowID),
		zap.String("version_id", v.ID),
		zap.String("version_number", number),
		zap.String("branch", branch),
	)
	return v.Clone(), nil
}

// GetVersion returns one version by ID.
func (m *Manager) GetVersion(ctx context.Context, versionID string) (*Version, error) {
	return m.store.GetVersion(ctx, versionID)
}

// GetWorkflowVersions returns all versions of a workflow, oldest first.
func (m *Manager) GetWorkflowVersions(ctx context.Context, workflowID string) ([]*Version, error) {
	return m.store.ListVersions(ctx, workflowID)
}

// SetActiveVersion marks the version active and deactivates any other
// active version on the same workflow+branch.
func (m *Manager) SetActiveVersion(ctx context.Context, workflowID, versionID string) error {
	target, err := m.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if target.WorkflowID != workflowID {
		return types.NewError(types.ErrWorkflowMismatch,
			fmt.Sprintf("version %s belongs to workflow %s, not %s", versionID, target.WorkflowID, workflowID)).
			WithCategory(types.CategoryBusinessLogic)
	}

	versions, err := m.store.ListVersions(ctx, workflowID)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v.IsActive && v.Branch == target.Branch && v.ID != versionID {
			v.IsActive = false
			if err := m.store.SaveVersion(ctx, v); err != nil {
				return err
			}
		}
	}

	target.IsActive = true
	return m.store.SaveVersion(ctx, target)
}

// GetActiveVersion returns the active version on a branch, if any.
func (m *Manager) GetActiveVersion(ctx context.Context, workflowID, branch string) (*Version, error) {
	versions, err := m.store.ListVersions(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		if v.IsActive && v.Branch == branch {
			return v, nil
		}
	}
	return nil, types.NewError(types.ErrVersionNotFound,
		fmt.Sprintf("no active version on %s/%s", workflowID, branch)).
		WithCategory(types.CategoryStorage)
}

// TagVersion adds a tag to a version. Tagging is idempotent.
func (m *Manager) TagVersion(ctx context.Context, versionID, tag string) error {
	v, err := m.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v.HasTag(tag) {
		return nil
	}
	v.Tags = append(v.Tags, tag)
	if err := m.store.SaveVersion(ctx, v); err != nil {
		return err
	}
	return m.store.SaveChange(ctx, &Change{
		ID:        "chg-" + uuid.NewString(),
		VersionID: versionID,
		Type:      ChangeVersionTagged,
		After:     tag,
		Timestamp: m.now(),
	})
}

// GetVersionsByTag returns the workflow's versions carrying the tag.
func (m *Manager) GetVersionsByTag(ctx context.Context, workflowID, tag string) ([]*Version, error) {
	versions, err := m.store.ListVersions(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	var out []*Version
	for _, v := range versions {
		if v.HasTag(tag) {
			out = append(out, v)
		}
	}
	return out, nil
}

// CreateBranch opens a named branch rooted at a base version. The base
// version must belong to the workflow and the name must be unique
// within it.
func (m *Manager) CreateBranch(ctx context.Context, workflowID, name, baseVersionID, author string) (*Branch, error) {
	base, err := m.store.GetVersion(ctx, baseVersionID)
	if err != nil {
		return nil, err
	}
	if base.WorkflowID != workflowID {
		return nil, types.NewError(types.ErrWorkflowMismatch,
			fmt.Sprintf("base version %s belongs to workflow %s, not %s", baseVersionID, base.WorkflowID, workflowID)).
			WithCategory(types.CategoryBusinessLogic)
	}

	existing, err := m.store.ListBranches(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for _, b := range existing {
		if b.Name == name {
			return nil, types.NewError(types.ErrInternal,
				fmt.Sprintf("branch %q already exists on workflow %s", name, workflowID)).
				WithCategory(types.CategoryBusinessLogic)
		}
	}

	b := &Branch{
		ID:            "br-" + uuid.NewString(),
		WorkflowID:    workflowID,
		Name:          name,
		BaseVersionID: baseVersionID,
		HeadVersionID: baseVersionID,
		Author:        author,
		IsActive:      true,
		CreatedAt:     m.now(),
	}
	if err := m.store.SaveBranch(ctx, b); err != nil {
		return nil, err
	}

	m.logger.Info("branch created",
		zap.String("workflow_id", workflowID),
		zap.String("branch_id", b.ID),
		zap.String("name", name),
	)
	return b.Clone(), nil
}

// GetBranch returns one branch by ID.
func (m *Manager) GetBranch(ctx context.Context, branchID string) (*Branch, error) {
	return m.store.GetBranch(ctx, branchID)
}

// UpdateBranchHead advances a branch head. The target version must
// belong to the branch's workflow.
func (m *Manager) UpdateBranchHead(ctx context.Context, branchID, versionID string) error {
	b, err := m.store.GetBranch(ctx, branchID)
	if err != nil {
		return err
	}
	v, err := m.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v.WorkflowID != b.WorkflowID {
		return types.NewError(types.ErrWorkflowMismatch,
			fmt.Sprintf("version %s belongs to workflow %s, branch %s belongs to %s",
				versionID, v.WorkflowID, branchID, b.WorkflowID)).
			WithCategory(types.CategoryBusinessLogic)
	}
	b.HeadVersionID = versionID
	return m.store.SaveBranch(ctx, b)
}

// RecordChange appends an audit record, filling in ID and timestamp.
func (m *Manager) RecordChange(ctx context.Context, c *Change) error {
	if c.ID == "" {
		c.ID = "chg-" + uuid.NewString()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = m.now()
	}
	return m.store.SaveChange(ctx, c)
}

// GetChanges returns the audit records of a version.
func (m *Manager) GetChanges(ctx context.Context, versionID string) ([]*Change, error) {
	return m.store.ListChanges(ctx, versionID)
}

// CompareVersions computes the structural diff from version a to
// version b.
func (m *Manager) CompareVersions(ctx context.Context, aID, bID string) (*Diff, error) {
	a, err := m.store.GetVersion(ctx, aID)
	if err != nil {
		return nil, err
	}
	b, err := m.store.GetVersion(ctx, bID)
	if err != nil {
		return nil, err
	}
	return diffGraphs(a.Graph, b.Graph), nil
}

// MergeBranches three-way merges source into target against their
// common base. Disjoint changes apply cleanly into a new version on the
// target branch; overlapping modifications of the same node or edge are
// reported as conflicts and nothing moves.
func (m *Manager) MergeBranches(ctx context.Context, sourceBranchID, targetBranchID, author string) (*MergeResult, error) {
	source, err := m.store.GetBranch(ctx, sourceBranchID)
	if err != nil {
		return nil, err
	}
	target, err := m.store.GetBranch(ctx, targetBranchID)
	if err != nil {
		return nil, err
	}
	if source.WorkflowID != target.WorkflowID {
		return nil, types.NewError(types.ErrWorkflowMismatch,
			"cannot merge branches of different workflows").
			WithCategory(types.CategoryBusinessLogic)
	}

	sourceHead, err := m.store.GetVersion(ctx, source.HeadVersionID)
	if err != nil {
		return nil, err
	}
	targetHead, err := m.store.GetVersion(ctx, target.HeadVersionID)
	if err != nil {
		return nil, err
	}
	base, err := m.commonBase(ctx, sourceHead, targetHead)
	if err != nil {
		return nil, err
	}

	sourceDiff := diffGraphs(base.Graph, sourceHead.Graph)
	targetDiff := diffGraphs(base.Graph, targetHead.Graph)

	conflicts := findConflicts(sourceDiff, targetDiff)
	if len(conflicts) > 0 {
		m.logger.Warn("merge rejected with conflicts",
			zap.String("source_branch", source.Name),
			zap.String("target_branch", target.Name),
			zap.Int("conflicts", len(conflicts)),
		)
		return &MergeResult{Success: false, Conflicts: conflicts}, nil
	}

	merged := applyDiff(targetHead.Graph, sourceDiff, sourceHead.Graph)

	mergedVersion, err := m.CreateVersion(ctx, target.WorkflowID, merged, CreateVersionOptions{
		Name:            fmt.Sprintf("merge %s into %s", source.Name, target.Name),
		Author:          author,
		Branch:          target.Name,
		ParentVersionID: targetHead.ID,
	})
	if err != nil {
		return nil, err
	}
	if err := m.UpdateBranchHead(ctx, targetBranchID, mergedVersion.ID); err != nil {
		return nil, err
	}
	if err := m.RecordChange(ctx, &Change{
		VersionID: mergedVersion.ID,
		Type:      ChangeBranchMerged,
		Before:    sourceHead.ID,
		After:     targetHead.ID,
		Author:    author,
	}); err != nil {
		return nil, err
	}

	return &MergeResult{Success: true, MergedVersionID: mergedVersion.ID}, nil
}

// RollbackToVersion appends a new version whose graph deep-equals the
// target snapshot. History is never rewritten.
func (m *Manager) RollbackToVersion(ctx context.Context, workflowID, versionID, author string) (*Version, error) {
	target, err := m.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if target.WorkflowID != workflowID {
		return nil, types.NewError(types.ErrWorkflowMismatch,
			fmt.Sprintf("version %s belongs to workflow %s, not %s", versionID, target.WorkflowID, workflowID)).
			WithCategory(types.CategoryBusinessLogic)
	}

	v, err := m.CreateVersion(ctx, workflowID, target.Graph, CreateVersionOptions{
		Name:            "rollback to " + target.VersionNumber,
		Author:          author,
		Branch:          target.Branch,
		ParentVersionID: versionID,
	})
	if err != nil {
		return nil, err
	}
	if err := m.RecordChange(ctx, &Change{
		VersionID: v.ID,
		Type:      ChangeRollback,
		Before:    versionID,
		Author:    author,
	}); err != nil {
		return nil, err
	}
	return v, nil
}

// nextVersionNumber scans the branch's versions for the highest patch
// component and bumps it.
func (m *Manager) nextVersionNumber(ctx context.Context, workflowID, branch string) (string, error) {
	versions, err := m.store.ListVersions(ctx, workflowID)
	if err != nil {
		return "", err
	}
	maxPatch := -1
	for _, v := range versions {
		if v.Branch != branch {
			continue
		}
		parts := strings.Split(v.VersionNumber, ".")
		if len(parts) != 3 {
			continue
		}
		patch, err := strconv.Atoi(parts[2])
		if err != nil {
			continue
		}
		if patch > maxPatch {
			maxPatch = patch
		}
	}
	return fmt.Sprintf("1.0.%d", maxPatch+1), nil
}

// commonBase walks both parent chains and returns the nearest shared
// ancestor.
func (m *Manager) commonBase(ctx context.Context, a, b *Version) (*Version, error) {
	ancestors := map[string]bool{}
	for v := a; v != nil; {
		ancestors[v.ID] = true
		if v.ParentVersionID == "" {
			break
		}
		parent, err := m.store.GetVersion(ctx, v.ParentVersionID)
		if err != nil {
			return nil, err
		}
		v = parent
	}
	for v := b; v != nil; {
		if ancestors[v.ID] {
			return v, nil
		}
		if v.ParentVersionID == "" {
			break
		}
		parent, err := m.store.GetVersion(ctx, v.ParentVersionID)
		if err != nil {
			return nil, err
		}
		v = parent
	}
	return nil, types.NewError(types.ErrVersionNotFound,
		fmt.Sprintf("versions %s and %s share no common ancestor", a.ID, b.ID)).
		WithCategory(types.CategoryBusinessLogic)
}

// diffGraphs computes the structural diff from old to new.
func diffGraphs(old, new *graph.WorkflowGraph) *Diff {
	d := &Diff{}
	oldNodes := nodeIndex(old)
	newNodes := nodeIndex(new)

	for id, n := range newNodes {
		prev, existed := oldNodes[id]
		if !existed {
			d.AddedNodes = append(d.AddedNodes, id)
			continue
		}
		if !sameConfig(prev, n) {
			d.ChangedConfigs = append(d.ChangedConfigs, id)
		}
	}
	for id := range oldNodes {
		if _, exists := newNodes[id]; !exists {
			d.RemovedNodes = append(d.RemovedNodes, id)
		}
	}

	oldEdges := edgeIndex(old)
	newEdges := edgeIndex(new)
	for id := range newEdges {
		if _, existed := oldEdges[id]; !existed {
			d.AddedEdges = append(d.AddedEdges, id)
		}
	}
	for id := range oldEdges {
		if _, exists := newEdges[id]; !exists {
			d.RemovedEdges = append(d.RemovedEdges, id)
		}
	}

	sort.Strings(d.AddedNodes)
	sort.Strings(d.RemovedNodes)
	sort.Strings(d.AddedEdges)
	sort.Strings(d.RemovedEdges)
	sort.Strings(d.ChangedConfigs)
	return d
}

// findConflicts reports node and edge IDs touched by both diffs.
func findConflicts(a, b *Diff) []Conflict {
	var conflicts []Conflict

	touchedNodes := func(d *Diff) map[string]bool {
		m := map[string]bool{}
		for _, id := range d.RemovedNodes {
			m[id] = true
		}
		for _, id := range d.ChangedConfigs {
			m[id] = true
		}
		for _, id := range d.AddedNodes {
			m[id] = true
		}
		return m
	}
	touchedEdges := func(d *Diff) map[string]bool {
		m := map[string]bool{}
		for _, id := range d.RemovedEdges {
			m[id] = true
		}
		for _, id := range d.AddedEdges {
			m[id] = true
		}
		return m
	}

	bn := touchedNodes(b)
	for id := range touchedNodes(a) {
		if bn[id] {
			conflicts = append(conflicts, Conflict{
				Kind:   "node",
				ID:     id,
				Reason: "modified on both branches",
			})
		}
	}
	be := touchedEdges(b)
	for id := range touchedEdges(a) {
		if be[id] {
			conflicts = append(conflicts, Conflict{
				Kind:   "edge",
				ID:     id,
				Reason: "modified on both branches",
			})
		}
	}

	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].Kind != conflicts[j].Kind {
			return conflicts[i].Kind < conflicts[j].Kind
		}
		return conflicts[i].ID < conflicts[j].ID
	})
	return conflicts
}

// applyDiff replays the source diff on top of the target graph. Added
// nodes and edges are copied from the source snapshot; the caller has
// already established that the diffs are disjoint.
func applyDiff(target *graph.WorkflowGraph, d *Diff, source *graph.WorkflowGraph) *graph.WorkflowGraph {
	out := target.Clone()
	sourceNodes := nodeIndex(source)
	sourceEdges := edgeIndex(source)

	removeNodes := map[string]bool{}
	for _, id := range d.RemovedNodes {
		removeNodes[id] = true
	}
	removeEdges := map[string]bool{}
	for _, id := range d.RemovedEdges {
		removeEdges[id] = true
	}

	var nodes []*graph.Node
	for _, n := range out.Nodes {
		if !removeNodes[n.ID] {
			nodes = append(nodes, n)
		}
	}
	for _, id := range d.AddedNodes {
		if n, ok := sourceNodes[id]; ok {
			nodes = append(nodes, n.Clone())
		}
	}
	for i, n := range nodes {
		if updated, changed := replacedConfig(n, d, sourceNodes); changed {
			nodes[i] = updated
		}
	}
	out.Nodes = nodes

	var edges []*graph.Edge
	for _, e := range out.Edges {
		if !removeEdges[e.ID] {
			edges = append(edges, e)
		}
	}
	for _, id := range d.AddedEdges {
		if e, ok := sourceEdges[id]; ok {
			cp := *e
			edges = append(edges, &cp)
		}
	}
	out.Edges = edges

	return out
}

func replacedConfig(n *graph.Node, d *Diff, sourceNodes map[string]*graph.Node) (*graph.Node, bool) {
	for _, id := range d.ChangedConfigs {
		if id == n.ID {
			if src, ok := sourceNodes[id]; ok {
				return src.Clone(), true
			}
		}
	}
	return n, false
}

func nodeIndex(g *graph.WorkflowGraph) map[string]*graph.Node {
	m := map[string]*graph.Node{}
	if g == nil {
		return m
	}
	for _, n := range g.Nodes {
		m[n.ID] = n
	}
	return m
}

func edgeIndex(g *graph.WorkflowGraph) map[string]*graph.Edge {
	m := map[string]*graph.Edge{}
	if g == nil {
		return m
	}
	for _, e := range g.Edges {
		m[e.ID] = e
	}
	return m
}

// sameConfig compares two nodes' configs (and compliance flags) via
// their JSON form. Canvas position and runtime status are cosmetic and
// never count as a config change.
func sameConfig(a, b *graph.Node) bool {
	ac, bc := a.Clone(), b.Clone()
	ac.Position, bc.Position = graph.Position{}, graph.Position{}
	ac.RuntimeStatus, bc.RuntimeStatus = "", ""
	ar, errA := json.Marshal(ac)
	br, errB := json.Marshal(bc)
	if errA != nil || errB != nil {
		return false
	}
	return string(ar) == string(br)
}
