package versioning

import (
	"context"
	"sort"
	"sync"

	"github.com/careflowhq/careflow/types"
)

// Store is the persistence boundary for versions, branches and change
// records. SaveVersion and SaveBranch upsert; changes are append-only.
type Store interface {
	SaveVersion(ctx context.Context, v *Version) error
	GetVersion(ctx context.Context, id string) (*Version, error)
	ListVersions(ctx context.Context, workflowID string) ([]*Version, error)

	SaveBranch(ctx context.Context, b *Branch) error
	GetBranch(ctx context.Context, id string) (*Branch, error)
	ListBranches(ctx context.Context, workflowID string) ([]*Branch, error)

	SaveChange(ctx context.Context, c *Change) error
	ListChanges(ctx context.Context, versionID string) ([]*Change, error)
}

// MemoryStore is an in-memory Store for tests and single-process use.
// Graph snapshots are deep-copied on the way in and out, so callers can
// keep mutating their working graph without touching stored versions.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string]*Version
	branches map[string]*Branch
	changes  map[string][]*Change
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[string]*Version),
		branches: make(map[string]*Branch),
		changes:  make(map[string][]*Change),
	}
}

// SaveVersion upserts a version snapshot.
func (s *MemoryStore) SaveVersion(_ context.Context, v *Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[v.ID] = v.Clone()
	return nil
}

// GetVersion returns a copy of the stored version.
func (s *MemoryStore) GetVersion(_ context.Context, id string) (*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, types.NewError(types.ErrVersionNotFound, "version not found: "+id).
			WithCategory(types.CategoryStorage)
	}
	return v.Clone(), nil
}

// ListVersions returns all versions of a workflow ordered by creation
// time, oldest first.
func (s *MemoryStore) ListVersions(_ context.Context, workflowID string) ([]*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Version
	for _, v := range s.versions {
		if v.WorkflowID == workflowID {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SaveBranch upserts a branch.
func (s *MemoryStore) SaveBranch(_ context.Context, b *Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[b.ID] = b.Clone()
	return nil
}

// GetBranch returns a copy of the stored branch.
func (s *MemoryStore) GetBranch(_ context.Context, id string) (*Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[id]
	if !ok {
		return nil, types.NewError(types.ErrBranchNotFound, "branch not found: "+id).
			WithCategory(types.CategoryStorage)
	}
	return b.Clone(), nil
}

// ListBranches returns all branches of a workflow sorted by name.
func (s *MemoryStore) ListBranches(_ context.Context, workflowID string) ([]*Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Branch
	for _, b := range s.branches {
		if b.WorkflowID == workflowID {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SaveChange appends an audit record.
func (s *MemoryStore) SaveChange(_ context.Context, c *Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.changes[c.VersionID] = append(s.changes[c.VersionID], &cp)
	return nil
}

// ListChanges returns the audit records of a version in append order.
func (s *MemoryStore) ListChanges(_ context.Context, versionID string) ([]*Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.changes[versionID]
	out := make([]*Change, len(records))
	for i, c := range records {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}
