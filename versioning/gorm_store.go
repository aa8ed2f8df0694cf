package versioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/careflowhq/careflow/graph"
	"github.com/careflowhq/careflow/types"
)

// versionRecord is the database row for a Version. The graph snapshot
// and the tag set are serialized to JSON columns so the schema stays
// stable as node config types evolve.
type versionRecord struct {
	ID              string `gorm:"primaryKey;size:64"`
	WorkflowID      string `gorm:"index;size:64"`
	VersionNumber   string `gorm:"size:32"`
	Name            string `gorm:"size:255"`
	Description     string
	Author          string `gorm:"size:128"`
	Branch          string `gorm:"index;size:128"`
	ParentVersionID string `gorm:"size:64"`
	CreatedAt       time.Time
	IsActive        bool   `gorm:"index"`
	Tags            string // comma-separated
	GraphJSON       []byte
}

func (versionRecord) TableName() string { return "workflow_versions" }

// branchRecord is the database row for a Branch.
type branchRecord struct {
	ID            string `gorm:"primaryKey;size:64"`
	WorkflowID    string `gorm:"index;size:64"`
	Name          string `gorm:"size:128"`
	BaseVersionID string `gorm:"size:64"`
	HeadVersionID string `gorm:"size:64"`
	Author        string `gorm:"size:128"`
	IsActive      bool
	CreatedAt     time.Time
}

func (branchRecord) TableName() string { return "workflow_branches" }

// changeRecord is the database row for an append-only Change.
type changeRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	VersionID  string `gorm:"index;size:64"`
	Type       string `gorm:"size:32"`
	NodeID     string `gorm:"size:64"`
	EdgeID     string `gorm:"size:64"`
	BeforeJSON []byte
	AfterJSON  []byte
	Author     string `gorm:"size:128"`
	Timestamp  time.Time
}

func (changeRecord) TableName() string { return "workflow_changes" }

// Migrate creates or updates the versioning tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&versionRecord{}, &branchRecord{}, &changeRecord{}); err != nil {
		return fmt.Errorf("migrate versioning tables: %w", err)
	}
	return nil
}

// TxRunner executes fn inside a database transaction. Deployments wire
// the pool manager's retrying transaction runner here so version writes
// survive deadlocks and dropped connections.
type TxRunner func(ctx context.Context, fn func(tx *gorm.DB) error) error

// GormStore persists versions, branches and changes through gorm. It
// works against postgres in production and sqlite in tests.
type GormStore struct {
	db  *gorm.DB
	run TxRunner
}

// NewGormStore wraps an open gorm connection.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// WithTxRunner routes all writes through run.
func (s *GormStore) WithTxRunner(run TxRunner) *GormStore {
	s.run = run
	return s
}

// write runs fn through the configured transaction runner, or directly
// against the shared handle when none is set.
func (s *GormStore) write(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.run != nil {
		return s.run(ctx, fn)
	}
	return fn(s.db.WithContext(ctx))
}

// SaveVersion upserts a version snapshot.
func (s *GormStore) SaveVersion(ctx context.Context, v *Version) error {
	rec, err := toVersionRecord(v)
	if err != nil {
		return err
	}
	err = s.write(ctx, func(tx *gorm.DB) error {
		return tx.Save(rec).Error
	})
	if err != nil {
		return types.NewError(types.ErrStoreUnavailable, "save version").
			WithCause(err).
			WithCategory(types.CategoryStorage).
			WithSeverity(types.SeverityPersistent)
	}
	return nil
}

// GetVersion loads one version by ID.
func (s *GormStore) GetVersion(ctx context.Context, id string) (*Version, error) {
	var rec versionRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrVersionNotFound, "version not found: "+id).
			WithCategory(types.CategoryStorage)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "load version").
			WithCause(err).
			WithCategory(types.CategoryStorage)
	}
	return fromVersionRecord(&rec)
}

// ListVersions loads all versions of a workflow, oldest first.
func (s *GormStore) ListVersions(ctx context.Context, workflowID string) ([]*Version, error) {
	var recs []versionRecord
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at asc, id asc").
		Find(&recs).Error
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "list versions").
			WithCause(err).
			WithCategory(types.CategoryStorage)
	}
	out := make([]*Version, 0, len(recs))
	for i := range recs {
		v, err := fromVersionRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// SaveBranch upserts a branch.
func (s *GormStore) SaveBranch(ctx context.Context, b *Branch) error {
	rec := branchRecord{
		ID:            b.ID,
		WorkflowID:    b.WorkflowID,
		Name:          b.Name,
		BaseVersionID: b.BaseVersionID,
		HeadVersionID: b.HeadVersionID,
		Author:        b.Author,
		IsActive:      b.IsActive,
		CreatedAt:     b.CreatedAt,
	}
	err := s.write(ctx, func(tx *gorm.DB) error {
		return tx.Save(&rec).Error
	})
	if err != nil {
		return types.NewError(types.ErrStoreUnavailable, "save branch").
			WithCause(err).
			WithCategory(types.CategoryStorage)
	}
	return nil
}

// GetBranch loads one branch by ID.
func (s *GormStore) GetBranch(ctx context.Context, id string) (*Branch, error) {
	var rec branchRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrBranchNotFound, "branch not found: "+id).
			WithCategory(types.CategoryStorage)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "load branch").
			WithCause(err).
			WithCategory(types.CategoryStorage)
	}
	return fromBranchRecord(&rec), nil
}

// ListBranches loads all branches of a workflow sorted by name.
func (s *GormStore) ListBranches(ctx context.Context, workflowID string) ([]*Branch, error) {
	var recs []branchRecord
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("name asc").
		Find(&recs).Error
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "list branches").
			WithCause(err).
			WithCategory(types.CategoryStorage)
	}
	out := make([]*Branch, 0, len(recs))
	for i := range recs {
		out = append(out, fromBranchRecord(&recs[i]))
	}
	return out, nil
}

// SaveChange appends an audit record. Inserts only; changes are never
// updated.
func (s *GormStore) SaveChange(ctx context.Context, c *Change) error {
	rec := changeRecord{
		ID:        c.ID,
		VersionID: c.VersionID,
		Type:      string(c.Type),
		NodeID:    c.NodeID,
		EdgeID:    c.EdgeID,
		Author:    c.Author,
		Timestamp: c.Timestamp,
	}
	if c.Before != nil {
		raw, err := json.Marshal(c.Before)
		if err != nil {
			return fmt.Errorf("marshal change before: %w", err)
		}
		rec.BeforeJSON = raw
	}
	if c.After != nil {
		raw, err := json.Marshal(c.After)
		if err != nil {
			return fmt.Errorf("marshal change after: %w", err)
		}
		rec.AfterJSON = raw
	}
	if err := s.write(ctx, func(tx *gorm.DB) error {
		return tx.Create(&rec).Error
	}); err != nil {
		return types.NewError(types.ErrStoreUnavailable, "save change").
			WithCause(err).
			WithCategory(types.CategoryStorage)
	}
	return nil
}

// ListChanges loads the audit records of a version in append order.
func (s *GormStore) ListChanges(ctx context.Context, versionID string) ([]*Change, error) {
	var recs []changeRecord
	err := s.db.WithContext(ctx).
		Where("version_id = ?", versionID).
		Order("timestamp asc, id asc").
		Find(&recs).Error
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "list changes").
			WithCause(err).
			WithCategory(types.CategoryStorage)
	}
	out := make([]*Change, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		c := &Change{
			ID:        rec.ID,
			VersionID: rec.VersionID,
			Type:      ChangeType(rec.Type),
			NodeID:    rec.NodeID,
			EdgeID:    rec.EdgeID,
			Author:    rec.Author,
			Timestamp: rec.Timestamp,
		}
		if len(rec.BeforeJSON) > 0 {
			var v any
			if err := json.Unmarshal(rec.BeforeJSON, &v); err == nil {
				c.Before = v
			}
		}
		if len(rec.AfterJSON) > 0 {
			var v any
			if err := json.Unmarshal(rec.AfterJSON, &v); err == nil {
				c.After = v
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func toVersionRecord(v *Version) (*versionRecord, error) {
	rec := &versionRecord{
		ID:              v.ID,
		WorkflowID:      v.WorkflowID,
		VersionNumber:   v.VersionNumber,
		Name:            v.Name,
		Description:     v.Description,
		Author:          v.Author,
		Branch:          v.Branch,
		ParentVersionID: v.ParentVersionID,
		CreatedAt:       v.CreatedAt,
		IsActive:        v.IsActive,
		Tags:            strings.Join(v.Tags, ","),
	}
	if v.Graph != nil {
		raw, err := json.Marshal(v.Graph)
		if err != nil {
			return nil, fmt.Errorf("marshal graph snapshot: %w", err)
		}
		rec.GraphJSON = raw
	}
	return rec, nil
}

func fromVersionRecord(rec *versionRecord) (*Version, error) {
	v := &Version{
		ID:              rec.ID,
		WorkflowID:      rec.WorkflowID,
		VersionNumber:   rec.VersionNumber,
		Name:            rec.Name,
		Description:     rec.Description,
		Author:          rec.Author,
		Branch:          rec.Branch,
		ParentVersionID: rec.ParentVersionID,
		CreatedAt:       rec.CreatedAt,
		IsActive:        rec.IsActive,
	}
	if rec.Tags != "" {
		v.Tags = strings.Split(rec.Tags, ",")
	}
	if len(rec.GraphJSON) > 0 {
		var g graph.WorkflowGraph
		if err := json.Unmarshal(rec.GraphJSON, &g); err != nil {
			return nil, fmt.Errorf("unmarshal graph snapshot for version %s: %w", rec.ID, err)
		}
		v.Graph = &g
	}
	return v, nil
}

func fromBranchRecord(rec *branchRecord) *Branch {
	return &Branch{
		ID:            rec.ID,
		WorkflowID:    rec.WorkflowID,
		Name:          rec.Name,
		BaseVersionID: rec.BaseVersionID,
		HeadVersionID: rec.HeadVersionID,
		Author:        rec.Author,
		IsActive:      rec.IsActive,
		CreatedAt:     rec.CreatedAt,
	}
}
