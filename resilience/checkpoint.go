package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careflowhq/careflow/engine"
	"github.com/careflowhq/careflow/internal/metrics"
	"github.com/careflowhq/careflow/types"
)

// Checkpoint is one durable execution-state snapshot. Sequence numbers
// are strictly increasing per run; stores reject stale writes.
type Checkpoint struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	RunID      string                 `json:"run_id"`
	Sequence   uint64                 `json:"sequence"`
	State      *engine.ExecutionState `json:"state"`
	CreatedAt  time.Time              `json:"created_at"`
}

// CheckpointStore persists checkpoints. Save must enforce sequence
// monotonicity per run.
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Latest(ctx context.Context, runID string) (*Checkpoint, error)
	List(ctx context.Context, runID string) ([]*Checkpoint, error)
	Purge(ctx context.Context, runID string) error
}

// MemoryCheckpointStore keeps checkpoints per run in memory.
type MemoryCheckpointStore struct {
	mu   sync.RWMutex
	runs map[string][]*Checkpoint
}

// NewMemoryCheckpointStore creates an empty store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{runs: make(map[string][]*Checkpoint)}
}

// Save appends a checkpoint, rejecting non-increasing sequences.
func (s *MemoryCheckpointStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.runs[cp.RunID]
	if len(existing) > 0 && cp.Sequence <= existing[len(existing)-1].Sequence {
		return types.NewError(types.ErrCheckpointStale,
			fmt.Sprintf("checkpoint sequence %d not after %d for run %s",
				cp.Sequence, existing[len(existing)-1].Sequence, cp.RunID)).
			WithCategory(types.CategoryStorage)
	}
	s.runs[cp.RunID] = append(existing, cloneCheckpoint(cp))
	return nil
}

// Latest returns the highest-sequence checkpoint of a run.
func (s *MemoryCheckpointStore) Latest(_ context.Context, runID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.runs[runID]
	if len(cps) == 0 {
		return nil, types.NewError(types.ErrCheckpointMissing, "no checkpoints for run "+runID).
			WithCategory(types.CategoryStorage)
	}
	return cloneCheckpoint(cps[len(cps)-1]), nil
}

// List returns all checkpoints of a run in sequence order.
func (s *MemoryCheckpointStore) List(_ context.Context, runID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.runs[runID]
	out := make([]*Checkpoint, len(cps))
	for i, cp := range cps {
		out[i] = cloneCheckpoint(cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Purge drops all checkpoints of a run.
func (s *MemoryCheckpointStore) Purge(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	out := *cp
	if cp.State != nil {
		out.State = cp.State.Clone()
	}
	return &out
}

// CheckpointManager sits between the engine and a CheckpointStore. It
// satisfies engine.Checkpointer, so a run writes through it after every
// completed node.
type CheckpointManager struct {
	store     CheckpointStore
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewCheckpointManager creates a manager over a store.
func NewCheckpointManager(store CheckpointStore, logger *zap.Logger) *CheckpointManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointManager{
		store:  store,
		logger: logger.With(zap.String("component", "checkpoints")),
	}
}

// WithMetrics attaches a collector for checkpoint counters.
func (m *CheckpointManager) WithMetrics(c *metrics.Collector) *CheckpointManager {
	m.collector = c
	return m
}

// SaveCheckpoint implements engine.Checkpointer.
func (m *CheckpointManager) SaveCheckpoint(ctx context.Context, state *engine.ExecutionState) error {
	cp := &Checkpoint{
		ID:         "cp-" + uuid.NewString(),
		WorkflowID: state.WorkflowID,
		RunID:      state.RunID,
		Sequence:   state.Sequence,
		State:      state,
		CreatedAt:  time.Now(),
	}
	err := m.store.Save(ctx, cp)
	if m.collector != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.collector.RecordCheckpointWrite(status)
	}
	if err != nil {
		return err
	}
	m.logger.Debug("checkpoint saved",
		zap.String("run_id", state.RunID),
		zap.Uint64("sequence", state.Sequence))
	return nil
}

// Restore returns the latest execution state of a run for resumption.
func (m *CheckpointManager) Restore(ctx context.Context, runID string) (*engine.ExecutionState, error) {
	cp, err := m.store.Latest(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cp.State == nil {
		return nil, types.NewError(types.ErrCheckpointMissing,
			"checkpoint has no state payload for run "+runID).
			WithCategory(types.CategoryStorage)
	}
	return cp.State, nil
}

// History returns all checkpoints of a run, oldest first.
func (m *CheckpointManager) History(ctx context.Context, runID string) ([]*Checkpoint, error) {
	return m.store.List(ctx, runID)
}

// Discard drops a run's checkpoints once the run is durably finished.
func (m *CheckpointManager) Discard(ctx context.Context, runID string) error {
	return m.store.Purge(ctx, runID)
}
