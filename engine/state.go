package engine

import (
	"time"
)

// Status is the lifecycle state of a workflow run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ExecutionState is the mutable run-time state of one workflow instance.
// It is owned exclusively by the run that created it; everything handed
// out to other components (checkpoints, State snapshots) is a clone.
type ExecutionState struct {
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	Status     Status `json:"status"`

	CurrentNode string   `json:"current_node,omitempty"`
	NextNodes   []string `json:"next_nodes,omitempty"`

	Variables map[string]any `json:"variables"`
	History   []string       `json:"history"`

	// Sequence increases with every checkpointed node so checkpoint
	// stores can reject stale writes.
	Sequence uint64 `json:"sequence"`

	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`

	FailureReason   string `json:"failure_reason,omitempty"`
	RetryInProgress bool   `json:"retry_in_progress,omitempty"`
}

// NewExecutionState creates an idle state for a run.
func NewExecutionState(runID, workflowID string, initialVars map[string]any) *ExecutionState {
	vars := make(map[string]any, len(initialVars))
	for k, v := range initialVars {
		vars[k] = v
	}
	return &ExecutionState{
		RunID:      runID,
		WorkflowID: workflowID,
		Status:     StatusIdle,
		Variables:  vars,
	}
}

// Clone returns a deep-enough copy for checkpointing: the variable map
// and slices are copied, values are shared (steps must treat their
// inputs as immutable).
func (s *ExecutionState) Clone() *ExecutionState {
	cp := *s
	cp.Variables = make(map[string]any, len(s.Variables))
	for k, v := range s.Variables {
		cp.Variables[k] = v
	}
	cp.History = append([]string(nil), s.History...)
	cp.NextNodes = append([]string(nil), s.NextNodes...)
	return &cp
}
