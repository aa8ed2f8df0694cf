package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/careflowhq/careflow/config"
	"github.com/careflowhq/careflow/engine"
	"github.com/careflowhq/careflow/graph"
	"github.com/careflowhq/careflow/resilience"
	"github.com/careflowhq/careflow/types"
	"github.com/careflowhq/careflow/validation"
)

// flakySteps fails the first invocation with a persistent, retryable
// error and succeeds afterwards.
type flakySteps struct {
	mu    sync.Mutex
	calls int
}

func (f *flakySteps) ExecuteStep(_ context.Context, _ *graph.Node, _ map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return nil, types.NewError(types.ErrStoreUnavailable, "warehouse down").
			WithSeverity(types.SeverityPersistent).
			WithCategory(types.CategoryExternalService).
			WithRetryable(true)
	}
	return "ok", nil
}

// newExecuteTestServer hand-wires just the subsystems handleExecute
// touches, with memory stores and no metrics.
func newExecuteTestServer(steps engine.StepExecutor) *Server {
	logger := zap.NewNop()
	bus := resilience.NewEventBus(16, logger)
	checkpoints := resilience.NewCheckpointManager(resilience.NewMemoryCheckpointStore(), logger)
	deadStore := resilience.NewMemoryDeadLetterStore()
	deadLetters := resilience.NewDeadLetterQueue(deadStore, bus, logger)
	retryer := resilience.NewRetryer(resilience.DefaultRetryConfig(), logger)
	recovery := resilience.NewRecoveryCoordinator(
		resilience.DefaultRecoveryConfig(), retryer, checkpoints, deadLetters, bus, logger)
	analyzer := resilience.NewPatternAnalyzer(
		resilience.DefaultAnalyzerConfig(), &loggingActuator{logger: logger}, bus, logger)
	validator := validation.NewValidator(validation.DefaultConfig(), logger)
	eng := engine.NewEngine(validator, steps, logger).
		WithCheckpointer(checkpoints)

	return &Server{
		cfg:         config.DefaultConfig(),
		logger:      logger,
		bus:         bus,
		checkpoints: checkpoints,
		deadStore:   deadStore,
		deadLetters: deadLetters,
		recovery:    recovery,
		analyzer:    analyzer,
		validator:   validator,
		engine:      eng,
	}
}

func executeGraph() *graph.WorkflowGraph {
	return &graph.WorkflowGraph{
		ID:   "wf-exec",
		Name: "exec",
		Nodes: []*graph.Node{
			{ID: "start", Type: graph.NodeTypeStart, Config: &graph.StartConfig{}},
			{ID: "task", Type: graph.NodeTypeAgent, Config: &graph.AgentConfig{Prompt: "do it", OutputKey: "result"}},
			{ID: "end", Type: graph.NodeTypeEnd, Config: &graph.EndConfig{}},
		},
		Edges: []*graph.Edge{
			{ID: "e1", Source: "start", Target: "task"},
			{ID: "e2", Source: "task", Target: "end"},
		},
	}
}

func postExecute(t *testing.T, s *Server, g *graph.WorkflowGraph) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(executeRequest{Graph: g})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleExecute(rec, req)
	return rec
}

func TestHandleExecuteCompletesCleanRun(t *testing.T) {
	steps := &flakySteps{calls: 1} // already past the failing call
	rec := postExecute(t, newExecuteTestServer(steps), executeGraph())

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		State *engine.ExecutionState `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, engine.StatusCompleted, resp.State.Status)
}

func TestHandleExecuteRecoversViaCheckpointRestart(t *testing.T) {
	steps := &flakySteps{}
	rec := postExecute(t, newExecuteTestServer(steps), executeGraph())

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Recovered bool                   `json:"recovered"`
		Strategy  resilience.Strategy    `json:"strategy"`
		State     *engine.ExecutionState `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.True(t, resp.Recovered)
	assert.Equal(t, resilience.StrategyCheckpointRestart, resp.Strategy)
	assert.Equal(t, engine.StatusCompleted, resp.State.Status)
	assert.Equal(t, 2, steps.calls, "one failing call, one resumed call")
}

func TestHandleExecuteNonRetryableFailureReturns422(t *testing.T) {
	steps := engine.StepExecutorFunc(func(context.Context, *graph.Node, map[string]any) (any, error) {
		return nil, types.NewError(types.ErrStepFailed, "template rejected").
			WithSeverity(types.SeverityCritical)
	})
	rec := postExecute(t, newExecuteTestServer(steps), executeGraph())

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
