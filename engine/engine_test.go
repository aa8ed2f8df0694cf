package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careflowhq/careflow/graph"
	"github.com/careflowhq/careflow/types"
	"github.com/careflowhq/careflow/validation"
)

// recordingSteps records each external step invocation and writes a
// canned output.
type recordingSteps struct {
	mu      sync.Mutex
	calls   []string
	outputs map[string]any
	fail    map[string]error
}

func newRecordingSteps() *recordingSteps {
	return &recordingSteps{outputs: map[string]any{}, fail: map[string]error{}}
}

func (s *recordingSteps) ExecuteStep(_ context.Context, node *graph.Node, _ map[string]any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, node.ID)
	if err := s.fail[node.ID]; err != nil {
		return nil, err
	}
	if out, ok := s.outputs[node.ID]; ok {
		return out, nil
	}
	return "ok", nil
}

func (s *recordingSteps) callList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newTestEngine(steps StepExecutor) *Engine {
	return NewEngine(validation.NewValidator(validation.DefaultConfig(), nil), steps, nil)
}

func node(id string, t graph.NodeType, cfg graph.NodeConfig) *graph.Node {
	return &graph.Node{ID: id, Type: t, Name: id, Config: cfg}
}

func edge(src, dst string) *graph.Edge {
	return &graph.Edge{ID: fmt.Sprintf("%s-%s", src, dst), Source: src, Target: dst}
}

func linearGraph() *graph.WorkflowGraph {
	return &graph.WorkflowGraph{
		ID:   "wf-linear",
		Name: "linear",
		Nodes: []*graph.Node{
			node("start", graph.NodeTypeStart, &graph.StartConfig{}),
			node("task", graph.NodeTypeAgent, &graph.AgentConfig{Prompt: "do it", OutputKey: "result"}),
			node("end", graph.NodeTypeEnd, &graph.EndConfig{}),
		},
		Edges: []*graph.Edge{edge("start", "task"), edge("task", "end")},
	}
}

func TestFixtureGraphsPassValidation(t *testing.T) {
	v := validation.NewValidator(validation.DefaultConfig(), nil)
	fixtures := map[string]*graph.WorkflowGraph{
		"linear": linearGraph(),
		"loop": loopGraph(&graph.LoopConfig{
			Kind:        graph.LoopFor,
			Iterations:  1,
			BodyTargets: []string{"body"},
		}),
	}
	for name, g := range fixtures {
		result := v.Validate(g)
		assert.False(t, result.HasErrors(), "%s fixture: %+v", name, result.Errors)
	}
}

func TestExecuteLinearWorkflow(t *testing.T) {
	steps := newRecordingSteps()
	steps.outputs["task"] = 42

	state, err := newTestEngine(steps).Execute(context.Background(), linearGraph(), nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, []string{"start", "task", "end"}, state.History)
	assert.Equal(t, 42, state.Variables["result"])
	assert.False(t, state.FinishedAt.IsZero())
}

func TestExecuteRejectsInvalidGraph(t *testing.T) {
	g := linearGraph()
	g.Nodes = g.Nodes[1:] // drop the start node

	_, err := newTestEngine(newRecordingSteps()).Execute(context.Background(), g, nil)
	require.Error(t, err)

	var fe *types.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, types.ErrGraphInvalid, fe.Code)
}

func TestSkipValidationBypassesGate(t *testing.T) {
	g := linearGraph()
	g.Edges = append(g.Edges, edge("end", "start")) // cycle, would fail validation

	e := newTestEngine(newRecordingSteps()).WithConfig(Config{SkipValidation: true})
	_, err := e.NewRun(g, nil)
	require.NoError(t, err)
}

func TestIfElseRoutesTrueBranch(t *testing.T) {
	g := &graph.WorkflowGraph{
		ID: "wf-branch",
		Nodes: []*graph.Node{
			node("start", graph.NodeTypeStart, &graph.StartConfig{}),
			node("check", graph.NodeTypeIfElse, &graph.IfElseConfig{
				Condition:    graph.Condition{Operator: graph.OpEq, Left: "$mode", Right: "test"},
				TrueTargets:  []string{"yes"},
				FalseTargets: []string{"no"},
			}),
			node("yes", graph.NodeTypeAgent, &graph.AgentConfig{Prompt: "yes path", OutputKey: "taken"}),
			node("no", graph.NodeTypeAgent, &graph.AgentConfig{Prompt: "no path", OutputKey: "taken"}),
			node("end", graph.NodeTypeEnd, &graph.EndConfig{}),
		},
		Edges: []*graph.Edge{
			edge("start", "check"),
			edge("check", "yes"), edge("check", "no"),
			edge("yes", "end"), edge("no", "end"),
		},
	}

	steps := newRecordingSteps()
	state, err := newTestEngine(steps).Execute(context.Background(), g,
		map[string]any{"mode": "test"})
	require.NoError(t, err)

	assert.Equal(t, []string{"start", "check", "yes", "end"}, state.History)
	assert.NotContains(t, steps.callList(), "no")
}

func TestIfElseRoutesFalseBranch(t *testing.T) {
	g := &graph.WorkflowGraph{
		ID: "wf-branch",
		Nodes: []*graph.Node{
			node("start", graph.NodeTypeStart, &graph.StartConfig{}),
			node("check", graph.NodeTypeIfElse, &graph.IfElseConfig{
				Condition:    graph.Condition{Operator: graph.OpGt, Left: "$count", Right: 10},
				TrueTargets:  []string{"end"},
				FalseTargets: []string{"low"},
			}),
			node("low", graph.NodeTypeAgent, &graph.AgentConfig{Prompt: "low path", OutputKey: "out"}),
			node("end", graph.NodeTypeEnd, &graph.EndConfig{}),
		},
		Edges: []*graph.Edge{
			edge("start", "check"),
			edge("check", "end"), edge("check", "low"),
			edge("low", "end"),
		},
	}

	state, err := newTestEngine(newRecordingSteps()).Execute(context.Background(), g,
		map[string]any{"count": 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "check", "low", "end"}, state.History)
}

func loopGraph(cfg *graph.LoopConfig) *graph.WorkflowGraph {
	return &graph.WorkflowGraph{
		ID: "wf-loop",
		Nodes: []*graph.Node{
			node("start", graph.NodeTypeStart, &graph.StartConfig{}),
			node("loop", graph.NodeTypeLoop, cfg),
			node("body", graph.NodeTypeTransform, &graph.DataConfig{Expression: "item", OutputKey: "last"}),
			node("end", graph.NodeTypeEnd, &graph.EndConfig{}),
		},
		Edges: []*graph.Edge{
			edge("start", "loop"),
			edge("loop", "body"),
			edge("loop", "end"),
		},
	}
}

func TestForLoopRunsBodyNTimes(t *testing.T) {
	steps := newRecordingSteps()
	g := loopGraph(&graph.LoopConfig{
		Kind:        graph.LoopFor,
		Iterations:  4,
		BodyTargets: []string{"body"},
	})

	state, err := newTestEngine(steps).Execute(context.Background(), g, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Len(t, steps.callList(), 4)
	// Exit targets exclude the body.
	assert.Equal(t, "end", state.History[len(state.History)-1])
}

func TestWhileLoopHonorsCondition(t *testing.T) {
	steps := newRecordingSteps()
	// The step never mutates "flag", so the loop relies on MaxIterations.
	cond := graph.Condition{Operator: graph.OpEq, Left: "$flag", Right: true}
	g := loopGraph(&graph.LoopConfig{
		Kind:          graph.LoopWhile,
		Condition:     &cond,
		MaxIterations: 3,
		BodyTargets:   []string{"body"},
	})

	state, err := newTestEngine(steps).Execute(context.Background(), g,
		map[string]any{"flag": true})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Len(t, steps.callList(), 3)
}

func TestWhileLoopFalseConditionSkipsBody(t *testing.T) {
	steps := newRecordingSteps()
	cond := graph.Condition{Operator: graph.OpEq, Left: "$flag", Right: true}
	g := loopGraph(&graph.LoopConfig{
		Kind:          graph.LoopWhile,
		Condition:     &cond,
		MaxIterations: 10,
		BodyTargets:   []string{"body"},
	})

	_, err := newTestEngine(steps).Execute(context.Background(), g,
		map[string]any{"flag": false})
	require.NoError(t, err)
	assert.Empty(t, steps.callList())
}

func TestForEachBindsIteratorInOrder(t *testing.T) {
	var seen []any
	var mu sync.Mutex
	steps := StepExecutorFunc(func(_ context.Context, n *graph.Node, vars map[string]any) (any, error) {
		mu.Lock()
		seen = append(seen, vars["item"])
		mu.Unlock()
		return nil, nil
	})

	g := loopGraph(&graph.LoopConfig{
		Kind:        graph.LoopForEach,
		Collection:  "patients",
		Iterator:    "item",
		BodyTargets: []string{"body"},
	})

	_, err := newTestEngine(steps).Execute(context.Background(), g,
		map[string]any{"patients": []any{"a", "b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, seen)
}

func TestForEachRejectsNonCollection(t *testing.T) {
	g := loopGraph(&graph.LoopConfig{
		Kind:        graph.LoopForEach,
		Collection:  "patients",
		Iterator:    "item",
		BodyTargets: []string{"body"},
	})

	state, err := newTestEngine(newRecordingSteps()).Execute(context.Background(), g,
		map[string]any{"patients": "not-a-slice"})
	require.Error(t, err)
	require.NotNil(t, state)
	assert.Equal(t, StatusFailed, state.Status)
}

func TestStepFailurePropagatesWithContext(t *testing.T) {
	steps := newRecordingSteps()
	steps.fail["task"] = errors.New("upstream 503")

	state, err := newTestEngine(steps).Execute(context.Background(), linearGraph(), nil)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, state.Status)

	var fe *types.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, types.ErrStepFailed, fe.Code)
	assert.Equal(t, "task", fe.NodeID)
	assert.Equal(t, state.RunID, fe.RunID)
}

func TestStructuredStepErrorSurvives(t *testing.T) {
	steps := newRecordingSteps()
	steps.fail["task"] = types.NewError(types.ErrCircuitOpen, "host circuit open").
		WithSeverity(types.SeverityPersistent).
		WithCategory(types.CategoryExternalService)

	_, err := newTestEngine(steps).Execute(context.Background(), linearGraph(), nil)
	require.Error(t, err)

	var fe *types.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, types.ErrCircuitOpen, fe.Code)
	assert.Equal(t, types.SeverityPersistent, fe.Severity)
	assert.Equal(t, "task", fe.NodeID)
}

func TestContextCancellationStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	steps := StepExecutorFunc(func(ctx context.Context, _ *graph.Node, _ map[string]any) (any, error) {
		cancel()
		return nil, nil
	})

	state, err := newTestEngine(steps).Execute(ctx, linearGraph(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, state.Status)
}

func TestStopCancelsAtNodeBoundary(t *testing.T) {
	g := &graph.WorkflowGraph{
		ID: "wf-delay",
		Nodes: []*graph.Node{
			node("start", graph.NodeTypeStart, &graph.StartConfig{}),
			node("wait", graph.NodeTypeDelay, &graph.DelayConfig{Duration: time.Minute}),
			node("end", graph.NodeTypeEnd, &graph.EndConfig{}),
		},
		Edges: []*graph.Edge{edge("start", "wait"), edge("wait", "end")},
	}

	run, err := newTestEngine(newRecordingSteps()).NewRun(g, nil)
	require.NoError(t, err)

	done := make(chan *ExecutionState, 1)
	go func() {
		state, _ := run.Execute(context.Background())
		done <- state
	}()

	// Let the run enter the delay, then stop.
	time.Sleep(50 * time.Millisecond)
	run.Stop()

	select {
	case state := <-done:
		assert.Equal(t, StatusCancelled, state.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestPauseAndResume(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	steps := StepExecutorFunc(func(_ context.Context, _ *graph.Node, _ map[string]any) (any, error) {
		once.Do(func() { close(entered) })
		<-release
		return "ok", nil
	})

	run, err := newTestEngine(steps).NewRun(linearGraph(), nil)
	require.NoError(t, err)

	done := make(chan *ExecutionState, 1)
	go func() {
		state, _ := run.Execute(context.Background())
		done <- state
	}()

	<-entered
	run.Pause()
	close(release) // step finishes, run parks at the next boundary

	require.Eventually(t, func() bool {
		return run.State().Status == StatusPaused
	}, 2*time.Second, 10*time.Millisecond)

	run.Resume()

	select {
	case state := <-done:
		assert.Equal(t, StatusCompleted, state.Status)
		assert.Equal(t, []string{"start", "task", "end"}, state.History)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not resume")
	}
}

func TestExecuteIsDeterministic(t *testing.T) {
	run1, err := newTestEngine(newRecordingSteps()).Execute(context.Background(), linearGraph(),
		map[string]any{"seed": 1})
	require.NoError(t, err)
	run2, err := newTestEngine(newRecordingSteps()).Execute(context.Background(), linearGraph(),
		map[string]any{"seed": 1})
	require.NoError(t, err)

	assert.Equal(t, run1.History, run2.History)
	assert.Equal(t, run1.Variables, run2.Variables)
}

func TestRunCannotStartTwice(t *testing.T) {
	run, err := newTestEngine(newRecordingSteps()).NewRun(linearGraph(), nil)
	require.NoError(t, err)

	_, err = run.Execute(context.Background())
	require.NoError(t, err)

	_, err = run.Execute(context.Background())
	require.Error(t, err)
}

// memoryCheckpointer captures every checkpoint snapshot.
type memoryCheckpointer struct {
	mu        sync.Mutex
	snapshots []*ExecutionState
}

func (m *memoryCheckpointer) SaveCheckpoint(_ context.Context, state *ExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, state)
	return nil
}

func TestCheckpointsAreMonotonic(t *testing.T) {
	cp := &memoryCheckpointer{}
	e := newTestEngine(newRecordingSteps()).WithCheckpointer(cp)

	_, err := e.Execute(context.Background(), linearGraph(), nil)
	require.NoError(t, err)

	require.Len(t, cp.snapshots, 3)
	for i := 1; i < len(cp.snapshots); i++ {
		assert.Greater(t, cp.snapshots[i].Sequence, cp.snapshots[i-1].Sequence)
	}
}

func TestResumeFromCheckpoint(t *testing.T) {
	cp := &memoryCheckpointer{}
	steps := newRecordingSteps()
	steps.fail["task"] = errors.New("transient outage")

	e := newTestEngine(steps).WithCheckpointer(cp)
	_, err := e.Execute(context.Background(), linearGraph(), nil)
	require.Error(t, err)
	require.NotEmpty(t, cp.snapshots)

	// The last checkpoint was taken after "start" with "task" pending.
	last := cp.snapshots[len(cp.snapshots)-1]
	assert.Equal(t, []string{"task"}, last.NextNodes)

	// Clear the fault and resume.
	delete(steps.fail, "task")
	state, err := e.Resume(context.Background(), linearGraph(), last)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, []string{"start", "task", "end"}, state.History)
	// The step ran once before the failure and once after resume.
	assert.Equal(t, []string{"task", "task"}, steps.callList())
}

func TestParallelFanOutMergesBranches(t *testing.T) {
	g := &graph.WorkflowGraph{
		ID: "wf-parallel",
		Nodes: []*graph.Node{
			node("start", graph.NodeTypeStart, &graph.StartConfig{}),
			node("a", graph.NodeTypeAgent, &graph.AgentConfig{Prompt: "branch a", OutputKey: "a_out"}),
			node("b", graph.NodeTypeAgent, &graph.AgentConfig{Prompt: "branch b", OutputKey: "b_out"}),
			node("end", graph.NodeTypeEnd, &graph.EndConfig{}),
		},
		Edges: []*graph.Edge{
			edge("start", "a"), edge("start", "b"),
			edge("a", "end"), edge("b", "end"),
		},
	}

	steps := newRecordingSteps()
	steps.outputs["a"] = "A"
	steps.outputs["b"] = "B"

	e := newTestEngine(steps).WithConfig(Config{ParallelFanOut: true, MaxWhileIterations: 100})
	state, err := e.Execute(context.Background(), g, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, "A", state.Variables["a_out"])
	assert.Equal(t, "B", state.Variables["b_out"])
	assert.ElementsMatch(t, []string{"a", "b"}, steps.callList())
}

func TestAgentOutputDefaultsToNodeID(t *testing.T) {
	g := linearGraph()
	g.Nodes[1].Config = &graph.AgentConfig{Prompt: "x"} // no OutputKey

	steps := newRecordingSteps()
	steps.outputs["task"] = "value"

	state, err := newTestEngine(steps).Execute(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, "value", state.Variables["task"])
}
