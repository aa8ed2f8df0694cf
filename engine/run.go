package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/careflowhq/careflow/graph"
	"github.com/careflowhq/careflow/types"
)

// errStopRequested signals cooperative cancellation; it never escapes
// the run.
var errStopRequested = errors.New("stop requested")

// Run is one workflow instance. Pause, Resume and Stop may be called
// from any goroutine; they take effect at node boundaries only.
type Run struct {
	engine *Engine
	graph  *graph.WorkflowGraph
	logger *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	state    *ExecutionState
	paused   bool
	stopped  bool
	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// branch is the walk-local execution context. The main path shares the
// run's variable map; parallel fan-out branches get snapshots.
type branch struct {
	vars    map[string]any
	history []string
	main    bool
}

// dispatch is the outcome of executing one node.
type dispatch struct {
	next []string
	brk  bool
}

// NewRun validates the graph and prepares an idle run.
func (e *Engine) NewRun(g *graph.WorkflowGraph, initialVars map[string]any) (*Run, error) {
	if g == nil {
		return nil, types.NewError(types.ErrGraphInvalid, "graph is nil").
			WithCategory(types.CategoryValidation)
	}
	if err := e.preflight(g); err != nil {
		return nil, err
	}

	r := &Run{
		engine: e,
		graph:  g.Clone(),
		state:  NewExecutionState("run-"+uuid.NewString()[:8], g.ID, initialVars),
		stopCh: make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	r.logger = e.logger.With(
		zap.String("workflow_id", g.ID),
		zap.String("run_id", r.state.RunID),
	)
	return r, nil
}

// State returns a snapshot of the current execution state.
func (r *Run) State() *ExecutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// Pause blocks further node dispatch while preserving all state.
func (r *Run) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Status == StatusRunning {
		r.paused = true
	}
}

// Resume lifts a pause.
func (r *Run) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
	r.cond.Broadcast()
}

// Stop requests cooperative cancellation. The run transitions to
// cancelled at the next node boundary; an in-flight step is never
// interrupted.
func (r *Run) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.paused = false
		close(r.stopCh)
		r.cond.Broadcast()
		r.mu.Unlock()
	})
}

// Execute runs the workflow from its start node to a terminal state.
// The returned error is non-nil only for failed terminations; the state
// carries the authoritative status either way.
func (r *Run) Execute(ctx context.Context) (*ExecutionState, error) {
	starts := r.graph.StartNodes()
	if len(starts) == 0 {
		return r.fail(types.NewError(types.ErrGraphInvalid, "graph has no start node").
			WithCategory(types.CategoryValidation))
	}
	return r.run(ctx, []string{starts[0].ID})
}

// ExecuteFrom runs the workflow from an explicit node.
func (r *Run) ExecuteFrom(ctx context.Context, startNodeID string) (*ExecutionState, error) {
	if _, ok := r.graph.NodeByID(startNodeID); !ok {
		return r.fail(types.NewError(types.ErrNodeNotFound, "start node not found: "+startNodeID).
			WithCategory(types.CategoryValidation))
	}
	return r.run(ctx, []string{startNodeID})
}

// resume continues from the restored state's pending nodes.
func (r *Run) resume(ctx context.Context) (*ExecutionState, error) {
	r.mu.Lock()
	queue := append([]string(nil), r.state.NextNodes...)
	r.mu.Unlock()
	if len(queue) == 0 {
		// Nothing pending: the checkpoint was taken at the last node.
		r.mu.Lock()
		r.state.Status = StatusCompleted
		r.state.FinishedAt = time.Now()
		snapshot := r.state.Clone()
		r.mu.Unlock()
		return snapshot, nil
	}
	return r.run(ctx, queue)
}

func (r *Run) run(ctx context.Context, queue []string) (*ExecutionState, error) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil, types.NewError(types.ErrInternal, "run already started")
	}
	r.started = true
	r.state.Status = StatusRunning
	if r.state.StartedAt.IsZero() {
		r.state.StartedAt = time.Now()
	}
	r.mu.Unlock()

	ctx, span := r.engine.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow.id", r.state.WorkflowID),
			attribute.String("run.id", r.state.RunID),
		))
	defer span.End()

	r.logger.Info("workflow execution started")

	main := &branch{vars: r.state.Variables, main: true}
	_, err := r.walk(ctx, queue, main)

	return r.finalize(err)
}

// finalize records the terminal status and emits run metrics.
func (r *Run) finalize(err error) (*ExecutionState, error) {
	r.mu.Lock()
	r.state.FinishedAt = time.Now()
	r.state.CurrentNode = ""
	r.state.NextNodes = nil

	var retErr error
	switch {
	case err == nil:
		r.state.Status = StatusCompleted
	case errors.Is(err, errStopRequested), errors.Is(err, context.Canceled):
		r.state.Status = StatusCancelled
	default:
		r.state.Status = StatusFailed
		r.state.FailureReason = err.Error()
		retErr = err
	}
	status := r.state.Status
	duration := r.state.FinishedAt.Sub(r.state.StartedAt)
	snapshot := r.state.Clone()
	r.mu.Unlock()

	if r.engine.collector != nil {
		r.engine.collector.RecordWorkflowExecution(r.state.WorkflowID, string(status), duration)
	}
	r.logger.Info("workflow execution finished",
		zap.String("status", string(status)),
		zap.Duration("duration", duration),
	)
	return snapshot, retErr
}

func (r *Run) fail(err error) (*ExecutionState, error) {
	r.mu.Lock()
	r.state.Status = StatusFailed
	r.state.FailureReason = err.Error()
	snapshot := r.state.Clone()
	r.mu.Unlock()
	return snapshot, err
}

// gate enforces pause and stop at node boundaries.
func (r *Run) gate(ctx context.Context) error {
	r.mu.Lock()
	for r.paused && !r.stopped {
		r.state.Status = StatusPaused
		r.cond.Wait()
	}
	if r.state.Status == StatusPaused {
		r.state.Status = StatusRunning
	}
	stopped := r.stopped
	r.mu.Unlock()

	if stopped {
		return errStopRequested
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// walk executes nodes depth-first until the queue drains or a terminal
// node breaks the walk. Returns true if an end node was reached.
func (r *Run) walk(ctx context.Context, queue []string, br *branch) (bool, error) {
	for len(queue) > 0 {
		if err := r.gate(ctx); err != nil {
			return false, err
		}

		id := queue[0]
		queue = queue[1:]

		node, ok := r.graph.NodeByID(id)
		if !ok {
			return false, types.NewError(types.ErrNodeNotFound, "node not found: "+id).
				WithRun(r.state.WorkflowID, r.state.RunID)
		}

		d, err := r.executeNode(ctx, node, br)
		if err != nil {
			return false, err
		}

		br.history = append(br.history, id)
		if br.main {
			r.syncState(id, append(append([]string(nil), d.next...), queue...))
			r.checkpoint(ctx)
		}

		if d.brk {
			return true, nil
		}

		if len(d.next) > 1 && r.engine.config.ParallelFanOut {
			broke, err := r.fanOut(ctx, d.next, br)
			if err != nil {
				return false, err
			}
			if broke {
				return true, nil
			}
			continue
		}

		queue = append(append([]string(nil), d.next...), queue...)
	}
	return false, nil
}

// syncState publishes walk progress into the shared state.
func (r *Run) syncState(current string, next []string) {
	r.mu.Lock()
	r.state.CurrentNode = current
	r.state.NextNodes = next
	r.state.History = append(r.state.History, current)
	r.state.Sequence++
	r.mu.Unlock()
}

// checkpoint hands a snapshot to the configured checkpointer. Failures
// are logged, not fatal: losing a checkpoint degrades restart, not the
// run itself.
func (r *Run) checkpoint(ctx context.Context) {
	if r.engine.checkpointer == nil {
		return
	}
	snapshot := r.State()
	if err := r.engine.checkpointer.SaveCheckpoint(ctx, snapshot); err != nil {
		r.logger.Warn("checkpoint write failed", zap.Error(err))
	}
}

// fanOut runs each target as an isolated branch with its own variable
// snapshot, then merges variables and history back in branch order so
// the result is deterministic.
func (r *Run) fanOut(ctx context.Context, targets []string, br *branch) (bool, error) {
	branches := make([]*branch, len(targets))
	for i := range targets {
		vars := make(map[string]any, len(br.vars))
		for k, v := range br.vars {
			vars[k] = v
		}
		branches[i] = &branch{vars: vars}
	}

	broke := make([]bool, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		g.Go(func() error {
			b, err := r.walk(gctx, []string{target}, branches[i])
			broke[i] = b
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	anyBroke := false
	for i, sub := range branches {
		for k, v := range sub.vars {
			br.vars[k] = v
		}
		br.history = append(br.history, sub.history...)
		if br.main {
			r.mu.Lock()
			r.state.History = append(r.state.History, sub.history...)
			r.mu.Unlock()
		}
		if broke[i] {
			anyBroke = true
		}
	}
	if br.main {
		r.checkpoint(ctx)
	}
	return anyBroke, nil
}

// executeNode dispatches one node by its config type. The switch is
// exhaustive over the config union.
func (r *Run) executeNode(ctx context.Context, node *graph.Node, br *branch) (dispatch, error) {
	start := time.Now()
	ctx, span := r.engine.tracer.Start(ctx, "workflow.node",
		trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("node.type", string(node.Type)),
		))
	defer span.End()

	d, err := r.dispatchNode(ctx, node, br)

	status := "completed"
	if err != nil {
		status = "failed"
	}
	if r.engine.collector != nil {
		r.engine.collector.RecordNodeExecution(string(node.Type), status, time.Since(start))
	}
	r.logger.Debug("node executed",
		zap.String("node_id", node.ID),
		zap.String("node_type", string(node.Type)),
		zap.String("status", status),
	)
	return d, err
}

func (r *Run) dispatchNode(ctx context.Context, node *graph.Node, br *branch) (dispatch, error) {
	switch cfg := node.Config.(type) {
	case *graph.StartConfig, nil:
		return dispatch{next: r.targets(node)}, nil

	case *graph.EndConfig:
		return dispatch{brk: true}, nil

	case *graph.IfElseConfig:
		ok, err := evaluateCondition(cfg.Condition, br.vars)
		if err != nil {
			return dispatch{}, r.stepError(node, err)
		}
		if ok {
			return dispatch{next: cfg.TrueTargets}, nil
		}
		return dispatch{next: cfg.FalseTargets}, nil

	case *graph.LoopConfig:
		return r.executeLoop(ctx, node, cfg, br)

	case *graph.DelayConfig:
		if err := r.delay(ctx, cfg.Duration); err != nil {
			return dispatch{}, err
		}
		return dispatch{next: r.targets(node)}, nil

	case *graph.AgentConfig:
		return r.executeExternal(ctx, node, cfg.OutputKey, br)

	case *graph.DataConfig:
		return r.executeExternal(ctx, node, cfg.OutputKey, br)

	default:
		return dispatch{}, types.NewError(types.ErrInternal,
			fmt.Sprintf("node %s has unsupported config type %T", node.ID, node.Config))
	}
}

// targets returns the node's outgoing edge targets in edge order.
func (r *Run) targets(node *graph.Node) []string {
	edges := r.graph.OutgoingEdges(node.ID)
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.Target)
	}
	return out
}

// exitTargets are the loop node's outgoing targets that are not part of
// its body: the path taken once the loop terminates.
func (r *Run) exitTargets(node *graph.Node, body []string) []string {
	inBody := make(map[string]bool, len(body))
	for _, id := range body {
		inBody[id] = true
	}
	var out []string
	for _, target := range r.targets(node) {
		if !inBody[target] {
			out = append(out, target)
		}
	}
	return out
}

// executeLoop re-checks termination before each pass, never mid-body.
func (r *Run) executeLoop(ctx context.Context, node *graph.Node, cfg *graph.LoopConfig, br *branch) (dispatch, error) {
	body := cfg.BodyTargets
	exit := r.exitTargets(node, body)

	runBody := func() (bool, error) {
		return r.walk(ctx, append([]string(nil), body...), br)
	}

	switch cfg.Kind {
	case graph.LoopFor:
		for i := 0; i < cfg.Iterations; i++ {
			broke, err := runBody()
			if err != nil {
				return dispatch{}, err
			}
			if broke {
				return dispatch{brk: true}, nil
			}
		}

	case graph.LoopWhile:
		if cfg.Condition == nil {
			return dispatch{}, r.stepError(node, fmt.Errorf("while loop has no condition"))
		}
		max := cfg.MaxIterations
		if max <= 0 {
			max = r.engine.config.MaxWhileIterations
		}
		for i := 0; i < max; i++ {
			ok, err := evaluateCondition(*cfg.Condition, br.vars)
			if err != nil {
				return dispatch{}, r.stepError(node, err)
			}
			if !ok {
				break
			}
			broke, err := runBody()
			if err != nil {
				return dispatch{}, err
			}
			if broke {
				return dispatch{brk: true}, nil
			}
		}

	case graph.LoopForEach:
		items, err := collectionElements(br.vars[cfg.Collection])
		if err != nil {
			return dispatch{}, r.stepError(node, err)
		}
		for _, item := range items {
			br.vars[cfg.Iterator] = item
			broke, err := runBody()
			if err != nil {
				return dispatch{}, err
			}
			if broke {
				return dispatch{brk: true}, nil
			}
		}

	default:
		return dispatch{}, r.stepError(node, fmt.Errorf("unknown loop kind %q", cfg.Kind))
	}

	return dispatch{next: exit}, nil
}

// delay suspends this path only. Other runs and parallel branches keep
// executing.
func (r *Run) delay(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-r.stopCh:
		return errStopRequested
	case <-ctx.Done():
		return ctx.Err()
	}
}

// executeExternal invokes the injected StepExecutor and writes its
// output under the node's declared key.
func (r *Run) executeExternal(ctx context.Context, node *graph.Node, outputKey string, br *branch) (dispatch, error) {
	if r.engine.steps == nil {
		return dispatch{}, types.NewError(types.ErrStepFailed,
			"no step executor configured for node "+node.ID).
			WithCategory(types.CategoryExternalService).
			WithRun(r.state.WorkflowID, r.state.RunID).
			WithNode(node.ID)
	}

	output, err := r.engine.steps.ExecuteStep(ctx, node, br.vars)
	if err != nil {
		return dispatch{}, r.stepError(node, err)
	}

	if outputKey == "" {
		outputKey = node.ID
	}
	br.vars[outputKey] = output

	return dispatch{next: r.targets(node)}, nil
}

// stepError wraps a step failure with run context, preserving any
// structured error the step already raised.
func (r *Run) stepError(node *graph.Node, err error) error {
	var fe *types.Error
	if errors.As(err, &fe) {
		if fe.NodeID == "" {
			fe.NodeID = node.ID
		}
		if fe.RunID == "" {
			fe.WorkflowID = r.state.WorkflowID
			fe.RunID = r.state.RunID
		}
		return err
	}
	return types.NewError(types.ErrStepFailed, "node "+node.ID+" failed").
		WithCause(err).
		WithCategory(types.CategoryExternalService).
		WithRun(r.state.WorkflowID, r.state.RunID).
		WithNode(node.ID)
}
