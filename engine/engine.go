package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/careflowhq/careflow/graph"
	"github.com/careflowhq/careflow/internal/metrics"
	"github.com/careflowhq/careflow/types"
	"github.com/careflowhq/careflow/validation"
)

// StepExecutor is the boundary to external step execution. The engine
// calls it for ai-agent and data-* nodes and awaits completion; the
// executor may be network-bound and must honor ctx cancellation.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, node *graph.Node, variables map[string]any) (any, error)
}

// StepExecutorFunc adapts a function to the StepExecutor interface.
type StepExecutorFunc func(ctx context.Context, node *graph.Node, variables map[string]any) (any, error)

// ExecuteStep implements StepExecutor.
func (f StepExecutorFunc) ExecuteStep(ctx context.Context, node *graph.Node, variables map[string]any) (any, error) {
	return f(ctx, node, variables)
}

// Checkpointer receives execution state snapshots at safe points (node
// boundaries). The resilience layer provides the production
// implementation; a nil checkpointer disables checkpointing.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, state *ExecutionState) error
}

// Config tunes the engine.
type Config struct {
	// MaxWhileIterations bounds while loops that do not set their own
	// limit.
	MaxWhileIterations int `yaml:"max_while_iterations" json:"max_while_iterations"`
	// ParallelFanOut runs multi-target dispatch concurrently, each
	// branch on its own variable snapshot.
	ParallelFanOut bool `yaml:"parallel_fan_out" json:"parallel_fan_out"`
	// SkipValidation disables the pre-flight validation gate. Intended
	// for callers that already validated the exact graph revision.
	SkipValidation bool `yaml:"skip_validation" json:"skip_validation"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{MaxWhileIterations: 1000}
}

// Engine executes validated workflow graphs. One engine serves many
// concurrent runs; all per-run state lives on the Run.
type Engine struct {
	validator    *validation.Validator
	steps        StepExecutor
	checkpointer Checkpointer
	collector    *metrics.Collector
	tracer       trace.Tracer
	logger       *zap.Logger
	config       Config
}

// NewEngine creates an engine. The validator gates execution unless
// SkipValidation is set; steps may be nil for graphs without external
// step nodes.
func NewEngine(validator *validation.Validator, steps StepExecutor, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		validator: validator,
		steps:     steps,
		logger:    logger.With(zap.String("component", "engine")),
		tracer:    otel.Tracer("github.com/careflowhq/careflow/engine"),
		config:    DefaultConfig(),
	}
}

// WithConfig overrides the engine configuration.
func (e *Engine) WithConfig(config Config) *Engine {
	if config.MaxWhileIterations <= 0 {
		config.MaxWhileIterations = DefaultConfig().MaxWhileIterations
	}
	e.config = config
	return e
}

// WithCheckpointer sets the checkpoint sink.
func (e *Engine) WithCheckpointer(cp Checkpointer) *Engine {
	e.checkpointer = cp
	return e
}

// WithMetrics sets the metrics collector.
func (e *Engine) WithMetrics(c *metrics.Collector) *Engine {
	e.collector = c
	return e
}

// Execute validates the graph, runs it from its start node and returns
// the terminal state. Equivalent to NewRun followed by Run.Execute.
func (e *Engine) Execute(ctx context.Context, g *graph.WorkflowGraph, initialVars map[string]any) (*ExecutionState, error) {
	run, err := e.NewRun(g, initialVars)
	if err != nil {
		return nil, err
	}
	return run.Execute(ctx)
}

// Resume continues a run from a checkpointed state: the queue restarts
// at the checkpoint's pending nodes with its variable map and history.
func (e *Engine) Resume(ctx context.Context, g *graph.WorkflowGraph, checkpoint *ExecutionState) (*ExecutionState, error) {
	if checkpoint == nil {
		return nil, types.NewError(types.ErrCheckpointMissing, "cannot resume from nil checkpoint").
			WithCategory(types.CategoryStorage)
	}

	run, err := e.NewRun(g, nil)
	if err != nil {
		return nil, err
	}

	restored := checkpoint.Clone()
	restored.Status = StatusIdle
	restored.FinishedAt = checkpoint.FinishedAt
	run.state = restored

	return run.resume(ctx)
}

// preflight gates execution on validation.
func (e *Engine) preflight(g *graph.WorkflowGraph) error {
	if e.validator == nil || e.config.SkipValidation {
		return nil
	}
	result := e.validator.Validate(g)
	if e.collector != nil {
		e.collector.RecordValidation(string(result.Severity), len(result.Errors), len(result.Warnings))
	}
	if result.HasErrors() {
		first := result.Errors[0]
		return types.NewError(types.ErrGraphInvalid, "graph failed validation: "+first.Message).
			WithCategory(types.CategoryValidation)
	}
	return nil
}
