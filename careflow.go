// Package careflow provides a top-level convenience entry point for
// assembling a workflow engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/careflowhq/careflow"
//
//	eng, err := careflow.New(careflow.WithSteps(mySteps))
//	state, err := eng.Execute(ctx, graph, nil)
//
// This is a thin wrapper around the engine and validation packages;
// embedders that need version stores, checkpointing or webhooks wire
// those packages directly.
package careflow

import (
	"go.uber.org/zap"

	"github.com/careflowhq/careflow/engine"
	"github.com/careflowhq/careflow/validation"
)

// Option configures the engine built by [New].
type Option func(*builder)

type builder struct {
	logger           *zap.Logger
	steps            engine.StepExecutor
	checkpointer     engine.Checkpointer
	engineConfig     engine.Config
	validationConfig validation.Config
}

// WithLogger sets the logger shared by the engine and validator.
func WithLogger(logger *zap.Logger) Option {
	return func(b *builder) { b.logger = logger }
}

// WithSteps registers the executor for agent and data nodes.
func WithSteps(steps engine.StepExecutor) Option {
	return func(b *builder) { b.steps = steps }
}

// WithCheckpointer enables checkpointing after every node.
func WithCheckpointer(cp engine.Checkpointer) Option {
	return func(b *builder) { b.checkpointer = cp }
}

// WithEngineConfig overrides the engine defaults.
func WithEngineConfig(cfg engine.Config) Option {
	return func(b *builder) { b.engineConfig = cfg }
}

// WithValidationConfig overrides the validator defaults.
func WithValidationConfig(cfg validation.Config) Option {
	return func(b *builder) { b.validationConfig = cfg }
}

// New assembles a workflow engine with a validator in front of it.
func New(opts ...Option) (*engine.Engine, error) {
	b := &builder{
		logger:           zap.NewNop(),
		engineConfig:     engine.DefaultConfig(),
		validationConfig: validation.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(b)
	}

	validator := validation.NewValidator(b.validationConfig, b.logger)
	eng := engine.NewEngine(validator, b.steps, b.logger).
		WithConfig(b.engineConfig)
	if b.checkpointer != nil {
		eng = eng.WithCheckpointer(b.checkpointer)
	}
	return eng, nil
}
