package resilience

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/careflowhq/careflow/engine"
	"github.com/careflowhq/careflow/internal/metrics"
	"github.com/careflowhq/careflow/types"
)

// Strategy names one recovery technique.
type Strategy string

const (
	StrategyRetry              Strategy = "retry"
	StrategyFallback           Strategy = "fallback"
	StrategyCheckpointRestart  Strategy = "checkpoint_restart"
	StrategyPartialRecovery    Strategy = "partial_recovery"
	StrategyManualIntervention Strategy = "manual_intervention"
	StrategyEmergencyOverride  Strategy = "emergency_override"
)

// Failure carries a failed operation into recovery. The hooks are what
// the coordinator can actually do about it; a nil hook skips the
// corresponding strategy.
type Failure struct {
	Err        error
	WorkflowID string
	RunID      string
	NodeID     string
	Attempts   int

	// Operation re-executes the failed step; used by retry.
	Operation func(ctx context.Context) error
	// Fallback runs the degraded alternative.
	Fallback func(ctx context.Context) error
	// Partial salvages the completed portion of the run.
	Partial func(ctx context.Context) error
	// Override is the emergency escape hatch; only honored for
	// decision-support or catastrophic failures.
	Override func(ctx context.Context) error
	// Restart resumes the run from a restored checkpoint state.
	Restart func(ctx context.Context, state *engine.ExecutionState) error
}

// Outcome reports what recovery did with a failure.
type Outcome struct {
	Recovered    bool
	Strategy     Strategy
	Attempted    []Strategy
	DeadLetterID string
	Err          error
}

// RecoveryConfig maps each severity to its ordered strategy chain.
type RecoveryConfig struct {
	Chains map[types.Severity][]Strategy
}

// DefaultRecoveryConfig returns the severity-keyed strategy chains.
// Budgets shrink and human involvement grows with severity.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Chains: map[types.Severity][]Strategy{
			types.SeverityTransient: {
				StrategyRetry, StrategyFallback,
			},
			types.SeverityPersistent: {
				StrategyCheckpointRestart, StrategyPartialRecovery, StrategyFallback,
			},
			types.SeverityCritical: {
				StrategyManualIntervention, StrategyCheckpointRestart, StrategyEmergencyOverride,
			},
			types.SeverityCatastrophic: {
				StrategyEmergencyOverride, StrategyManualIntervention,
			},
		},
	}
}

// RecoveryCoordinator walks the severity-appropriate strategy chain for
// each failure. Exhausting the chain parks exactly one dead-letter item.
type RecoveryCoordinator struct {
	config      RecoveryConfig
	retryer     *Retryer
	checkpoints *CheckpointManager
	deadLetters *DeadLetterQueue
	bus         *EventBus
	collector   *metrics.Collector
	logger      *zap.Logger
}

// NewRecoveryCoordinator wires the coordinator. The checkpoint manager
// may be nil, disabling checkpoint-restart.
func NewRecoveryCoordinator(
	config RecoveryConfig,
	retryer *Retryer,
	checkpoints *CheckpointManager,
	deadLetters *DeadLetterQueue,
	bus *EventBus,
	logger *zap.Logger,
) *RecoveryCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryCoordinator{
		config:      config,
		retryer:     retryer,
		checkpoints: checkpoints,
		deadLetters: deadLetters,
		bus:         bus,
		logger:      logger.With(zap.String("component", "recovery")),
	}
}

// WithMetrics attaches a collector for recovery counters.
func (c *RecoveryCoordinator) WithMetrics(m *metrics.Collector) *RecoveryCoordinator {
	c.collector = m
	return c
}

// Handle drives a failure through its strategy chain. The returned
// outcome always says what was tried; Handle itself never returns the
// original error.
func (c *RecoveryCoordinator) Handle(ctx context.Context, f *Failure) *Outcome {
	severity := types.SeverityOf(f.Err)
	category := types.CategoryOf(f.Err)

	chain := c.config.Chains[severity]
	outcome := &Outcome{}

	c.logger.Info("recovery started",
		zap.String("run_id", f.RunID),
		zap.String("node_id", f.NodeID),
		zap.String("severity", severity.String()),
		zap.String("category", string(category)),
		zap.Error(f.Err))

	for _, strategy := range chain {
		outcome.Attempted = append(outcome.Attempted, strategy)
		err := c.apply(ctx, strategy, f, severity, category)
		c.record(strategy, err)

		if err == nil {
			outcome.Recovered = true
			outcome.Strategy = strategy
			c.logger.Info("recovery succeeded",
				zap.String("run_id", f.RunID),
				zap.String("strategy", string(strategy)))
			if c.bus != nil {
				c.bus.Publish(Event{
					Type:       EventRecoverySuccess,
					WorkflowID: f.WorkflowID,
					RunID:      f.RunID,
					NodeID:     f.NodeID,
					Payload:    map[string]any{"strategy": string(strategy)},
				})
			}
			return outcome
		}

		var fe *types.Error
		if isOverrideForbidden(err, &fe) {
			// A forbidden override is itself a failure worth surfacing,
			// not just a skipped strategy.
			outcome.Err = err
			c.logger.Error("emergency override forbidden",
				zap.String("run_id", f.RunID),
				zap.String("category", string(category)))
			continue
		}

		c.logger.Warn("recovery strategy failed",
			zap.String("run_id", f.RunID),
			zap.String("strategy", string(strategy)),
			zap.Error(err))
	}

	// Chain exhausted: exactly one dead-letter item.
	if outcome.Err == nil {
		outcome.Err = types.NewError(types.ErrRecoveryExhausted,
			fmt.Sprintf("all %d recovery strategies exhausted", len(chain))).
			WithCause(f.Err).
			WithSeverity(severity).
			WithCategory(category)
	}
	if c.deadLetters != nil {
		item, dlErr := c.deadLetters.Enqueue(ctx, f)
		if dlErr != nil {
			c.logger.Error("failed to park failure in dead letter queue", zap.Error(dlErr))
		} else {
			outcome.DeadLetterID = item.ID
		}
	}
	return outcome
}

func (c *RecoveryCoordinator) apply(ctx context.Context, s Strategy, f *Failure, severity types.Severity, category types.Category) error {
	switch s {
	case StrategyRetry:
		if f.Operation == nil {
			return errNoHook(s)
		}
		if c.retryer == nil {
			return errNoHook(s)
		}
		return c.retryer.Do(ctx, f.Operation)

	case StrategyFallback:
		if f.Fallback == nil {
			return errNoHook(s)
		}
		return f.Fallback(ctx)

	case StrategyPartialRecovery:
		if f.Partial == nil {
			return errNoHook(s)
		}
		return f.Partial(ctx)

	case StrategyCheckpointRestart:
		if c.checkpoints == nil || f.Restart == nil {
			return errNoHook(s)
		}
		state, err := c.checkpoints.Restore(ctx, f.RunID)
		if err != nil {
			return err
		}
		return f.Restart(ctx, state)

	case StrategyManualIntervention:
		// Escalation is a side effect, never a recovery by itself: the
		// chain keeps going after the humans are paged.
		if c.bus != nil {
			eventType := EventManualInterventionRequired
			if category == types.CategoryDecisionSupport {
				eventType = EventClinicalExpertRequired
			}
			c.bus.Publish(Event{
				Type:       eventType,
				WorkflowID: f.WorkflowID,
				RunID:      f.RunID,
				NodeID:     f.NodeID,
				Payload: map[string]any{
					"severity": severity.String(),
					"category": string(category),
					"reason":   f.Err.Error(),
				},
			})
		}
		return fmt.Errorf("manual intervention requested, awaiting review")

	case StrategyEmergencyOverride:
		if category != types.CategoryDecisionSupport && severity != types.SeverityCatastrophic {
			return types.NewError(types.ErrOverrideForbidden,
				fmt.Sprintf("emergency override not permitted for %s/%s failures",
					severity, category)).
				WithSeverity(types.SeverityCritical).
				WithCategory(category)
		}
		if f.Override == nil {
			return errNoHook(s)
		}
		return f.Override(ctx)

	default:
		return fmt.Errorf("unknown recovery strategy %q", s)
	}
}

func (c *RecoveryCoordinator) record(s Strategy, err error) {
	if c.collector == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.collector.RecordRecoveryAttempt(string(s), outcome)
}

func errNoHook(s Strategy) error {
	return fmt.Errorf("strategy %s has no handler for this failure", s)
}

func isOverrideForbidden(err error, fe **types.Error) bool {
	var e *types.Error
	if errors.As(err, &e) && e.Code == types.ErrOverrideForbidden {
		*fe = e
		return true
	}
	return false
}
