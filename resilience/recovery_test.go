package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careflowhq/careflow/engine"
	"github.com/careflowhq/careflow/types"
)

func newTestCoordinator(t *testing.T) (*RecoveryCoordinator, *DeadLetterQueue, *EventBus) {
	t.Helper()
	bus := NewEventBus(32, nil)
	dlq := NewDeadLetterQueue(NewMemoryDeadLetterStore(), bus, nil)
	cm := NewCheckpointManager(NewMemoryCheckpointStore(), nil)
	c := NewRecoveryCoordinator(DefaultRecoveryConfig(), newInstantRetryer(), cm, dlq, bus, nil)
	return c, dlq, bus
}

func transientFailure(op func(ctx context.Context) error) *Failure {
	return &Failure{
		Err:        types.NewError(types.ErrStepFailed, "timeout").WithSeverity(types.SeverityTransient),
		WorkflowID: "wf-1",
		RunID:      "run-1",
		NodeID:     "task",
		Operation:  op,
	}
}

func TestTransientFailureRecoversViaRetry(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	calls := 0
	outcome := c.Handle(context.Background(), transientFailure(func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("still failing")
		}
		return nil
	}))

	assert.True(t, outcome.Recovered)
	assert.Equal(t, StrategyRetry, outcome.Strategy)
	assert.Empty(t, outcome.DeadLetterID)
}

func TestTransientFallsBackWhenRetryExhausted(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	f := transientFailure(func(ctx context.Context) error {
		return errors.New("always fails")
	})
	fallbackRan := false
	f.Fallback = func(ctx context.Context) error {
		fallbackRan = true
		return nil
	}

	outcome := c.Handle(context.Background(), f)
	assert.True(t, outcome.Recovered)
	assert.Equal(t, StrategyFallback, outcome.Strategy)
	assert.True(t, fallbackRan)
	assert.Equal(t, []Strategy{StrategyRetry, StrategyFallback}, outcome.Attempted)
}

func TestPersistentFailureRestartsFromCheckpoint(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	// Seed a checkpoint for the run.
	require.NoError(t, c.checkpoints.SaveCheckpoint(ctx, testState("run-1", 7)))

	var restoredSeq uint64
	f := &Failure{
		Err: types.NewError(types.ErrStoreUnavailable, "db down").
			WithSeverity(types.SeverityPersistent),
		RunID: "run-1",
		Restart: func(ctx context.Context, state *engine.ExecutionState) error {
			restoredSeq = state.Sequence
			return nil
		},
	}

	outcome := c.Handle(ctx, f)
	assert.True(t, outcome.Recovered)
	assert.Equal(t, StrategyCheckpointRestart, outcome.Strategy)
	assert.Equal(t, uint64(7), restoredSeq)
}

func TestCriticalDecisionSupportEscalatesToExpert(t *testing.T) {
	c, _, bus := newTestCoordinator(t)

	f := &Failure{
		Err: types.NewError(types.ErrStepFailed, "dosage model disagreement").
			WithSeverity(types.SeverityCritical).
			WithCategory(types.CategoryDecisionSupport),
		WorkflowID: "wf-1",
		RunID:      "run-1",
		Override: func(ctx context.Context) error {
			return nil // clinician-approved override path
		},
	}

	outcome := c.Handle(context.Background(), f)
	assert.True(t, outcome.Recovered)
	// Manual intervention pages but does not recover; checkpoint restart
	// has no checkpoint; override is permitted for decision-support.
	assert.Equal(t, StrategyEmergencyOverride, outcome.Strategy)

	sawExpert := false
	for done := false; !done; {
		select {
		case ev := <-bus.Events():
			if ev.Type == EventClinicalExpertRequired {
				sawExpert = true
			}
		case <-time.After(200 * time.Millisecond):
			done = true
		}
	}
	assert.True(t, sawExpert, "clinical expert event must be published")
}

func TestEmergencyOverrideForbiddenOutsideAllowedSet(t *testing.T) {
	cfg := RecoveryConfig{Chains: map[types.Severity][]Strategy{
		types.SeverityPersistent: {StrategyEmergencyOverride},
	}}
	bus := NewEventBus(8, nil)
	dlq := NewDeadLetterQueue(NewMemoryDeadLetterStore(), nil, nil)
	c := NewRecoveryCoordinator(cfg, newInstantRetryer(), nil, dlq, bus, nil)

	overrideRan := false
	f := &Failure{
		Err: types.NewError(types.ErrStoreUnavailable, "db down").
			WithSeverity(types.SeverityPersistent).
			WithCategory(types.CategoryStorage),
		RunID:    "run-1",
		Override: func(ctx context.Context) error { overrideRan = true; return nil },
	}

	outcome := c.Handle(context.Background(), f)
	assert.False(t, outcome.Recovered)
	assert.False(t, overrideRan, "override must not run outside decision-support/catastrophic")

	var fe *types.Error
	require.ErrorAs(t, outcome.Err, &fe)
	assert.Equal(t, types.ErrOverrideForbidden, fe.Code)
}

func TestCatastrophicPrefersOverride(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	f := &Failure{
		Err: types.NewError(types.ErrStepFailed, "phi leak suspected").
			WithSeverity(types.SeverityCatastrophic).
			WithCategory(types.CategorySensitiveData).
			WithSensitiveData(),
		RunID:    "run-1",
		Override: func(ctx context.Context) error { return nil },
	}

	outcome := c.Handle(context.Background(), f)
	assert.True(t, outcome.Recovered)
	assert.Equal(t, StrategyEmergencyOverride, outcome.Strategy)
}

func TestExhaustionParksExactlyOneDeadLetter(t *testing.T) {
	c, dlq, _ := newTestCoordinator(t)
	ctx := context.Background()

	// Transient chain with no usable hooks: everything fails.
	f := transientFailure(func(ctx context.Context) error {
		return errors.New("always fails")
	})

	outcome := c.Handle(ctx, f)
	assert.False(t, outcome.Recovered)
	require.NotEmpty(t, outcome.DeadLetterID)

	var fe *types.Error
	require.ErrorAs(t, outcome.Err, &fe)
	assert.Equal(t, types.ErrRecoveryExhausted, fe.Code)

	depth, err := dlq.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "exactly one dead letter per exhausted failure")
}

func TestRecoverySuccessPublishesEvent(t *testing.T) {
	c, _, bus := newTestCoordinator(t)

	outcome := c.Handle(context.Background(), transientFailure(func(ctx context.Context) error {
		return nil
	}))
	require.True(t, outcome.Recovered)

	select {
	case ev := <-bus.Events():
		assert.Equal(t, EventRecoverySuccess, ev.Type)
		assert.Equal(t, "run-1", ev.RunID)
	case <-time.After(time.Second):
		t.Fatal("no recovery_success event")
	}
}
