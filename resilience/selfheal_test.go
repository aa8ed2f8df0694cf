package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/careflowhq/careflow/types"
)

type recordingActuator struct {
	mu      sync.Mutex
	actions []Action
}

func (a *recordingActuator) record(action Action) {
	a.mu.Lock()
	a.actions = append(a.actions, action)
	a.mu.Unlock()
}

func (a *recordingActuator) Scale(_ context.Context, _ int) error {
	a.record(ActionScale)
	return nil
}

func (a *recordingActuator) Restart(_ context.Context, _ string) error {
	a.record(ActionRestart)
	return nil
}

func (a *recordingActuator) ClearCache(_ context.Context) error {
	a.record(ActionClearCache)
	return nil
}

func (a *recordingActuator) ResetConnections(_ context.Context) error {
	a.record(ActionResetConnections)
	return nil
}

func (a *recordingActuator) list() []Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Action(nil), a.actions...)
}

func categoryErr(c types.Category) error {
	return types.NewError(types.ErrStepFailed, "fail").WithCategory(c)
}

func TestAnalyzerTriggersAtThreshold(t *testing.T) {
	ctx := context.Background()
	actuator := &recordingActuator{}
	a := NewPatternAnalyzer(AnalyzerConfig{Window: time.Minute, Threshold: 3}, actuator, nil, nil)

	a.Observe(ctx, categoryErr(types.CategoryNetwork))
	a.Observe(ctx, categoryErr(types.CategoryNetwork))
	assert.Empty(t, actuator.list())

	a.Observe(ctx, categoryErr(types.CategoryNetwork))
	assert.Equal(t, []Action{ActionResetConnections}, actuator.list())
}

func TestAnalyzerResetsWindowAfterTrigger(t *testing.T) {
	ctx := context.Background()
	actuator := &recordingActuator{}
	a := NewPatternAnalyzer(AnalyzerConfig{Window: time.Minute, Threshold: 2}, actuator, nil, nil)

	a.Observe(ctx, categoryErr(types.CategoryStorage))
	a.Observe(ctx, categoryErr(types.CategoryStorage))
	a.Observe(ctx, categoryErr(types.CategoryStorage))
	// One trigger so far: the window reset after the second failure.
	assert.Equal(t, []Action{ActionClearCache}, actuator.list())

	a.Observe(ctx, categoryErr(types.CategoryStorage))
	assert.Len(t, actuator.list(), 2)
}

func TestAnalyzerCategoriesAreIndependent(t *testing.T) {
	ctx := context.Background()
	actuator := &recordingActuator{}
	a := NewPatternAnalyzer(AnalyzerConfig{Window: time.Minute, Threshold: 2}, actuator, nil, nil)

	a.Observe(ctx, categoryErr(types.CategoryNetwork))
	a.Observe(ctx, categoryErr(types.CategoryResource))
	a.Observe(ctx, categoryErr(types.CategoryBusinessLogic))
	assert.Empty(t, actuator.list(), "one failure per category stays below threshold")

	a.Observe(ctx, categoryErr(types.CategoryResource))
	assert.Equal(t, []Action{ActionScale}, actuator.list())
}

func TestAnalyzerWindowExpiry(t *testing.T) {
	ctx := context.Background()
	actuator := &recordingActuator{}
	a := NewPatternAnalyzer(AnalyzerConfig{Window: time.Minute, Threshold: 2}, actuator, nil, nil)

	clock := time.Now()
	a.now = func() time.Time { return clock }

	a.Observe(ctx, categoryErr(types.CategoryNetwork))
	clock = clock.Add(2 * time.Minute)
	a.Observe(ctx, categoryErr(types.CategoryNetwork))
	assert.Empty(t, actuator.list(), "stale failures must age out of the window")
}

func TestAnalyzerPublishesEvent(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus(8, nil)
	a := NewPatternAnalyzer(AnalyzerConfig{Window: time.Minute, Threshold: 1}, &recordingActuator{}, bus, nil)

	a.Observe(ctx, categoryErr(types.CategoryResource))

	select {
	case ev := <-bus.Events():
		assert.Equal(t, EventSelfHealingTriggered, ev.Type)
		assert.Equal(t, string(ActionScale), ev.Payload["action"])
	case <-time.After(time.Second):
		t.Fatal("no self-healing event")
	}
}

func TestEventBusDropsOldestUnderPressure(t *testing.T) {
	bus := NewEventBus(2, nil)

	bus.Publish(Event{Type: "first"})
	bus.Publish(Event{Type: "second"})
	bus.Publish(Event{Type: "third"}) // evicts "first"

	assert.Equal(t, int64(1), bus.Dropped())

	ev, ok := bus.ch.TryReceive()
	assert.True(t, ok)
	assert.Equal(t, EventType("second"), ev.Type)
}
