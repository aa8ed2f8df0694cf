package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careflowhq/careflow/types"
)

func newTestBreaker(cfg BreakerConfig) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker("api.upstream.test", cfg, nil, nil)
	clock := time.Now()
	cb.now = func() time.Time { return clock }
	return cb, &clock
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 3
	cb, _ := newTestBreaker(cfg)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		assert.Equal(t, CircuitClosed, cb.State())
	}
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.AllowRequest()
	var fe *types.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, types.ErrCircuitOpen, fe.Code)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 3
	cb, _ := newTestBreaker(cfg)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State(), "non-consecutive failures must not open")
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = 10 * time.Second
	cfg.SuccessThreshold = 2
	cb, clock := newTestBreaker(cfg)

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())
	require.Error(t, cb.AllowRequest())

	// Recovery timeout elapses, next request is a probe.
	*clock = clock.Add(11 * time.Second)
	require.NoError(t, cb.AllowRequest())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, CircuitHalfOpen, cb.State(), "one probe success is not enough")
	require.NoError(t, cb.AllowRequest())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = 10 * time.Second
	cb, clock := newTestBreaker(cfg)

	cb.RecordFailure()
	*clock = clock.Add(11 * time.Second)
	require.NoError(t, cb.AllowRequest())
	require.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestBreakerProbeBudget(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = time.Second
	cfg.HalfOpenMaxProbes = 2
	cb, clock := newTestBreaker(cfg)

	cb.RecordFailure()
	*clock = clock.Add(2 * time.Second)

	require.NoError(t, cb.AllowRequest()) // probe 1 (transition)
	require.NoError(t, cb.AllowRequest()) // probe 2
	assert.Error(t, cb.AllowRequest(), "probe budget exhausted")
}

func TestBreakerDo(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 2
	cb, _ := newTestBreaker(cfg)

	boom := errors.New("boom")
	require.ErrorIs(t, cb.Do(func() error { return boom }), boom)
	require.ErrorIs(t, cb.Do(func() error { return boom }), boom)

	// Open now: fn must not run.
	ran := false
	err := cb.Do(func() error { ran = true; return nil })
	assert.Error(t, err)
	assert.False(t, ran)
}

func TestBreakerReset(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cb, _ := newTestBreaker(cfg)

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())
	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
	assert.NoError(t, cb.AllowRequest())
}

func TestRegistrySharesBreakersPerKey(t *testing.T) {
	r := NewBreakerRegistry(DefaultBreakerConfig(), nil, nil)

	a := r.GetOrCreate("host-a")
	b := r.GetOrCreate("host-b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, r.GetOrCreate("host-a"))

	a.RecordFailure()
	states := r.GetAllStates()
	assert.Len(t, states, 2)
	assert.Equal(t, CircuitClosed, states["host-b"])
}

func TestRegistryResetAll(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	r := NewBreakerRegistry(cfg, nil, nil)

	r.GetOrCreate("x").RecordFailure()
	r.GetOrCreate("y").RecordFailure()
	r.ResetAll()

	for key, state := range r.GetAllStates() {
		assert.Equal(t, CircuitClosed, state, key)
	}
}

func TestBreakerEmitsStateChangeEvents(t *testing.T) {
	bus := NewEventBus(16, nil)
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	cb := NewCircuitBreaker("events.test", cfg, bus, nil)

	cb.RecordFailure()

	select {
	case ev := <-bus.Events():
		assert.Equal(t, EventBreakerStateChanged, ev.Type)
		assert.Equal(t, "closed", ev.Payload["old_state"])
		assert.Equal(t, "open", ev.Payload["new_state"])
	case <-time.After(time.Second):
		t.Fatal("no breaker event published")
	}
}
