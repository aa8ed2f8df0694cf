package resilience

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/careflowhq/careflow/internal/metrics"
	"github.com/careflowhq/careflow/types"
)

// CircuitState is the breaker state machine position.
type CircuitState int

const (
	// CircuitClosed passes requests through and counts failures.
	CircuitClosed CircuitState = iota
	// CircuitOpen fails fast until the recovery timeout elapses.
	CircuitOpen
	// CircuitHalfOpen admits a limited number of probe requests.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	// HalfOpenMaxProbes caps concurrent probes while half-open.
	HalfOpenMaxProbes int `yaml:"half_open_max_probes" json:"half_open_max_probes"`
	// SuccessThreshold is the consecutive probe successes that close the
	// circuit again.
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
}

// DefaultBreakerConfig returns the default breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenMaxProbes: 3,
		SuccessThreshold:  2,
	}
}

// CircuitBreaker guards one upstream key (a node, an endpoint host, a
// provider). Closed counts consecutive failures; open fails fast; any
// probe failure in half-open reopens the circuit immediately.
type CircuitBreaker struct {
	key    string
	config BreakerConfig
	bus    *EventBus
	logger *zap.Logger

	mu          sync.RWMutex
	state       CircuitState
	failures    int
	successes   int
	probeCount  int
	lastFailure time.Time
	collector   *metrics.Collector
	now         func() time.Time
}

// NewCircuitBreaker creates a closed breaker for a key.
func NewCircuitBreaker(key string, config BreakerConfig, bus *EventBus, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		key:    key,
		config: config,
		bus:    bus,
		logger: logger.With(zap.String("breaker_key", key)),
		state:  CircuitClosed,
		now:    time.Now,
	}
}

// WithMetrics attaches a collector for state-transition counters.
func (cb *CircuitBreaker) WithMetrics(c *metrics.Collector) *CircuitBreaker {
	cb.mu.Lock()
	cb.collector = c
	cb.mu.Unlock()
	return cb
}

// AllowRequest reports whether a request may proceed. While open it
// returns a typed ErrCircuitOpen so callers can fail fast without
// touching the upstream.
func (cb *CircuitBreaker) AllowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.config.RecoveryTimeout {
			cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			cb.probeCount = 1
			cb.successes = 0
			return nil
		}
		remaining := cb.config.RecoveryTimeout - cb.now().Sub(cb.lastFailure)
		return types.NewError(types.ErrCircuitOpen,
			fmt.Sprintf("circuit open for %s after %d consecutive failures, retry in %v",
				cb.key, cb.failures, remaining.Round(time.Millisecond))).
			WithCategory(types.CategoryExternalService).
			WithSeverity(types.SeverityPersistent)

	case CircuitHalfOpen:
		if cb.probeCount < cb.config.HalfOpenMaxProbes {
			cb.probeCount++
			return nil
		}
		return types.NewError(types.ErrCircuitOpen,
			fmt.Sprintf("circuit half-open for %s, probe budget (%d) exhausted",
				cb.key, cb.config.HalfOpenMaxProbes)).
			WithCategory(types.CategoryExternalService).
			WithSeverity(types.SeverityPersistent)

	default:
		return types.NewError(types.ErrInternal,
			fmt.Sprintf("unknown circuit state %d for %s", cb.state, cb.key))
	}
}

// RecordSuccess feeds a successful call into the state machine.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed,
				fmt.Sprintf("%d consecutive probe successes", cb.successes))
			cb.failures = 0
			cb.successes = 0
			cb.probeCount = 0
		}
	}
}

// RecordFailure feeds a failed call into the state machine.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen,
				fmt.Sprintf("%d consecutive failures", cb.failures))
		}
	case CircuitHalfOpen:
		cb.successes = 0
		cb.transitionTo(CircuitOpen, "probe failure in half-open")
	}
}

// Do runs fn under the breaker: fail-fast if open, outcome recorded.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if err := cb.AllowRequest(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the current consecutive-failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitClosed {
		cb.transitionTo(CircuitClosed, "manual reset")
	}
	cb.failures = 0
	cb.successes = 0
	cb.probeCount = 0
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	if cb.collector != nil {
		cb.collector.RecordBreakerTransition(cb.key, oldState.String(), newState.String())
	}
	if cb.bus != nil {
		cb.bus.Publish(Event{
			Type:   EventBreakerStateChanged,
			NodeID: cb.key,
			Payload: map[string]any{
				"old_state": oldState.String(),
				"new_state": newState.String(),
				"reason":    reason,
				"failures":  cb.failures,
			},
		})
	}
}

// BreakerRegistry hands out one breaker per key.
type BreakerRegistry struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	config    BreakerConfig
	bus       *EventBus
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(config BreakerConfig, bus *EventBus, logger *zap.Logger) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		bus:      bus,
		logger:   logger,
	}
}

// WithMetrics attaches a collector applied to all breakers the registry
// creates.
func (r *BreakerRegistry) WithMetrics(c *metrics.Collector) *BreakerRegistry {
	r.mu.Lock()
	r.collector = c
	r.mu.Unlock()
	return r
}

// GetOrCreate returns the breaker for a key, creating it on first use.
func (r *BreakerRegistry) GetOrCreate(key string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[key]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb := NewCircuitBreaker(key, r.config, r.bus, r.logger)
	if r.collector != nil {
		cb.WithMetrics(r.collector)
	}
	r.breakers[key] = cb
	return cb
}

// GetAllStates snapshots every breaker's state.
func (r *BreakerRegistry) GetAllStates() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]CircuitState, len(r.breakers))
	for key, cb := range r.breakers {
		states[key] = cb.State()
	}
	return states
}

// ResetAll closes every breaker.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
