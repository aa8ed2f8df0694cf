package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/careflowhq/careflow/types"
)

// Action is a corrective measure the self-healing loop can take.
type Action string

const (
	ActionScale            Action = "scale"
	ActionRestart          Action = "restart"
	ActionClearCache       Action = "clear_cache"
	ActionResetConnections Action = "reset_connections"
)

// RuntimeActuator applies corrective actions to the surrounding
// runtime. Implementations are deployment-specific; the analyzer only
// decides when and what.
type RuntimeActuator interface {
	Scale(ctx context.Context, delta int) error
	Restart(ctx context.Context, component string) error
	ClearCache(ctx context.Context) error
	ResetConnections(ctx context.Context) error
}

// AnalyzerConfig tunes the failure-pattern detector.
type AnalyzerConfig struct {
	// Window is the sliding interval failures are counted over.
	Window time.Duration `yaml:"window" json:"window"`
	// Threshold is the per-category failure count that triggers a
	// corrective action.
	Threshold int `yaml:"threshold" json:"threshold"`
}

// DefaultAnalyzerConfig returns the default detection tuning.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		Window:    5 * time.Minute,
		Threshold: 10,
	}
}

// PatternAnalyzer watches the failure stream for category clusters and
// fires one corrective action per threshold crossing.
type PatternAnalyzer struct {
	config   AnalyzerConfig
	actuator RuntimeActuator
	bus      *EventBus
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	failures map[types.Category][]time.Time
}

// NewPatternAnalyzer creates an analyzer. A nil actuator disables
// actions but keeps detection and events.
func NewPatternAnalyzer(config AnalyzerConfig, actuator RuntimeActuator, bus *EventBus, logger *zap.Logger) *PatternAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatternAnalyzer{
		config:   config,
		actuator: actuator,
		bus:      bus,
		logger:   logger.With(zap.String("component", "self_healing")),
		now:      time.Now,
		failures: make(map[types.Category][]time.Time),
	}
}

// Observe feeds one failure into the sliding window. When a category
// crosses the threshold the matching corrective action runs and the
// category's window resets so one incident fires one action.
func (a *PatternAnalyzer) Observe(ctx context.Context, err error) {
	category := types.CategoryOf(err)
	now := a.now()
	cutoff := now.Add(-a.config.Window)

	a.mu.Lock()
	window := append(a.failures[category], now)
	pruned := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	a.failures[category] = pruned
	triggered := len(pruned) >= a.config.Threshold
	count := len(pruned)
	if triggered {
		a.failures[category] = nil
	}
	a.mu.Unlock()

	if !triggered {
		return
	}
	a.heal(ctx, category, count)
}

func (a *PatternAnalyzer) heal(ctx context.Context, category types.Category, count int) {
	action := actionFor(category)

	a.logger.Warn("failure pattern detected, triggering corrective action",
		zap.String("category", string(category)),
		zap.Int("failures_in_window", count),
		zap.String("action", string(action)))

	var err error
	if a.actuator != nil {
		switch action {
		case ActionScale:
			err = a.actuator.Scale(ctx, 1)
		case ActionClearCache:
			err = a.actuator.ClearCache(ctx)
		case ActionResetConnections:
			err = a.actuator.ResetConnections(ctx)
		default:
			err = a.actuator.Restart(ctx, string(category))
		}
	}
	if err != nil {
		a.logger.Error("corrective action failed",
			zap.String("action", string(action)), zap.Error(err))
	}

	if a.bus != nil {
		a.bus.Publish(Event{
			Type: EventSelfHealingTriggered,
			Payload: map[string]any{
				"category": string(category),
				"action":   string(action),
				"failures": count,
				"applied":  err == nil && a.actuator != nil,
			},
		})
	}
}

// actionFor picks the corrective measure by failing subsystem.
func actionFor(category types.Category) Action {
	switch category {
	case types.CategoryResource:
		return ActionScale
	case types.CategoryNetwork, types.CategoryExternalService:
		return ActionResetConnections
	case types.CategoryStorage:
		return ActionClearCache
	default:
		return ActionRestart
	}
}
