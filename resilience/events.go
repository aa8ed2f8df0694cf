package resilience

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/careflowhq/careflow/internal/channel"
)

// EventType identifies a resilience event on the bus.
type EventType string

const (
	EventManualInterventionRequired EventType = "manual_intervention_required"
	EventDeadLetterQueued           EventType = "dead_letter_queued"
	EventRecoverySuccess            EventType = "recovery_success"
	EventClinicalExpertRequired     EventType = "clinical_expert_required"
	EventBreakerStateChanged        EventType = "breaker_state_changed"
	EventSelfHealingTriggered       EventType = "self_healing_triggered"
)

// Event is one notification emitted by the resilience layer.
type Event struct {
	Type       EventType      `json:"type"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// EventBus is a bounded, non-blocking fan-in of resilience events.
// Publishing never blocks the failure path: when the buffer is full the
// oldest event is dropped and counted.
type EventBus struct {
	ch      *channel.Bounded[Event]
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewEventBus creates a bus with the given buffer size.
func NewEventBus(size int, logger *zap.Logger) *EventBus {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		ch:     channel.NewBounded[Event](size),
		logger: logger.With(zap.String("component", "event_bus")),
	}
}

// Publish enqueues an event, evicting the oldest one under pressure.
func (b *EventBus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if b.ch.TrySend(ev) {
		return
	}
	// Full: evict the oldest and retry once.
	if old, ok := b.ch.TryReceive(); ok {
		b.dropped.Add(1)
		b.logger.Warn("event bus full, dropping oldest event",
			zap.String("dropped_type", string(old.Type)))
	}
	if !b.ch.TrySend(ev) {
		b.dropped.Add(1)
	}
}

// Events exposes the receive side for consumers.
func (b *EventBus) Events() <-chan Event {
	return b.ch.Chan()
}

// Dropped reports how many events were lost to backpressure.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}
