// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the orchestration subsystem's Prometheus metrics.
type Collector struct {
	// Workflow execution metrics
	workflowExecutionsTotal   *prometheus.CounterVec
	workflowExecutionDuration *prometheus.HistogramVec
	nodeExecutionsTotal       *prometheus.CounterVec
	nodeExecutionDuration     *prometheus.HistogramVec

	// Validation metrics
	validationsTotal *prometheus.CounterVec
	validationIssues *prometheus.CounterVec

	// Resilience metrics
	breakerTransitions *prometheus.CounterVec
	recoveryAttempts   *prometheus.CounterVec
	deadLetterDepth    prometheus.Gauge
	checkpointWrites   *prometheus.CounterVec

	// Webhook metrics
	webhookAttempts *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registered against the given
// registerer. Pass prometheus.DefaultRegisterer in production; tests use
// a fresh registry to avoid duplicate registration.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.workflowExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Total number of workflow executions by terminal status",
		},
		[]string{"workflow_id", "status"},
	)

	c.workflowExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_execution_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"workflow_id"},
	)

	c.nodeExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of node executions",
		},
		[]string{"node_type", "status"},
	)

	c.nodeExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_execution_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node_type"},
	)

	c.validationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Total number of graph validations",
		},
		[]string{"severity"},
	)

	c.validationIssues = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_issues_total",
			Help:      "Total validation issues by kind",
		},
		[]string{"kind"}, // error, warning
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"upstream", "from", "to"},
	)

	c.recoveryAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_attempts_total",
			Help:      "Recovery strategy attempts by outcome",
		},
		[]string{"strategy", "outcome"},
	)

	c.deadLetterDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dead_letter_queue_depth",
			Help:      "Current number of items in the dead-letter queue",
		},
	)

	c.checkpointWrites = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_writes_total",
			Help:      "Checkpoint writes by outcome",
		},
		[]string{"outcome"}, // saved, stale, error
	)

	c.webhookAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_attempts_total",
			Help:      "Webhook delivery attempts by outcome",
		},
		[]string{"host", "outcome"}, // sent, retry, failed, rejected
	)

	return c
}

// RecordWorkflowExecution records a terminal workflow run.
func (c *Collector) RecordWorkflowExecution(workflowID, status string, duration time.Duration) {
	c.workflowExecutionsTotal.WithLabelValues(workflowID, status).Inc()
	c.workflowExecutionDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
}

// RecordNodeExecution records a single node dispatch.
func (c *Collector) RecordNodeExecution(nodeType, status string, duration time.Duration) {
	c.nodeExecutionsTotal.WithLabelValues(nodeType, status).Inc()
	c.nodeExecutionDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// RecordValidation records a validation pass.
func (c *Collector) RecordValidation(severity string, errors, warnings int) {
	c.validationsTotal.WithLabelValues(severity).Inc()
	c.validationIssues.WithLabelValues("error").Add(float64(errors))
	c.validationIssues.WithLabelValues("warning").Add(float64(warnings))
}

// RecordBreakerTransition records a circuit breaker state change.
func (c *Collector) RecordBreakerTransition(upstream, from, to string) {
	c.breakerTransitions.WithLabelValues(upstream, from, to).Inc()
}

// RecordRecoveryAttempt records a recovery strategy attempt.
func (c *Collector) RecordRecoveryAttempt(strategy, outcome string) {
	c.recoveryAttempts.WithLabelValues(strategy, outcome).Inc()
}

// SetDeadLetterDepth sets the current dead-letter queue depth.
func (c *Collector) SetDeadLetterDepth(depth int) {
	c.deadLetterDepth.Set(float64(depth))
}

// RecordCheckpointWrite records a checkpoint write outcome.
func (c *Collector) RecordCheckpointWrite(outcome string) {
	c.checkpointWrites.WithLabelValues(outcome).Inc()
}

// RecordWebhookAttempt records a webhook delivery attempt.
func (c *Collector) RecordWebhookAttempt(host, outcome string) {
	c.webhookAttempts.WithLabelValues(host, outcome).Inc()
}
