// Package resilience keeps workflow runs alive through upstream
// failures.
//
// It layers circuit breakers per upstream key, severity-budgeted
// retries, durable checkpoints (memory or redis), a recovery
// coordinator that walks severity-specific strategy chains, and a
// prioritized dead-letter queue for failures nothing could fix. A
// bounded event bus carries escalations (manual intervention, clinical
// expert review) and state changes to whoever is listening; the
// pattern analyzer watches that failure stream and triggers corrective
// runtime actions when one category clusters.
package resilience
