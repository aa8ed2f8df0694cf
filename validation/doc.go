// Package validation gates workflow graphs before execution.
//
// Validate runs structural, connectivity, configuration, compliance and
// performance checks and returns every finding as data: validation never
// returns a Go error for a bad graph. Results are cached for a short TTL
// keyed by graph content hash so repeated validation of an unchanged
// graph is free.
package validation
