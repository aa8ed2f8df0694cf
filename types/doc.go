// Package types defines the shared error taxonomy for the CareFlow
// orchestration subsystem.
//
// Failures carry two independent axes: Severity (how bad) and Category
// (which subsystem). The resilience layer maps the pair to an ordered
// recovery strategy chain, so every error that crosses a component
// boundary should be a *types.Error or wrap one.
package types
