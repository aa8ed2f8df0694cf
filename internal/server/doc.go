// Package server owns the lifecycle of the careflow HTTP listeners:
// non-blocking start, graceful shutdown and signal handling.
package server
