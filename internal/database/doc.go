// Package database manages the relational connection pool backing the
// workflow version store. It wraps gorm with pool sizing, periodic
// health checks and transaction retry for transient failures.
package database
