// Package graph defines the workflow graph model: nodes, edges and the
// typed per-node-type configuration union.
//
// A WorkflowGraph is owned by whichever component currently holds it and
// is never mutated in place. Auto-fixes, execution side effects and
// version snapshots all operate on clones.
package graph
