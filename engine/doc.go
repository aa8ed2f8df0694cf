// Package engine executes validated workflow graphs.
//
// An Engine is shared and stateless; each execution is a Run holding
// its own ExecutionState. Control-flow nodes (if-else, loops, delay)
// are interpreted in-process, external steps (ai-agent, data-*) are
// delegated to an injected StepExecutor. Pause, resume and stop take
// effect at node boundaries, never mid-step, so checkpoints written
// through the Checkpointer always describe a consistent frontier.
package engine
