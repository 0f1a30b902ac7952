// Package orchestrator implements the engine lifecycle state machine. It is
// the single writer of engine records in the coordination store: every
// state-changing operation acquires the engine's distributed lock, applies
// the transition with a compare-and-set write, and releases the lock, so at
// most one workload per engine exists across all replicas.
package orchestrator
