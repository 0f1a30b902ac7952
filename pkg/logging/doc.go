// Package logging provides the structured logging system for engineroom.
//
// It is a thin layer over Go's standard slog package. Every entry carries a
// subsystem attribute so that output from the orchestrator, the cluster
// driver, the coordination store and the HTTP layer can be told apart and
// filtered by log tooling.
//
// Usage:
//
//	logging.Init(logging.LevelInfo, os.Stdout)
//	logging.Info("Orchestrator", "engine %s is ready at %s", id, endpoint)
//	logging.Error("Cluster", err, "failed to delete workload %s", ref)
//
// Init also wires the controller-runtime logger to the same handler so that
// Kubernetes client internals share the pipeline.
package logging
