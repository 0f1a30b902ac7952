// Package api defines the lifecycle contract between the HTTP layer, the
// orchestrator and the reaper: the orchestrator interface, the status shape
// returned to callers, and the error taxonomy with its Is* helpers.
package api
