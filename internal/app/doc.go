// Package app wires the service together: coordination store, cluster
// driver, registry, orchestrator, reaper, model volume and HTTP server.
package app
