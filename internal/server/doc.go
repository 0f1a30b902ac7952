// Package server exposes the orchestrator and the model volume over HTTP.
package server
