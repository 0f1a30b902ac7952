package api

import (
	"context"
	"time"

	"engineroom/internal/engine"
)

// EngineStatus is the record shape returned to API callers. Status always
// returns a well-formed value, failed engines included, with ErrorDetail
// populated; callers poll rather than being pushed failures.
type EngineStatus struct {
	EngineID       string       `json:"engineId"`
	State          engine.State `json:"state"`
	Endpoint       string       `json:"endpoint,omitempty"`
	WorkloadRef    string       `json:"workloadRef,omitempty"`
	ErrorDetail    string       `json:"errorDetail,omitempty"`
	Version        int64        `json:"version"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
}

// StatusFromRecord converts a stored record into the API shape.
func StatusFromRecord(rec *engine.Record) EngineStatus {
	return EngineStatus{
		EngineID:       rec.EngineID,
		State:          rec.State,
		Endpoint:       rec.Endpoint,
		WorkloadRef:    rec.WorkloadRef,
		ErrorDetail:    rec.ErrorDetail,
		Version:        rec.Version,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
		LastActivityAt: rec.LastActivityAt,
	}
}

// AbsentStatus is the well-formed status for an engine with no record.
func AbsentStatus(engineID string) EngineStatus {
	return EngineStatus{
		EngineID: engineID,
		State:    engine.StateAbsent,
	}
}

// Orchestrator is the engine lifecycle contract consumed by the HTTP layer
// and the idle reaper.
type Orchestrator interface {
	// Start brings the engine up, or reports its current state when it is
	// already provisioning or running. Provisioning failures come back as a
	// Failed record, not as an error.
	Start(ctx context.Context, engineID string, spec engine.ImageSpec) (EngineStatus, error)

	// Stop tears the engine down. Stop on an absent engine is a no-op
	// success.
	Stop(ctx context.Context, engineID string) (EngineStatus, error)

	// Status reports the engine's current record.
	Status(engineID string) EngineStatus

	// List reports all non-absent engines.
	List() []EngineStatus

	// Touch refreshes the engine's last-activity timestamp.
	Touch(ctx context.Context, engineID string) error
}
