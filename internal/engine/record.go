package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle state of an engine.
type State string

const (
	StateAbsent       State = "Absent"
	StateProvisioning State = "Provisioning"
	StateReady        State = "Ready"
	StateStopping     State = "Stopping"
	StateFailed       State = "Failed"
)

// validTransitions lists the allowed lifecycle edges. A transition not listed
// here is a bug in the caller, never a recoverable condition.
var validTransitions = map[State][]State{
	StateAbsent:       {StateProvisioning},
	StateProvisioning: {StateReady, StateFailed},
	StateReady:        {StateStopping},
	StateStopping:     {StateAbsent},
	StateFailed:       {StateStopping},
}

// CanTransition reports whether the edge from -> to is part of the lifecycle.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ImageSpec describes the container workload requested for an engine.
type ImageSpec struct {
	// Image is the container image reference.
	Image string `json:"image"`

	// Port is the container port the model server listens on.
	Port int32 `json:"port"`

	// PullSecret optionally names an image pull secret in the target namespace.
	PullSecret string `json:"pullSecret,omitempty"`

	// Env is passed to the container verbatim.
	Env map[string]string `json:"env,omitempty"`
}

// Equal reports whether two specs would produce the same workload.
func (s ImageSpec) Equal(other ImageSpec) bool {
	if s.Image != other.Image || s.Port != other.Port || s.PullSecret != other.PullSecret {
		return false
	}
	if len(s.Env) != len(other.Env) {
		return false
	}
	for k, v := range s.Env {
		if other.Env[k] != v {
			return false
		}
	}
	return true
}

// Record is the persisted state of one engine. It is the value stored under
// the engine's node in the coordination store; the node version is the CAS
// token for writes, the Version field is a monotone transition counter kept
// for observability.
type Record struct {
	EngineID       string    `json:"engineId"`
	State          State     `json:"state"`
	Spec           ImageSpec `json:"spec"`
	WorkloadRef    string    `json:"workloadRef,omitempty"`
	Endpoint       string    `json:"endpoint,omitempty"`
	ErrorDetail    string    `json:"errorDetail,omitempty"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Transition moves the record to a new state, bumping the version counter
// and the update timestamp. It returns an error when the edge is not part of
// the lifecycle. The endpoint is only meaningful while Ready, so any
// transition away from Ready clears it.
func (r *Record) Transition(to State) error {
	if !CanTransition(r.State, to) {
		return fmt.Errorf("invalid engine state transition %s -> %s for engine %s", r.State, to, r.EngineID)
	}
	r.State = to
	if to != StateReady {
		r.Endpoint = ""
	}
	r.Version++
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// Marshal serializes the record for storage.
func (r *Record) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal engine record %s: %w", r.EngineID, err)
	}
	return data, nil
}

// Unmarshal deserializes a record from its stored form.
func Unmarshal(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal engine record: %w", err)
	}
	return &rec, nil
}

// NewRecord creates a fresh record in the Provisioning state, as written on
// the first Start intent for an engine.
func NewRecord(engineID string, spec ImageSpec) *Record {
	now := time.Now().UTC()
	return &Record{
		EngineID:       engineID,
		State:          StateProvisioning,
		Spec:           spec,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
}
