package job

import "time"

type State string

const (
	StateCreated    State = "CREATED"
	StateSubmitted  State = "SUBMITTED"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

// Job tracks a single media item from upload through transcode completion.
// All authoritative state lives in the store; workers re-read before every
// transition and never cache a job across task handlings.
type Job struct {
	ID             string    `json:"id"`
	State          State     `json:"state"`
	SourceLocation string    `json:"source_location"`
	ExternalJobRef string    `json:"external_job_ref,omitempty"`
	OutputLocation string    `json:"output_location,omitempty"`
	AttemptCount   int       `json:"attempt_count"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Version        int64     `json:"version"`
}

// Terminal reports whether no further transitions are accepted from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// transitions is the directed graph of allowed state changes.
// SUBMITTED/PROCESSING -> CREATED is the explicit resubmission edge
// (retryable remote error, attempt_count incremented by the caller).
var transitions = map[State][]State{
	StateCreated:    {StateSubmitted, StateCancelled, StateFailed},
	StateSubmitted:  {StateProcessing, StateCompleted, StateCreated, StateFailed},
	StateProcessing: {StateCompleted, StateCreated, StateFailed},
}

// CanTransition reports whether from -> to is an edge of the state graph.
// A same-state write is not a transition; the store allows it separately
// as a progress touch.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
