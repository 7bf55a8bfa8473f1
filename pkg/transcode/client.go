// Package transcode abstracts the external transcoding service. The service
// is asynchronous and opaque: Submit hands it a source object, Poll reports
// progress under an external reference, Cancel is advisory. Push
// notifications from the service are never trusted for state; Poll is always
// the source of truth.
package transcode

import "context"

type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusError   Status = "ERROR"
)

// Observation is one snapshot of a remote transcode's progress.
type Observation struct {
	Status         Status
	OutputLocation string // set when Status == DONE
	Retryable      bool   // meaningful when Status == ERROR
	Message        string // meaningful when Status == ERROR
}

type Client interface {
	// Submit starts a transcode of the source object and returns the
	// service's reference for it. Throttling and network failures are
	// classified transient, malformed input permanent.
	Submit(ctx context.Context, sourceLocation string) (string, error)

	// Poll reports the current remote state. Idempotent; safe to call
	// repeatedly.
	Poll(ctx context.Context, externalJobRef string) (Observation, error)

	// Cancel requests the remote side stop work. Best effort: absence of
	// the job at the remote side is not an error.
	Cancel(ctx context.Context, externalJobRef string) error
}
