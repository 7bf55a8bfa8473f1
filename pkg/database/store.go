package database

import (
	"context"
	"time"

	"transcode-orchestrator/pkg/job"
)

// Store is the durable record of transcode jobs. It is the single source of
// truth and the serialization point for all state changes: every mutation
// goes through CompareAndTransition so that at most one caller advances a
// given job, even with workers spread across hosts.
type Store interface {
	// Create inserts a CREATED job for the given source location.
	// Returns job.ErrValidation when sourceLocation is empty.
	Create(ctx context.Context, sourceLocation string) (*job.Job, error)

	// CreateWithSubmitTask inserts the job and an outbox row for the initial
	// submit task in a single transaction, so a crash between the two cannot
	// strand a job without a task.
	CreateWithSubmitTask(ctx context.Context, sourceLocation string) (*job.Job, error)

	// Get returns the job or job.ErrNotFound.
	Get(ctx context.Context, id string) (*job.Job, error)

	// CompareAndTransition atomically moves the job from expectedState to
	// nextState, applying mutate to the new record before the write. The
	// write happens only if both the stored version and state match; on
	// mismatch it returns job.ErrConflict and leaves the record untouched.
	// expectedState == nextState is permitted as a progress touch (bumps
	// version and updated_at without traversing a graph edge).
	CompareAndTransition(ctx context.Context, id string, expectedVersion int64, expectedState, nextState job.State, mutate func(*job.Job)) (*job.Job, error)

	// ListStuck returns up to limit jobs in the given states whose
	// updated_at is older than the cutoff, oldest first.
	ListStuck(ctx context.Context, olderThan time.Time, states []job.State, limit int) ([]job.Job, error)

	// FetchOutbox returns up to limit pending outbox tasks, oldest first.
	FetchOutbox(ctx context.Context, limit int) ([]OutboxTask, error)

	// DeleteOutbox removes an outbox task after it has been published.
	DeleteOutbox(ctx context.Context, id string) error

	Close()
}

// OutboxTask is a queued dispatch recorded transactionally with its job.
type OutboxTask struct {
	ID        string
	JobID     string
	Action    string
	CreatedAt time.Time
}
