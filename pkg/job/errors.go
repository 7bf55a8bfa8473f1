package job

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job id does not exist in the store.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when a conditional write loses the race:
	// the stored version or state no longer matches the caller's read.
	// The stored record is untouched; reload and reconsider.
	ErrConflict = errors.New("job version or state conflict")
	// ErrValidation is returned for bad input. Never retried.
	ErrValidation = errors.New("invalid input")
)

// FailureClass splits external failures into the two retry policies.
type FailureClass int

const (
	// FailureTransient errors (timeouts, throttling, network) are retried
	// with backoff up to the attempt budget.
	FailureTransient FailureClass = iota
	// FailurePermanent errors (bad input, permission denial) are certain
	// to recur and surface immediately as terminal job failure.
	FailurePermanent
)

func (c FailureClass) String() string {
	if c == FailurePermanent {
		return "permanent"
	}
	return "transient"
}

// ClassifiedError wraps an external failure with its retry class.
type ClassifiedError struct {
	Class FailureClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return &ClassifiedError{Class: FailureTransient, Err: err}
}

// Permanent wraps err as an unretryable failure.
func Permanent(err error) error {
	return &ClassifiedError{Class: FailurePermanent, Err: err}
}

// Classify returns the retry class of err. Deadline expiry and anything
// left unclassified default to transient: the attempt budget and the
// reconciler bound the retries either way.
func Classify(err error) FailureClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}
	return FailureTransient
}

// IsPermanent reports whether err is classified unretryable.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == FailurePermanent
}
