package qa

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacity is returned when the pool or orchestrator is at its concurrency ceiling.
	ErrCapacity = errors.New("capacity exceeded")
	// ErrTimeout is returned when an operation did not finish within its bound.
	ErrTimeout = errors.New("operation timed out")
	// ErrWorkerHealth marks a worker that failed a liveness probe.
	ErrWorkerHealth = errors.New("worker unhealthy")
	// ErrRateLimited is returned when a target site kept throttling a submission.
	ErrRateLimited = errors.New("rate limited by target")
	// ErrChecker marks a failed analysis pass.
	ErrChecker = errors.New("checker failed")
	// ErrFatalMemory is raised when the process crosses its restart ceiling.
	ErrFatalMemory = errors.New("memory restart threshold exceeded")
	// ErrUnauthorized is returned by collaborators with missing or expired credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned by components that have been shut down.
	ErrClosed = errors.New("closed")
	// ErrInvalidRequest marks caller input that can never succeed.
	ErrInvalidRequest = errors.New("invalid request")
)

// CheckerError wraps the failure of a single checker pass.
type CheckerError struct {
	Kind CheckKind
	Err  error
}

func (e *CheckerError) Error() string {
	return fmt.Sprintf("%s checker: %v", e.Kind, e.Err)
}

// Unwrap exposes the cause.
func (e *CheckerError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrChecker) match any CheckerError.
func (e *CheckerError) Is(target error) bool {
	return target == ErrChecker
}

// IsRetryable reports whether a job-level failure is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCapacity) || errors.Is(err, ErrTimeout)
}
