package taskqueue

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the boundary error taxonomy (spec.md §6). Wrap
// with fmt.Errorf("%w: %w", ...) — never "%w: %v" — so both the sentinel and
// the underlying cause survive errors.Is/errors.As (see
// stateadapter/pgadapter's error-wrapping tests for the doctrine this
// enforces).
var (
	// ErrJobNotFound is returned when an operation targets a job id that no
	// longer exists (e.g. deleted by a chain-tree cleanup).
	ErrJobNotFound = errors.New("taskqueue: job not found")

	// ErrJobAlreadyCompleted is returned when a complete-phase operation
	// targets a job whose status is already StatusCompleted.
	ErrJobAlreadyCompleted = errors.New("taskqueue: job already completed")

	// ErrJobTakenByAnotherWorker is returned when a lease-bearing operation
	// discovers the job is leased by a different worker id.
	ErrJobTakenByAnotherWorker = errors.New("taskqueue: job taken by another worker")

	// ErrNotInTransaction is returned by operations that require an active
	// state-adapter transaction (enqueue, complete) when called outside one.
	ErrNotInTransaction = errors.New("taskqueue: operation requires an active transaction")

	// ErrCompleteCalledTwice guards the "exactly one of terminal output or
	// continuation, and exactly once" rule in CompleteJobChain.
	ErrCompleteCalledTwice = errors.New("taskqueue: complete callback invoked more than once")
)

// JobTypeValidationErrorCode enumerates why a Client rejected a type name or
// payload.
type JobTypeValidationErrorCode string

const (
	CodeUnknownType        JobTypeValidationErrorCode = "unknown-type"
	CodeNotEntry           JobTypeValidationErrorCode = "not-entry"
	CodeInputInvalid       JobTypeValidationErrorCode = "input-invalid"
	CodeOutputInvalid      JobTypeValidationErrorCode = "output-invalid"
	CodeContinuationInvalid JobTypeValidationErrorCode = "continuation-invalid"
	CodeBlockerInvalid     JobTypeValidationErrorCode = "blocker-invalid"
)

// JobTypeValidationError is returned when starting a chain, continuing, or
// adding blockers references an unregistered type, a non-entry type where an
// entry type is required, or a payload that fails its registered validator.
type JobTypeValidationError struct {
	Code     JobTypeValidationErrorCode
	TypeName string
	Err      error
}

func (e *JobTypeValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("taskqueue: job type validation failed for %q (%s): %v", e.TypeName, e.Code, e.Err)
	}
	return fmt.Sprintf("taskqueue: job type validation failed for %q (%s)", e.TypeName, e.Code)
}

func (e *JobTypeValidationError) Unwrap() error { return e.Err }

// WaitForJobChainCompletionTimeoutError is returned by
// WaitForJobChainCompletion when the combined caller/timeout abort signal
// fires before the chain reaches a terminal state.
type WaitForJobChainCompletionTimeoutError struct {
	ChainID string
	Reason  string // "timeout" or "aborted"
}

func (e *WaitForJobChainCompletionTimeoutError) Error() string {
	return fmt.Sprintf("taskqueue: wait for chain %q completion %s", e.ChainID, e.Reason)
}

// RescheduleJobError may be returned by a job handler (see worker.AttemptContext)
// to explicitly control the next schedule instead of falling back to the
// default backoff curve.
type RescheduleJobError struct {
	Schedule Schedule
	Cause    error
}

func (e *RescheduleJobError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("taskqueue: reschedule requested: %v", e.Cause)
	}
	return "taskqueue: reschedule requested"
}

func (e *RescheduleJobError) Unwrap() error { return e.Cause }
