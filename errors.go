package jobqueue

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("jobqueue: no store configured")
	ErrStoreClosed = errors.New("jobqueue: store closed")

	// Not found errors.
	ErrJobNotFound     = errors.New("jobqueue: job not found")
	ErrArchiveNotFound = errors.New("jobqueue: archive entry not found")
	ErrCronNotFound    = errors.New("jobqueue: cron entry not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("jobqueue: job already exists")
	ErrDuplicateCron    = errors.New("jobqueue: duplicate cron entry")

	// State errors.
	ErrInvalidTransition  = errors.New("jobqueue: invalid state transition")
	ErrJobTerminal        = errors.New("jobqueue: job is in a terminal state")
	ErrMaxRetriesExceeded = errors.New("jobqueue: max retries exceeded")
	ErrJobExpired         = errors.New("jobqueue: job expired before execution")

	// Execution errors.
	ErrTimeout        = errors.New("jobqueue: job execution timed out")
	ErrCancelled      = errors.New("jobqueue: job cancelled")
	ErrNoProcessor    = errors.New("jobqueue: no processor registered for job type")
	ErrUnknownJobType = errors.New("jobqueue: unknown job type")

	// Cancellation errors.
	ErrCancellationInFlight = errors.New("jobqueue: job is already being cancelled")
	ErrCancelNotAllowed     = errors.New("jobqueue: cancellation not permitted by type policy")
	ErrForcedSystemOnly     = errors.New("jobqueue: forced cancellation is restricted to system requests")
)

// ErrorClass categorizes a job failure for retry policy decisions.
// Classification prefers a structured SchemaError/ErrTimeout/ClassifiedError
// over message-text matching; see retry.Classify.
type ErrorClass string

const (
	ClassTimeout    ErrorClass = "TIMEOUT"
	ClassValidation ErrorClass = "VALIDATION_ERROR"
	ClassNetwork    ErrorClass = "NETWORK_ERROR"
	ClassNotFound   ErrorClass = "NOT_FOUND"
	ClassRateLimit  ErrorClass = "RATE_LIMIT_EXCEEDED"
	ClassAuth       ErrorClass = "AUTHENTICATION_ERROR"
	ClassPermission ErrorClass = "PERMISSION_DENIED"
	ClassDatabase   ErrorClass = "DATABASE_ERROR"
	ClassStorage    ErrorClass = "STORAGE_ERROR"
	ClassCancelled  ErrorClass = "CANCELLED"
	ClassUnknown    ErrorClass = "UNKNOWN_ERROR"
)

// ClassifiedError is a processor error with an explicit class, letting
// processors opt out of message-text classification.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

// NewClassifiedError wraps err with an explicit error class.
func NewClassifiedError(class ErrorClass, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Err: err}
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// SchemaError reports a payload that failed validation against its
// type's schema. Schema errors are fatal: they are never retried.
type SchemaError struct {
	JobType string
	Reason  string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("jobqueue: payload for %s failed schema validation: %s", e.JobType, e.Reason)
}
