// Package retry implements the per-type retry policy engine: backoff
// strategies, error classification, attempt bookkeeping, reschedule
// timers, rolling statistics, and failure escalation.
package retry

import (
	"time"

	"github.com/taxfold/jobqueue"
	"github.com/taxfold/jobqueue/job"
)

// Strategy selects how the delay before the next attempt is computed.
type Strategy string

const (
	// StrategyExponential multiplies the delay each attempt:
	// min(base · mult^(n-1), max).
	StrategyExponential Strategy = "exponential"
	// StrategyLinear grows the delay linearly:
	// min(base · (1 + (n-1) · mult), max).
	StrategyLinear Strategy = "linear"
	// StrategyFixed always waits the base delay.
	StrategyFixed Strategy = "fixed"
	// StrategyImmediate retries after the base delay, conventionally
	// configured as zero.
	StrategyImmediate Strategy = "immediate"
	// StrategyBusinessHours retries after the base delay during
	// business hours (Mon–Fri 09:00–18:00 in the policy timezone) and
	// otherwise defers to the next business day's opening.
	StrategyBusinessHours Strategy = "business_hours_only"
)

// Policy is the per-type retry configuration.
type Policy struct {
	Strategy          Strategy
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterEnabled     bool

	// Retryable, when non-empty, is an allowlist: only these classes
	// retry. NonRetryable always wins over Retryable.
	Retryable    []jobqueue.ErrorClass
	NonRetryable []jobqueue.ErrorClass

	// Timezone anchors the business-hours window, e.g. "Europe/Berlin".
	// Empty means UTC. Organizations may override it on the engine.
	Timezone string

	// EscalationThreshold raises an escalation record once a job's
	// attempt count reaches it. Zero disables escalation.
	EscalationThreshold int
}

// DefaultPolicy returns the platform default retry policy: exponential
// backoff from the job's base delay with jitter, three attempts.
func DefaultPolicy() Policy {
	return Policy{
		Strategy:          StrategyExponential,
		MaxRetries:        3,
		BaseDelay:         30 * time.Second,
		MaxDelay:          30 * time.Minute,
		BackoffMultiplier: 2,
		JitterEnabled:     true,
		NonRetryable: []jobqueue.ErrorClass{
			jobqueue.ClassValidation,
			jobqueue.ClassAuth,
			jobqueue.ClassPermission,
		},
		EscalationThreshold: 0,
	}
}

// allowsClass reports whether the policy permits retrying the class.
// Timeout and validation failures retry only when explicitly listed.
func (p Policy) allowsClass(class jobqueue.ErrorClass) bool {
	for _, c := range p.NonRetryable {
		if c == class {
			return false
		}
	}

	listed := false
	for _, c := range p.Retryable {
		if c == class {
			listed = true
			break
		}
	}

	switch class {
	case jobqueue.ClassTimeout, jobqueue.ClassValidation:
		return listed
	case jobqueue.ClassCancelled:
		return false
	}

	if len(p.Retryable) > 0 {
		return listed
	}
	return true
}

// Attempt records one retry of a job. Attempts are kept in order on
// the durable store, cleared on success, and copied into the archive
// entry on permanent failure.
type Attempt struct {
	Number        int                 `json:"number"`
	Timestamp     time.Time           `json:"ts"`
	Error         string              `json:"error"`
	Class         jobqueue.ErrorClass `json:"class"`
	Delay         time.Duration       `json:"delay"`
	Strategy      Strategy            `json:"strategy"`
	NextAttemptAt time.Time           `json:"next_attempt_at"`
}

// Escalation is raised for operator attention once a job's failures
// reach the type's escalation threshold.
type Escalation struct {
	JobID     string    `json:"job_id"`
	JobType   job.Type  `json:"job_type"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	RaisedAt  time.Time `json:"raised_at"`
}
