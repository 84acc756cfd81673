// Package cancel implements the cancellation engine: per-type
// cancellation policy, cooperative stop tokens handed to processors,
// graceful and immediate and forced cancellation paths, and tenant-wide
// batch cancellation.
package cancel

import (
	"context"
	"time"

	"github.com/taxfold/jobqueue/job"
)

// Method names the cancellation path taken.
type Method string

const (
	// MethodGraceful asks the processor to stop cooperatively and waits
	// up to the policy's graceful timeout before escalating.
	MethodGraceful Method = "graceful"
	// MethodImmediate stops the job without waiting for the processor.
	MethodImmediate Method = "immediate"
	// MethodForced is immediate plus unconditional cleanup. System only.
	MethodForced Method = "forced"
)

// CleanupFunc releases resources held by a cancelled job: temp files,
// partial uploads, half-written exports.
type CleanupFunc func(ctx context.Context, j *job.Job) error

// Policy is the per-type cancellation configuration.
type Policy struct {
	// AllowUserCancellation permits non-system callers to cancel jobs
	// of this type. System callers may always cancel.
	AllowUserCancellation bool
	// CanCancelAfterStart permits cancelling a job that is already
	// processing. When false only pending and retrying jobs may be
	// cancelled by users.
	CanCancelAfterStart bool
	// GracefulTimeout bounds how long a graceful cancellation waits for
	// the processor to stop voluntarily before escalating to immediate.
	GracefulTimeout time.Duration
	// CleanupRequired runs the cleanup function on every cancellation.
	CleanupRequired bool
	// PreserveProgress keeps the job's last progress snapshot on the
	// cancelled record as a partial result.
	PreserveProgress bool
	// NotifyStakeholders fans a cancellation notice out to the
	// organization's subscribers, not just the requesting user.
	NotifyStakeholders bool
	// Cleanup is invoked when CleanupRequired is set, or always on a
	// forced cancellation. Nil cleanup is a no-op.
	Cleanup CleanupFunc
}

// DefaultPolicy returns the platform default cancellation policy:
// users may cancel their own jobs, including running ones, with a
// 30 second graceful window.
func DefaultPolicy() Policy {
	return Policy{
		AllowUserCancellation: true,
		CanCancelAfterStart:   true,
		GracefulTimeout:       30 * time.Second,
		PreserveProgress:      true,
	}
}

// Result reports the outcome of a cancellation request.
type Result struct {
	JobID            string        `json:"job_id"`
	Success          bool          `json:"success"`
	Method           Method        `json:"method"`
	CompletedAt      time.Time     `json:"completed_at"`
	Message          string        `json:"message,omitempty"`
	CleanupPerformed bool          `json:"cleanup_performed"`
	PartialResults   *job.Progress `json:"partial_results,omitempty"`
}
