// Package ext defines the lifecycle hook system. Hooks are notified of
// job lifecycle events (enqueued, started, progress, completed, failed,
// retrying, cancelled, escalated, archived) and can react to them:
// notification fan-out, metrics, audit logging.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/taxfold/jobqueue/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is successfully enqueued.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when the worker begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobProgress is called when a running job reports progress.
type JobProgress interface {
	OnJobProgress(ctx context.Context, j *job.Job, p job.Progress) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails permanently (no more retries).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying is called when a job fails but a retry is scheduled.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextAttemptAt time.Time) error
}

// JobCancelled is called when a job is cancelled, with the method that
// terminated it ("graceful", "immediate", or "forced").
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job, method string) error
}

// JobEscalated is called once a type's failure count reaches its
// escalation threshold and an escalation record is raised.
type JobEscalated interface {
	OnJobEscalated(ctx context.Context, j *job.Job, attempts int) error
}

// JobArchived is called when a permanently failed job is archived.
type JobArchived interface {
	OnJobArchived(ctx context.Context, j *job.Job, err error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// CronFired is called when a recurring schedule fires and enqueues a job.
type CronFired interface {
	OnCronFired(ctx context.Context, entryName string, j *job.Job) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
