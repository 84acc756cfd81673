package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/taxfold/jobqueue/job"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time, so emit methods can log failures
// without type-asserting back to Extension.
type jobEnqueuedEntry struct {
	name string
	hook JobEnqueued
}

type jobStartedEntry struct {
	name string
	hook JobStarted
}

type jobProgressEntry struct {
	name string
	hook JobProgress
}

type jobCompletedEntry struct {
	name string
	hook JobCompleted
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type jobRetryingEntry struct {
	name string
	hook JobRetrying
}

type jobCancelledEntry struct {
	name string
	hook JobCancelled
}

type jobEscalatedEntry struct {
	name string
	hook JobEscalated
}

type jobArchivedEntry struct {
	name string
	hook JobArchived
}

type cronFiredEntry struct {
	name string
	hook CronFired
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. Extensions are type-cached at registration time so emit
// calls iterate only over extensions implementing the relevant hook.
// Hook errors are logged, never propagated, so a misbehaving extension
// cannot break job processing.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	jobEnqueued  []jobEnqueuedEntry
	jobStarted   []jobStartedEntry
	jobProgress  []jobProgressEntry
	jobCompleted []jobCompletedEntry
	jobFailed    []jobFailedEntry
	jobRetrying  []jobRetryingEntry
	jobCancelled []jobCancelledEntry
	jobEscalated []jobEscalatedEntry
	jobArchived  []jobArchivedEntry
	cronFired    []cronFiredEntry
	shutdown     []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobEnqueued); ok {
		r.jobEnqueued = append(r.jobEnqueued, jobEnqueuedEntry{name, h})
	}
	if h, ok := e.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, jobStartedEntry{name, h})
	}
	if h, ok := e.(JobProgress); ok {
		r.jobProgress = append(r.jobProgress, jobProgressEntry{name, h})
	}
	if h, ok := e.(JobCompleted); ok {
		r.jobCompleted = append(r.jobCompleted, jobCompletedEntry{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, h})
	}
	if h, ok := e.(JobRetrying); ok {
		r.jobRetrying = append(r.jobRetrying, jobRetryingEntry{name, h})
	}
	if h, ok := e.(JobCancelled); ok {
		r.jobCancelled = append(r.jobCancelled, jobCancelledEntry{name, h})
	}
	if h, ok := e.(JobEscalated); ok {
		r.jobEscalated = append(r.jobEscalated, jobEscalatedEntry{name, h})
	}
	if h, ok := e.(JobArchived); ok {
		r.jobArchived = append(r.jobArchived, jobArchivedEntry{name, h})
	}
	if h, ok := e.(CronFired); ok {
		r.cronFired = append(r.cronFired, cronFiredEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns the registered extensions in registration order.
func (r *Registry) Extensions() []Extension { return r.extensions }

func (r *Registry) hookErr(name, hook string, err error) {
	if err != nil {
		r.logger.Warn("extension hook failed",
			slog.String("extension", name),
			slog.String("hook", hook),
			slog.String("error", err.Error()),
		)
	}
}

// EmitJobEnqueued notifies all JobEnqueued hooks.
func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	for _, e := range r.jobEnqueued {
		r.hookErr(e.name, "job_enqueued", e.hook.OnJobEnqueued(ctx, j))
	}
}

// EmitJobStarted notifies all JobStarted hooks.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobStarted {
		r.hookErr(e.name, "job_started", e.hook.OnJobStarted(ctx, j))
	}
}

// EmitJobProgress notifies all JobProgress hooks.
func (r *Registry) EmitJobProgress(ctx context.Context, j *job.Job, p job.Progress) {
	for _, e := range r.jobProgress {
		r.hookErr(e.name, "job_progress", e.hook.OnJobProgress(ctx, j, p))
	}
}

// EmitJobCompleted notifies all JobCompleted hooks.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobCompleted {
		r.hookErr(e.name, "job_completed", e.hook.OnJobCompleted(ctx, j, elapsed))
	}
}

// EmitJobFailed notifies all JobFailed hooks.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, err error) {
	for _, e := range r.jobFailed {
		r.hookErr(e.name, "job_failed", e.hook.OnJobFailed(ctx, j, err))
	}
}

// EmitJobRetrying notifies all JobRetrying hooks.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, nextAttemptAt time.Time) {
	for _, e := range r.jobRetrying {
		r.hookErr(e.name, "job_retrying", e.hook.OnJobRetrying(ctx, j, attempt, nextAttemptAt))
	}
}

// EmitJobCancelled notifies all JobCancelled hooks.
func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job, method string) {
	for _, e := range r.jobCancelled {
		r.hookErr(e.name, "job_cancelled", e.hook.OnJobCancelled(ctx, j, method))
	}
}

// EmitJobEscalated notifies all JobEscalated hooks.
func (r *Registry) EmitJobEscalated(ctx context.Context, j *job.Job, attempts int) {
	for _, e := range r.jobEscalated {
		r.hookErr(e.name, "job_escalated", e.hook.OnJobEscalated(ctx, j, attempts))
	}
}

// EmitJobArchived notifies all JobArchived hooks.
func (r *Registry) EmitJobArchived(ctx context.Context, j *job.Job, err error) {
	for _, e := range r.jobArchived {
		r.hookErr(e.name, "job_archived", e.hook.OnJobArchived(ctx, j, err))
	}
}

// EmitCronFired notifies all CronFired hooks.
func (r *Registry) EmitCronFired(ctx context.Context, entryName string, j *job.Job) {
	for _, e := range r.cronFired {
		r.hookErr(e.name, "cron_fired", e.hook.OnCronFired(ctx, entryName, j))
	}
}

// EmitShutdown notifies all Shutdown hooks.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		r.hookErr(e.name, "shutdown", e.hook.OnShutdown(ctx))
	}
}
