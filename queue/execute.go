package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/taxfold/jobqueue"
	"github.com/taxfold/jobqueue/cancel"
	"github.com/taxfold/jobqueue/job"
	"github.com/taxfold/jobqueue/middleware"
	"github.com/taxfold/jobqueue/retry"
)

// Execute runs one claimed job through the middleware chain and settles
// its final state: completed, cancelled, retrying, or failed.
func (e *Engine) Execute(ctx context.Context, j *job.Job) {
	proc, err := e.registry.ProcessorFor(j.Type)
	if err != nil {
		e.failPermanently(ctx, j, err)
		return
	}

	now := time.Now().UTC()
	j.Status = job.StatusProcessing
	j.StartedAt = &now
	j.Worker = e.workerID
	j.AppendLog("info", "claimed by "+e.workerID.String())
	if err := e.jobs.Update(ctx, j); err != nil {
		// Most likely cancelled between claim and start.
		e.logger.Warn("could not mark job processing",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	e.hooks.EmitJobStarted(ctx, j)

	tok := e.cancels.CreateToken(j.ID)
	defer e.cancels.ReleaseToken(j.ID)

	var result *job.Result
	base := func(ctx context.Context, j *job.Job) error {
		done := make(chan error, 1)
		go func() {
			r, perr := proc.Process(ctx, j, tok, e.progressSink(j))
			if perr == nil {
				result = r
			}
			done <- perr
		}()

		select {
		case perr := <-done:
			return perr
		case <-tok.Done():
			return jobqueue.ErrCancelled
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return jobqueue.ErrTimeout
			}
			return ctx.Err()
		}
	}

	chain := append([]middleware.Middleware{middleware.Deadline()}, e.chain...)
	execErr := middleware.Chain(base, chain...)(ctx, j)

	switch {
	case execErr == nil:
		e.complete(ctx, j, result)
	case retry.Classify(execErr) == jobqueue.ClassCancelled:
		e.settleCancelled(ctx, j)
	default:
		e.fail(ctx, j, execErr)
	}
}

// progressSink persists progress snapshots and fans them out. Writes
// are dropped once the job has left the processing state.
func (e *Engine) progressSink(j *job.Job) job.ProgressFunc {
	ctx := context.Background()
	jobID := j.ID
	return func(p job.Progress) {
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = time.Now().UTC()
		}

		cur, err := e.jobs.Get(ctx, jobID)
		if err != nil || cur.Status != job.StatusProcessing {
			return
		}
		cur.Progress = &p
		if err := e.jobs.Update(ctx, cur); err != nil {
			e.logger.Debug("progress write dropped",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		e.hooks.EmitJobProgress(ctx, cur, p)
	}
}

// complete settles a successful run.
func (e *Engine) complete(ctx context.Context, j *job.Job, result *job.Result) {
	if result == nil {
		result = &job.Result{Success: true}
	}
	j.Result = result
	j.LastError = ""
	j.Status = job.StatusCompleted
	j.AppendLog("info", "completed")
	if err := e.jobs.Update(ctx, j); err != nil {
		e.logger.Error("could not mark job completed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	e.retries.MarkSuccess(ctx, j)
	e.hooks.EmitJobCompleted(ctx, j, j.Duration())
}

// settleCancelled records a voluntary processor stop. When the
// cancellation engine already finalized the record this is a no-op.
func (e *Engine) settleCancelled(ctx context.Context, j *job.Job) {
	cur, err := e.jobs.Get(ctx, j.ID)
	if err != nil {
		return
	}
	if cur.Status != job.StatusProcessing {
		return
	}

	cur.AppendLog("info", "stopped on cancellation request")
	cur.Status = job.StatusCancelled
	if err := e.jobs.Update(ctx, cur); err != nil {
		e.logger.Warn("could not mark job cancelled",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	e.hooks.EmitJobCancelled(ctx, cur, string(cancel.MethodGraceful))
}

// fail routes an execution error to a retry or a permanent failure.
func (e *Engine) fail(ctx context.Context, j *job.Job, execErr error) {
	if e.retries.ShouldRetry(j, execErr) {
		if _, err := e.retries.ScheduleRetry(ctx, j, execErr); err != nil {
			e.logger.Error("retry scheduling failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			e.failPermanently(ctx, j, execErr)
		}
		return
	}
	e.failPermanently(ctx, j, execErr)
}

// failPermanently settles a job that will not be retried: failed state,
// archive entry with attempt history, failure hook.
func (e *Engine) failPermanently(ctx context.Context, j *job.Job, execErr error) {
	j.LastError = execErr.Error()
	j.Status = job.StatusFailed
	j.AppendLog("error", execErr.Error())
	if err := e.jobs.Update(ctx, j); err != nil {
		e.logger.Error("could not mark job failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	if j.RetryCount > 0 {
		e.retries.MarkExhausted(j.Type)
	}

	attempts, err := e.retries.Attempts(ctx, j.ID)
	if err != nil {
		e.logger.Warn("attempt history unavailable",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if _, err := e.archives.Push(ctx, j, attempts, execErr); err != nil {
		e.logger.Error("archive push failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	e.logger.Warn("job failed permanently",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(j.Type)),
		slog.Int("retry_count", j.RetryCount),
		slog.String("error", execErr.Error()),
	)
	e.hooks.EmitJobFailed(ctx, j, execErr)
}
