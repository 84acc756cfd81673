// Package notify turns job lifecycle events into stream messages. The
// tracker plugs into the extension registry, publishes to the broker,
// and keeps the last notification per job on the durable store so
// reconnecting clients can catch up.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taxfold/jobqueue"
	"github.com/taxfold/jobqueue/id"
	"github.com/taxfold/jobqueue/job"
	"github.com/taxfold/jobqueue/kv"
	"github.com/taxfold/jobqueue/retry"
	"github.com/taxfold/jobqueue/stream"
)

func lastKey(jobID string) string { return "notify:last:" + jobID }

// Tracker converts lifecycle hooks into stream messages.
type Tracker struct {
	broker *stream.Broker
	kv     kv.Store
	logger *slog.Logger
}

// NewTracker creates a notification tracker.
func NewTracker(broker *stream.Broker, kvStore kv.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{broker: broker, kv: kvStore, logger: logger}
}

// Name implements ext.Extension.
func (t *Tracker) Name() string { return "notify" }

// Last returns the most recent notification published for a job, for
// clients catching up after a reconnect.
func (t *Tracker) Last(ctx context.Context, jobID id.JobID) (*stream.Message, error) {
	raw, err := t.kv.Get(ctx, lastKey(jobID.String()))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, jobqueue.ErrJobNotFound
		}
		return nil, fmt.Errorf("notify: last for %s: %w", jobID, err)
	}
	var m stream.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("notify: decode last for %s: %w", jobID, err)
	}
	return &m, nil
}

// publish broadcasts a message to the job's organization and snapshots
// it as the job's latest notification. When targeted, a copy addressed
// to the enqueueing user is published as well, so the owner gets a
// direct notice on top of the tenant broadcast.
func (t *Tracker) publish(ctx context.Context, j *job.Job, m *stream.Message, targeted bool) {
	m.OrganizationID = j.OrganizationID
	m.UserID = ""
	m.JobID = j.ID.String()
	m.JobType = j.Type

	t.broker.Publish(m)

	if targeted && j.UserID != "" {
		notice := *m
		notice.ID = id.NewNotificationID()
		notice.UserID = j.UserID
		t.broker.Publish(&notice)
	}

	raw, err := json.Marshal(m)
	if err == nil {
		err = t.kv.Put(ctx, lastKey(j.ID.String()), raw)
	}
	if err != nil {
		t.logger.Warn("notification snapshot failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Raise publishes a message outside any job lifecycle: system
// notifications, external authority updates, file pipeline events. The
// message is scoped to the organization; a non-empty userID targets a
// single user within it. No snapshot is kept since there is no job to
// key it on.
func (t *Tracker) Raise(kind stream.Kind, orgID, userID string, data any) error {
	m, err := stream.New(kind, data)
	if err != nil {
		return err
	}
	m.OrganizationID = orgID
	m.UserID = userID
	t.broker.Publish(m)
	return nil
}

func (t *Tracker) statusChange(ctx context.Context, j *job.Job, prev job.Status) error {
	m, err := stream.New(stream.KindJobStatusChange, stream.JobStatusChangeData{
		JobID:          j.ID.String(),
		JobType:        j.Type,
		Status:         j.Status,
		PreviousStatus: prev,
	})
	if err != nil {
		return err
	}
	t.publish(ctx, j, m, false)
	return nil
}

// OnJobEnqueued implements ext.JobEnqueued.
func (t *Tracker) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	return t.statusChange(ctx, j, "")
}

// OnJobStarted implements ext.JobStarted.
func (t *Tracker) OnJobStarted(ctx context.Context, j *job.Job) error {
	return t.statusChange(ctx, j, job.StatusPending)
}

// OnJobProgress implements ext.JobProgress.
func (t *Tracker) OnJobProgress(ctx context.Context, j *job.Job, p job.Progress) error {
	m, err := stream.New(stream.KindJobProgress, stream.JobProgressData{
		JobID:     j.ID.String(),
		JobType:   j.Type,
		Percent:   p.Percent,
		Stage:     p.Stage,
		Message:   p.Message,
		Processed: p.Processed,
		Total:     p.Total,
	})
	if err != nil {
		return err
	}
	t.publish(ctx, j, m, false)
	return nil
}

// OnJobCompleted implements ext.JobCompleted. The completion summary is
// fanned out to the whole tenant.
func (t *Tracker) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	data := stream.JobCompletedData{
		JobID:      j.ID.String(),
		JobType:    j.Type,
		DurationMS: elapsed.Milliseconds(),
	}
	if j.Result != nil {
		data.Statistics = j.Result.Statistics
		data.Files = j.Result.OutputFiles
	}
	m, err := stream.New(stream.KindJobCompleted, data)
	if err != nil {
		return err
	}
	t.publish(ctx, j, m, false)
	return nil
}

// OnJobFailed implements ext.JobFailed. The failure is broadcast to the
// tenant, with a direct notice to the user who enqueued the job.
func (t *Tracker) OnJobFailed(ctx context.Context, j *job.Job, execErr error) error {
	m, err := stream.New(stream.KindJobFailed, stream.JobFailedData{
		JobID:      j.ID.String(),
		JobType:    j.Type,
		Error:      execErr.Error(),
		Class:      string(retry.Classify(execErr)),
		WillRetry:  false,
		RetryCount: j.RetryCount,
	})
	if err != nil {
		return err
	}
	t.publish(ctx, j, m, true)
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (t *Tracker) OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextAttemptAt time.Time) error {
	m, err := stream.New(stream.KindJobFailed, stream.JobFailedData{
		JobID:      j.ID.String(),
		JobType:    j.Type,
		Error:      j.LastError,
		WillRetry:  true,
		RetryCount: attempt,
	})
	if err != nil {
		return err
	}
	t.publish(ctx, j, m, true)
	return nil
}

// OnJobCancelled implements ext.JobCancelled. The cancellation is
// broadcast to the tenant, with a direct notice to the enqueuing user.
func (t *Tracker) OnJobCancelled(ctx context.Context, j *job.Job, method string) error {
	m, err := stream.New(stream.KindJobCancelled, stream.JobCancelledData{
		JobID:   j.ID.String(),
		JobType: j.Type,
		Method:  method,
		Reason:  j.LastError,
	})
	if err != nil {
		return err
	}
	t.publish(ctx, j, m, true)
	return nil
}

// OnJobEscalated implements ext.JobEscalated. Escalations surface as
// tenant-wide compliance alerts.
func (t *Tracker) OnJobEscalated(ctx context.Context, j *job.Job, attempts int) error {
	m, err := stream.New(stream.KindComplianceAlert, stream.ComplianceAlertData{
		Severity: "high",
		Code:     "JOB_ESCALATED",
		Message:  fmt.Sprintf("%s failed %d times and needs attention", j.Type, attempts),
		JobID:    j.ID.String(),
	})
	if err != nil {
		return err
	}
	t.publish(ctx, j, m, false)
	return nil
}
