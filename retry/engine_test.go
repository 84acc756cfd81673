package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taxfold/jobqueue"
	"github.com/taxfold/jobqueue/ext"
	"github.com/taxfold/jobqueue/id"
	"github.com/taxfold/jobqueue/job"
	"github.com/taxfold/jobqueue/kv/memory"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *job.Store) {
	t.Helper()
	mem := memory.New()
	jobs := job.NewStore(mem)
	return NewEngine(jobs, mem, ext.NewRegistry(nil), opts...), jobs
}

// processingJob creates a job and walks it into the processing state.
func processingJob(t *testing.T, jobs *job.Store) *job.Job {
	t.Helper()
	ctx := context.Background()
	j := &job.Job{
		ID:             id.NewJobID(),
		Type:           job.TypeCSVImport,
		Status:         job.StatusPending,
		OrganizationID: "org-1",
		Config:         job.DefaultConfig(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := jobs.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	j.Status = job.StatusProcessing
	if err := jobs.Update(ctx, j); err != nil {
		t.Fatalf("processing: %v", err)
	}
	return j
}

func TestShouldRetryBudget(t *testing.T) {
	e, jobs := newTestEngine(t)
	j := processingJob(t, jobs)
	netErr := errors.New("connection refused")

	j.RetryCount = 2
	if !e.ShouldRetry(j, netErr) {
		t.Error("retry denied with budget remaining")
	}

	j.RetryCount = 3
	if e.ShouldRetry(j, netErr) {
		t.Error("retry allowed past maxRetries")
	}
}

func TestShouldRetryHonorsClass(t *testing.T) {
	e, jobs := newTestEngine(t)
	j := processingJob(t, jobs)

	if e.ShouldRetry(j, &jobqueue.SchemaError{JobType: "csv_invoice_import", Reason: "bad payload"}) {
		t.Error("validation error retried")
	}
	if e.ShouldRetry(j, jobqueue.ErrCancelled) {
		t.Error("cancellation retried")
	}
	if !e.ShouldRetry(j, errors.New("connection reset by peer")) {
		t.Error("network error not retried")
	}
}

func TestScheduleRetryPersistsAttemptAndRequeues(t *testing.T) {
	e, jobs := newTestEngine(t, WithPolicy(job.TypeCSVImport, Policy{
		Strategy:   StrategyImmediate,
		MaxRetries: 3,
	}))
	ctx := context.Background()
	j := processingJob(t, jobs)

	nextAt, err := e.ScheduleRetry(ctx, j, errors.New("connection refused"))
	if err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}
	if nextAt.IsZero() {
		t.Error("no next attempt time")
	}
	if j.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", j.RetryCount)
	}
	if j.Status != job.StatusRetrying {
		t.Errorf("status = %s, want %s", j.Status, job.StatusRetrying)
	}

	attempts, err := e.Attempts(ctx, j.ID)
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("attempt records = %d, want 1", len(attempts))
	}
	if attempts[0].Number != 1 || attempts[0].Class != jobqueue.ClassNetwork {
		t.Errorf("attempt = %+v", attempts[0])
	}

	// The immediate strategy requeues as soon as the timer fires.
	deadline := time.Now().Add(2 * time.Second)
	for {
		cur, err := jobs.Get(ctx, j.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if cur.Status == job.StatusPending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never requeued, status %s", cur.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScheduleRetryUsesJobRetryDelay(t *testing.T) {
	e, jobs := newTestEngine(t, WithPolicy(job.TypeCSVImport, Policy{
		Strategy:   StrategyFixed,
		BaseDelay:  30 * time.Second,
		MaxRetries: 3,
	}))
	ctx := context.Background()
	j := processingJob(t, jobs)
	j.Config.RetryDelay = 5 * time.Minute

	nextAt, err := e.ScheduleRetry(ctx, j, errors.New("connection refused"))
	if err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}
	defer e.CancelScheduled(j.ID)

	if d := time.Until(nextAt); d < 4*time.Minute {
		t.Errorf("next attempt in %s, want the job's 5m delay, not the policy's 30s", d.Round(time.Second))
	}

	attempts, err := e.Attempts(ctx, j.ID)
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("attempt records = %d, want 1", len(attempts))
	}
	if attempts[0].Delay != 5*time.Minute {
		t.Errorf("recorded delay = %s, want 5m", attempts[0].Delay)
	}
}

func TestCancelScheduledStopsTimer(t *testing.T) {
	e, jobs := newTestEngine(t, WithPolicy(job.TypeCSVImport, Policy{
		Strategy:  StrategyFixed,
		BaseDelay: time.Hour, MaxRetries: 3,
	}))
	ctx := context.Background()
	j := processingJob(t, jobs)

	if _, err := e.ScheduleRetry(ctx, j, errors.New("connection refused")); err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}
	if !e.CancelScheduled(j.ID) {
		t.Error("no timer to cancel")
	}
	if e.CancelScheduled(j.ID) {
		t.Error("timer cancelled twice")
	}
}

func TestRetryDroppedWhenCancellationInFlight(t *testing.T) {
	var inFlight atomic.Bool
	e, jobs := newTestEngine(t, WithPolicy(job.TypeCSVImport, Policy{
		Strategy:   StrategyImmediate,
		MaxRetries: 3,
	}), WithCancellationCheck(func(id.JobID) bool { return inFlight.Load() }))
	ctx := context.Background()
	j := processingJob(t, jobs)

	inFlight.Store(true)
	if _, err := e.ScheduleRetry(ctx, j, errors.New("connection refused")); err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}

	// Give the timer time to fire; the requeue must be dropped.
	time.Sleep(200 * time.Millisecond)
	cur, err := jobs.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Status != job.StatusRetrying {
		t.Errorf("status = %s, want %s while cancellation in flight", cur.Status, job.StatusRetrying)
	}
}

func TestEscalationRaisedOnce(t *testing.T) {
	mem := memory.New()
	jobs := job.NewStore(mem)
	hooks := ext.NewRegistry(nil)

	var escalations atomic.Int32
	hooks.Register(escalationCounter{&escalations})

	e := NewEngine(jobs, mem, hooks, WithPolicy(job.TypeCSVImport, Policy{
		Strategy:            StrategyFixed,
		BaseDelay:           time.Hour,
		MaxRetries:          5,
		EscalationThreshold: 2,
	}))
	ctx := context.Background()
	j := processingJob(t, jobs)

	fail := func() {
		t.Helper()
		if _, err := e.ScheduleRetry(ctx, j, errors.New("connection refused")); err != nil {
			t.Fatalf("ScheduleRetry: %v", err)
		}
		e.CancelScheduled(j.ID)
		if err := jobs.Requeue(ctx, j); err != nil {
			t.Fatalf("Requeue: %v", err)
		}
		j.Status = job.StatusProcessing
		if err := jobs.Update(ctx, j); err != nil {
			t.Fatalf("processing: %v", err)
		}
	}

	fail() // attempt 1, below threshold
	if n := escalations.Load(); n != 0 {
		t.Fatalf("escalated after %d attempts", 1)
	}
	fail() // attempt 2, threshold reached
	if n := escalations.Load(); n != 1 {
		t.Fatalf("escalations = %d, want 1", n)
	}
	fail() // attempt 3, already raised
	if n := escalations.Load(); n != 1 {
		t.Fatalf("escalations = %d after third failure, want 1", n)
	}
}

type escalationCounter struct {
	n *atomic.Int32
}

func (escalationCounter) Name() string { return "escalation-counter" }

func (c escalationCounter) OnJobEscalated(context.Context, *job.Job, int) error {
	c.n.Add(1)
	return nil
}

func TestMarkSuccessClearsAttempts(t *testing.T) {
	e, jobs := newTestEngine(t, WithPolicy(job.TypeCSVImport, Policy{
		Strategy:  StrategyFixed,
		BaseDelay: time.Hour, MaxRetries: 3,
	}))
	ctx := context.Background()
	j := processingJob(t, jobs)

	if _, err := e.ScheduleRetry(ctx, j, errors.New("connection refused")); err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}
	e.CancelScheduled(j.ID)

	e.MarkSuccess(ctx, j)
	attempts, err := e.Attempts(ctx, j.ID)
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	if len(attempts) != 0 {
		t.Errorf("attempts after success = %d, want 0", len(attempts))
	}

	stats := e.Stats()
	if stats[job.TypeCSVImport].RecoveredBy != 1 {
		t.Errorf("recovered count = %d, want 1", stats[job.TypeCSVImport].RecoveredBy)
	}
}
