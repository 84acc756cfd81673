package cancel

import (
	"context"
	"errors"
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
	jobs := job.NewStore(memory.New())
	return NewEngine(jobs, ext.NewRegistry(nil), opts...), jobs
}

func createJob(t *testing.T, jobs *job.Store, status job.Status) *job.Job {
	t.Helper()
	ctx := context.Background()
	j := &job.Job{
		ID:             id.NewJobID(),
		Type:           job.TypeCSVImport,
		Status:         job.StatusPending,
		OrganizationID: "org-1",
		UserID:         "user-1",
		Config:         job.DefaultConfig(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := jobs.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}

	switch status {
	case job.StatusPending:
	case job.StatusProcessing:
		j.Status = job.StatusProcessing
		if err := jobs.Update(ctx, j); err != nil {
			t.Fatalf("processing: %v", err)
		}
	case job.StatusRetrying:
		j.Status = job.StatusProcessing
		if err := jobs.Update(ctx, j); err != nil {
			t.Fatalf("processing: %v", err)
		}
		j.Status = job.StatusRetrying
		if err := jobs.Update(ctx, j); err != nil {
			t.Fatalf("retrying: %v", err)
		}
	case job.StatusCompleted:
		j.Status = job.StatusProcessing
		if err := jobs.Update(ctx, j); err != nil {
			t.Fatalf("processing: %v", err)
		}
		j.Status = job.StatusCompleted
		if err := jobs.Update(ctx, j); err != nil {
			t.Fatalf("completed: %v", err)
		}
	default:
		t.Fatalf("unsupported fixture status %s", status)
	}
	return j
}

func TestCancelPendingGoesStraightToCancelled(t *testing.T) {
	e, jobs := newTestEngine(t)
	ctx := context.Background()
	j := createJob(t, jobs, job.StatusPending)

	res, err := e.Cancel(ctx, Request{JobID: j.ID, Method: MethodGraceful, UserID: "user-1"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !res.Success {
		t.Error("cancellation reported failure")
	}

	cur, err := jobs.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Status != job.StatusCancelled {
		t.Errorf("status = %s, want %s", cur.Status, job.StatusCancelled)
	}
	if cur.CompletedAt == nil {
		t.Error("completedAt not stamped")
	}

	// The queue index entry must be gone.
	claimed, err := jobs.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed != nil {
		t.Errorf("cancelled job still claimable: %s", claimed.ID)
	}
}

func TestCancelIdempotent(t *testing.T) {
	e, jobs := newTestEngine(t)
	ctx := context.Background()
	j := createJob(t, jobs, job.StatusPending)

	if _, err := e.Cancel(ctx, Request{JobID: j.ID, UserID: "user-1"}); err != nil {
		t.Fatalf("first Cancel: %v", err)
	}
	first, err := jobs.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	res, err := e.Cancel(ctx, Request{JobID: j.ID, UserID: "user-1"})
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if !res.Success {
		t.Error("repeat cancellation reported failure")
	}

	second, err := jobs.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Errorf("completedAt moved on repeat cancel: %s vs %s", second.CompletedAt, first.CompletedAt)
	}
}

func TestCancelCompletedRejected(t *testing.T) {
	e, jobs := newTestEngine(t)
	j := createJob(t, jobs, job.StatusCompleted)

	_, err := e.Cancel(context.Background(), Request{JobID: j.ID, UserID: "user-1"})
	if !errors.Is(err, jobqueue.ErrJobTerminal) {
		t.Errorf("error = %v, want ErrJobTerminal", err)
	}
}

func TestConcurrentCancellationRejected(t *testing.T) {
	e, jobs := newTestEngine(t, WithPolicy(job.TypeCSVImport, Policy{
		AllowUserCancellation: true,
		CanCancelAfterStart:   true,
		GracefulTimeout:       5 * time.Second,
	}))
	ctx := context.Background()
	j := createJob(t, jobs, job.StatusProcessing)

	// A live token makes the graceful path wait, keeping the first
	// request in flight.
	e.CreateToken(j.ID)
	defer e.ReleaseToken(j.ID)

	firstDone := make(chan error, 1)
	go func() {
		_, err := e.Cancel(ctx, Request{JobID: j.ID, Method: MethodGraceful, UserID: "user-1"})
		firstDone <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !e.InFlight(j.ID) {
		if time.Now().After(deadline) {
			t.Fatal("first cancellation never became in flight")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := e.Cancel(ctx, Request{JobID: j.ID, UserID: "user-1"}); !errors.Is(err, jobqueue.ErrCancellationInFlight) {
		t.Errorf("second cancel error = %v, want ErrCancellationInFlight", err)
	}

	// Simulate the processor stopping voluntarily.
	j.Status = job.StatusCancelled
	if err := jobs.Update(ctx, j); err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}
	if err := <-firstDone; err != nil {
		t.Fatalf("first cancel: %v", err)
	}
}

func TestUserCancellationForbiddenByPolicy(t *testing.T) {
	e, jobs := newTestEngine(t, WithPolicy(job.TypeCSVImport, Policy{
		AllowUserCancellation: false,
	}))
	j := createJob(t, jobs, job.StatusPending)

	_, err := e.Cancel(context.Background(), Request{JobID: j.ID, UserID: "user-1"})
	if !errors.Is(err, jobqueue.ErrCancelNotAllowed) {
		t.Errorf("error = %v, want ErrCancelNotAllowed", err)
	}

	// System requests bypass the policy.
	if _, err := e.Cancel(context.Background(), Request{JobID: j.ID, System: true}); err != nil {
		t.Errorf("system cancel: %v", err)
	}
}

func TestForcedCancellationSystemOnly(t *testing.T) {
	e, jobs := newTestEngine(t)
	j := createJob(t, jobs, job.StatusPending)

	_, err := e.Cancel(context.Background(), Request{JobID: j.ID, Method: MethodForced, UserID: "user-1"})
	if !errors.Is(err, jobqueue.ErrForcedSystemOnly) {
		t.Errorf("error = %v, want ErrForcedSystemOnly", err)
	}
}

func TestCancelOtherUsersJobForbidden(t *testing.T) {
	e, jobs := newTestEngine(t)
	j := createJob(t, jobs, job.StatusPending)

	_, err := e.Cancel(context.Background(), Request{JobID: j.ID, UserID: "user-2"})
	if !errors.Is(err, jobqueue.ErrCancelNotAllowed) {
		t.Errorf("error = %v, want ErrCancelNotAllowed", err)
	}
}

func TestCancelRetryingStopsTimer(t *testing.T) {
	var stopped []string
	e, jobs := newTestEngine(t, WithRetryCanceller(func(jobID id.JobID) bool {
		stopped = append(stopped, jobID.String())
		return true
	}))
	ctx := context.Background()
	j := createJob(t, jobs, job.StatusRetrying)

	res, err := e.Cancel(ctx, Request{JobID: j.ID, UserID: "user-1"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !res.Success {
		t.Error("cancellation reported failure")
	}
	if len(stopped) != 1 || stopped[0] != j.ID.String() {
		t.Errorf("retry canceller calls = %v", stopped)
	}

	cur, err := jobs.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Status != job.StatusCancelled {
		t.Errorf("status = %s, want %s", cur.Status, job.StatusCancelled)
	}
}

func TestCleanupRunsWhenRequired(t *testing.T) {
	var cleaned bool
	e, jobs := newTestEngine(t, WithPolicy(job.TypeCSVImport, Policy{
		AllowUserCancellation: true,
		CleanupRequired:       true,
		Cleanup: func(context.Context, *job.Job) error {
			cleaned = true
			return nil
		},
	}))
	j := createJob(t, jobs, job.StatusPending)

	res, err := e.Cancel(context.Background(), Request{JobID: j.ID, UserID: "user-1"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !cleaned {
		t.Error("cleanup did not run")
	}
	if !res.CleanupPerformed {
		t.Error("result does not report cleanup")
	}
}

func TestCancelOrganizationJobs(t *testing.T) {
	e, jobs := newTestEngine(t)
	ctx := context.Background()

	j1 := createJob(t, jobs, job.StatusPending)
	j2 := createJob(t, jobs, job.StatusPending)
	done := createJob(t, jobs, job.StatusCompleted)

	results, err := e.CancelOrganizationJobs(ctx, "org-1", "tenant offboarded")
	if err != nil {
		t.Fatalf("CancelOrganizationJobs: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, res := range results {
		// The batch asks nicely; escalation to immediate is per job.
		if res.Method != MethodGraceful {
			t.Errorf("job %s cancelled via %s, want graceful", res.JobID, res.Method)
		}
	}

	for _, jobID := range []id.JobID{j1.ID, j2.ID} {
		cur, err := jobs.Get(ctx, jobID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if cur.Status != job.StatusCancelled {
			t.Errorf("job %s status = %s, want cancelled", jobID, cur.Status)
		}
	}

	cur, err := jobs.Get(ctx, done.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.Status != job.StatusCompleted {
		t.Errorf("completed job disturbed: %s", cur.Status)
	}
}
