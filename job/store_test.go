package job

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/taxfold/jobqueue"
	"github.com/taxfold/jobqueue/id"
	"github.com/taxfold/jobqueue/kv/memory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(memory.New())
}

func makeJob(prio Priority, createdAt time.Time) *Job {
	return &Job{
		ID:             id.NewJobID(),
		Type:           TypeCSVImport,
		Status:         StatusPending,
		OrganizationID: "org-1",
		UserID:         "user-1",
		Payload:        json.RawMessage(`{"fileId":"f-1"}`),
		Config: Config{
			Priority:   prio,
			MaxRetries: 3,
			RetryDelay: 30 * time.Second,
			Timeout:    5 * time.Minute,
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"fileId":"f-9","rows":[1,2,3],"nested":{"a":"b"}}`)
	j := makeJob(PriorityNormal, time.Now().UTC())
	j.Payload = payload

	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("payload changed in round trip: got %s, want %s", got.Payload, payload)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want %s", got.Status, StatusPending)
	}
	if got.Type != TypeCSVImport {
		t.Errorf("type = %s, want %s", got.Type, TypeCSVImport)
	}
}

func TestCreateDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := makeJob(PriorityNormal, time.Now().UTC())
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, j); !errors.Is(err, jobqueue.ErrJobAlreadyExists) {
		t.Errorf("duplicate Create error = %v, want ErrJobAlreadyExists", err)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), id.NewJobID()); !errors.Is(err, jobqueue.ErrJobNotFound) {
		t.Errorf("Get missing error = %v, want ErrJobNotFound", err)
	}
}

func TestClaimOrderPriorityThenFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	lowOld := makeJob(PriorityLow, base)
	normalOld := makeJob(PriorityNormal, base.Add(time.Second))
	normalNew := makeJob(PriorityNormal, base.Add(2*time.Second))
	critical := makeJob(PriorityCritical, base.Add(3*time.Second))

	for _, j := range []*Job{lowOld, normalOld, normalNew, critical} {
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	want := []id.JobID{critical.ID, normalOld.ID, normalNew.ID, lowOld.ID}
	for i, wantID := range want {
		j, err := s.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("ClaimNext %d: %v", i, err)
		}
		if j == nil {
			t.Fatalf("ClaimNext %d: got nil, want %s", i, wantID)
		}
		if j.ID != wantID {
			t.Errorf("claim %d = %s, want %s", i, j.ID, wantID)
		}
	}
}

func TestClaimExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := makeJob(PriorityNormal, time.Now().UTC())
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, err := s.ClaimNext(ctx)
	if err != nil || first == nil {
		t.Fatalf("first claim: %v, %v", first, err)
	}
	second, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Errorf("job claimed twice: %s", second.ID)
	}
}

func TestUpdateEnforcesTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := makeJob(PriorityNormal, time.Now().UTC())
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// pending → completed skips processing and must be rejected.
	j.Status = StatusCompleted
	if err := s.Update(ctx, j); !errors.Is(err, jobqueue.ErrInvalidTransition) {
		t.Fatalf("pending→completed error = %v, want ErrInvalidTransition", err)
	}

	j.Status = StatusProcessing
	if err := s.Update(ctx, j); err != nil {
		t.Fatalf("pending→processing: %v", err)
	}

	j.Status = StatusCompleted
	if err := s.Update(ctx, j); err != nil {
		t.Fatalf("processing→completed: %v", err)
	}
	if j.CompletedAt == nil {
		t.Fatal("completedAt not stamped on terminal transition")
	}

	// Terminal states accept nothing.
	j.Status = StatusPending
	if err := s.Update(ctx, j); !errors.Is(err, jobqueue.ErrInvalidTransition) {
		t.Errorf("completed→pending error = %v, want ErrInvalidTransition", err)
	}
}

func TestScheduledJobNotClaimedEarly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	j := makeJob(PriorityNormal, time.Now().UTC())
	j.Config.ScheduleAt = &future
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if got != nil {
		t.Errorf("claimed a job scheduled for the future: %s", got.ID)
	}
}

func TestExpiredJobFailsAtClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	j := makeJob(PriorityNormal, past)
	j.Config.ExpiresAt = &past
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if got != nil {
		t.Fatalf("claimed an expired job: %s", got.ID)
	}

	stored, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != StatusFailed {
		t.Errorf("expired job status = %s, want %s", stored.Status, StatusFailed)
	}
}

func TestDependencyGating(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	dep := makeJob(PriorityNormal, base)
	if err := s.Create(ctx, dep); err != nil {
		t.Fatalf("Create dep: %v", err)
	}

	dependent := makeJob(PriorityCritical, base.Add(time.Second))
	dependent.Config.DependsOn = []id.JobID{dep.ID}
	if err := s.Create(ctx, dependent); err != nil {
		t.Fatalf("Create dependent: %v", err)
	}

	// The dependency itself claims first (dependent skipped, dep next).
	first, err := s.ClaimNext(ctx)
	if err != nil || first == nil {
		t.Fatalf("claim dep: %v, %v", first, err)
	}
	if first.ID != dep.ID {
		t.Fatalf("claimed %s, want dependency %s", first.ID, dep.ID)
	}

	first.Status = StatusProcessing
	if err := s.Update(ctx, first); err != nil {
		t.Fatalf("dep processing: %v", err)
	}
	first.Status = StatusCompleted
	if err := s.Update(ctx, first); err != nil {
		t.Fatalf("dep completed: %v", err)
	}

	got, err := s.ClaimNext(ctx)
	if err != nil || got == nil {
		t.Fatalf("claim dependent: %v, %v", got, err)
	}
	if got.ID != dependent.ID {
		t.Errorf("claimed %s, want %s", got.ID, dependent.ID)
	}
}

func TestFailedDependencyFailsDependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	dep := makeJob(PriorityNormal, base)
	dep.Status = StatusFailed
	if err := s.Create(ctx, dep); err != nil {
		t.Fatalf("Create dep: %v", err)
	}

	dependent := makeJob(PriorityNormal, base.Add(time.Second))
	dependent.Config.DependsOn = []id.JobID{dep.ID}
	if err := s.Create(ctx, dependent); err != nil {
		t.Fatalf("Create dependent: %v", err)
	}

	got, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if got != nil {
		t.Fatalf("claimed %s despite failed dependency", got.ID)
	}

	stored, err := s.Get(ctx, dependent.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != StatusFailed {
		t.Errorf("dependent status = %s, want %s", stored.Status, StatusFailed)
	}
}

func TestRequeueMakesJobClaimable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := makeJob(PriorityNormal, time.Now().UTC().Add(-time.Minute))
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}

	claimed, err := s.ClaimNext(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v, %v", claimed, err)
	}
	claimed.Status = StatusProcessing
	claimed.Worker = id.NewWorkerID()
	if err := s.Update(ctx, claimed); err != nil {
		t.Fatalf("processing: %v", err)
	}
	claimed.Status = StatusRetrying
	if err := s.Update(ctx, claimed); err != nil {
		t.Fatalf("retrying: %v", err)
	}

	if err := s.Requeue(ctx, claimed); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if !claimed.Worker.IsNil() {
		t.Error("worker not cleared on requeue")
	}

	again, err := s.ClaimNext(ctx)
	if err != nil || again == nil {
		t.Fatalf("reclaim: %v, %v", again, err)
	}
	if again.ID != j.ID {
		t.Errorf("reclaimed %s, want %s", again.ID, j.ID)
	}
}

func TestClearCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := makeJob(PriorityNormal, time.Now().UTC().Add(-time.Hour))
	oldDone := time.Now().UTC().Add(-10 * 24 * time.Hour)
	old.Status = StatusCompleted
	old.CompletedAt = &oldDone
	if err := s.Create(ctx, old); err != nil {
		t.Fatalf("Create old: %v", err)
	}

	fresh := makeJob(PriorityNormal, time.Now().UTC())
	freshDone := time.Now().UTC()
	fresh.Status = StatusCompleted
	fresh.CompletedAt = &freshDone
	if err := s.Create(ctx, fresh); err != nil {
		t.Fatalf("Create fresh: %v", err)
	}

	removed, err := s.ClearCompleted(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("ClearCompleted: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if _, err := s.Get(ctx, old.ID); !errors.Is(err, jobqueue.ErrJobNotFound) {
		t.Errorf("old job still present, err = %v", err)
	}
	if _, err := s.Get(ctx, fresh.ID); err != nil {
		t.Errorf("fresh job removed: %v", err)
	}
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := makeJob(PriorityNormal, time.Now().UTC())
	a.OrganizationID = "org-a"
	b := makeJob(PriorityNormal, time.Now().UTC())
	b.OrganizationID = "org-b"
	b.Type = TypeTaxSubmission
	for _, j := range []*Job{a, b} {
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	got, err := s.List(ctx, ListOpts{OrganizationID: "org-a"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("org filter returned %d jobs", len(got))
	}

	got, err = s.List(ctx, ListOpts{Type: TypeTaxSubmission})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].ID != b.ID {
		t.Errorf("type filter returned %d jobs", len(got))
	}
}
