package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/taxfold/jobqueue/id"
	"github.com/taxfold/jobqueue/job"
	"github.com/taxfold/jobqueue/kv/memory"
	"github.com/taxfold/jobqueue/stream"
)

func testJob() *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		ID:             id.NewJobID(),
		Type:           job.TypeCSVImport,
		Status:         job.StatusProcessing,
		OrganizationID: "org-1",
		UserID:         "user-1",
		Config:         job.DefaultConfig(),
		CreatedAt:      now,
	}
}

func TestCompletionFansOutToTenant(t *testing.T) {
	broker := stream.NewBroker(nil)
	defer broker.Close()
	tracker := NewTracker(broker, memory.New(), nil)

	sub := broker.Subscribe(id.NewConnectionID(), "user-2", "org-1")

	j := testJob()
	j.Status = job.StatusCompleted
	j.Result = &job.Result{Success: true, Statistics: job.Statistics{Processed: 5, Successful: 5}}
	if err := tracker.OnJobCompleted(context.Background(), j, 3*time.Second); err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}

	select {
	case m := <-sub.C():
		if m.Kind != stream.KindJobCompleted {
			t.Errorf("kind = %s", m.Kind)
		}
		var data stream.JobCompletedData
		if err := json.Unmarshal(m.Data, &data); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if data.Statistics.Processed != 5 || data.DurationMS != 3000 {
			t.Errorf("payload = %+v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion message")
	}
}

func TestFailureBroadcastReachesOrgSubscribers(t *testing.T) {
	broker := stream.NewBroker(nil)
	defer broker.Close()
	tracker := NewTracker(broker, memory.New(), nil)

	j := testJob()
	colleague := broker.Subscribe(id.NewConnectionID(), "user-2", "org-1")
	colleague.AddFilter(stream.Filter{JobID: j.ID.String()})
	outsider := broker.Subscribe(id.NewConnectionID(), "user-3", "org-2")

	j.Status = job.StatusFailed
	if err := tracker.OnJobFailed(context.Background(), j, errors.New("connection refused")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}

	select {
	case m := <-colleague.C():
		if m.Kind != stream.KindJobFailed {
			t.Errorf("kind = %s", m.Kind)
		}
		if m.UserID != "" {
			t.Errorf("broadcast carries userId %q", m.UserID)
		}
	case <-time.After(time.Second):
		t.Fatal("org subscriber with jobId filter got no failure broadcast")
	}

	select {
	case m := <-outsider.C():
		t.Fatalf("foreign tenant received %s", m.Kind)
	default:
	}
}

func TestFailureAlsoTargetsEnqueuingUser(t *testing.T) {
	broker := stream.NewBroker(nil)
	defer broker.Close()
	tracker := NewTracker(broker, memory.New(), nil)

	owner := broker.Subscribe(id.NewConnectionID(), "user-1", "org-1")

	j := testJob()
	j.Status = job.StatusFailed
	if err := tracker.OnJobFailed(context.Background(), j, errors.New("connection refused")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}

	// The owner sees the tenant broadcast and a direct notice.
	var broadcast, direct int
	for i := 0; i < 2; i++ {
		select {
		case m := <-owner.C():
			if m.Kind != stream.KindJobFailed {
				t.Errorf("kind = %s", m.Kind)
			}
			if m.UserID == "user-1" {
				direct++
			} else {
				broadcast++
			}
		case <-time.After(time.Second):
			t.Fatalf("owner got %d messages, want 2", i)
		}
	}
	if broadcast != 1 || direct != 1 {
		t.Errorf("broadcast = %d, direct = %d, want 1 each", broadcast, direct)
	}
}

func TestCancellationBroadcastReachesOrgSubscribers(t *testing.T) {
	broker := stream.NewBroker(nil)
	defer broker.Close()
	tracker := NewTracker(broker, memory.New(), nil)

	j := testJob()
	colleague := broker.Subscribe(id.NewConnectionID(), "user-2", "org-1")
	colleague.AddFilter(stream.Filter{JobID: j.ID.String()})

	j.Status = job.StatusCancelled
	if err := tracker.OnJobCancelled(context.Background(), j, "graceful"); err != nil {
		t.Fatalf("OnJobCancelled: %v", err)
	}

	select {
	case m := <-colleague.C():
		if m.Kind != stream.KindJobCancelled {
			t.Errorf("kind = %s", m.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("org subscriber with jobId filter got no cancellation broadcast")
	}
}

func TestRaiseScopesToTenant(t *testing.T) {
	broker := stream.NewBroker(nil)
	defer broker.Close()
	tracker := NewTracker(broker, memory.New(), nil)

	inside := broker.Subscribe(id.NewConnectionID(), "user-1", "org-1")
	outside := broker.Subscribe(id.NewConnectionID(), "user-1", "org-2")

	err := tracker.Raise(stream.KindExternalSystemUpdate, "org-1", "", stream.ExternalSystemUpdateData{
		System: "lhdn",
		Status: "degraded",
	})
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}

	select {
	case m := <-inside.C():
		if m.Kind != stream.KindExternalSystemUpdate {
			t.Errorf("kind = %s", m.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("tenant subscriber got nothing")
	}

	select {
	case m := <-outside.C():
		t.Fatalf("foreign tenant received %s", m.Kind)
	default:
	}
}

func TestLastSnapshotSurvives(t *testing.T) {
	broker := stream.NewBroker(nil)
	defer broker.Close()
	mem := memory.New()
	tracker := NewTracker(broker, mem, nil)
	ctx := context.Background()

	j := testJob()
	if err := tracker.OnJobProgress(ctx, j, job.Progress{Percent: 60, Stage: "validating"}); err != nil {
		t.Fatalf("OnJobProgress: %v", err)
	}

	last, err := tracker.Last(ctx, j.ID)
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if last.Kind != stream.KindJobProgress {
		t.Errorf("kind = %s", last.Kind)
	}
	var data stream.JobProgressData
	if err := json.Unmarshal(last.Data, &data); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if data.Percent != 60 || data.Stage != "validating" {
		t.Errorf("payload = %+v", data)
	}
}
