package stream

import (
	"testing"
	"time"

	"github.com/taxfold/jobqueue/id"
	"github.com/taxfold/jobqueue/job"
)

func testMessage(kind Kind, orgID, userID, jobID string) *Message {
	return &Message{
		ID:             id.NewNotificationID(),
		Kind:           kind,
		Timestamp:      time.Now().UTC(),
		UserID:         userID,
		OrganizationID: orgID,
		JobID:          jobID,
		JobType:        job.TypeCSVImport,
	}
}

func recv(t *testing.T, s *Subscriber) *Message {
	t.Helper()
	select {
	case m := <-s.C():
		return m
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func assertEmpty(t *testing.T, s *Subscriber) {
	t.Helper()
	select {
	case m := <-s.C():
		t.Fatalf("unexpected message: %s about %s", m.Kind, m.JobID)
	default:
	}
}

func TestFilterIsolation(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	filtered := b.Subscribe(id.NewConnectionID(), "user-1", "org-1")
	filtered.AddFilter(Filter{JobID: "job-x"})
	unfiltered := b.Subscribe(id.NewConnectionID(), "user-2", "org-1")

	b.Publish(testMessage(KindJobProgress, "org-1", "", "job-y"))

	assertEmpty(t, filtered)
	if m := recv(t, unfiltered); m.JobID != "job-y" {
		t.Errorf("unfiltered got %s", m.JobID)
	}

	b.Publish(testMessage(KindJobProgress, "org-1", "", "job-x"))
	if m := recv(t, filtered); m.JobID != "job-x" {
		t.Errorf("filtered got %s", m.JobID)
	}
}

func TestKindFilter(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	s := b.Subscribe(id.NewConnectionID(), "user-1", "org-1")
	s.AddFilter(Filter{Kinds: []Kind{KindJobCompleted, KindJobFailed}})

	b.Publish(testMessage(KindJobProgress, "org-1", "", "job-1"))
	assertEmpty(t, s)

	b.Publish(testMessage(KindJobCompleted, "org-1", "", "job-1"))
	if m := recv(t, s); m.Kind != KindJobCompleted {
		t.Errorf("got kind %s", m.Kind)
	}
}

func TestTenantIsolation(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	org1 := b.Subscribe(id.NewConnectionID(), "user-1", "org-1")
	org2 := b.Subscribe(id.NewConnectionID(), "user-2", "org-2")

	b.Publish(testMessage(KindJobCompleted, "org-1", "", "job-1"))

	recv(t, org1)
	assertEmpty(t, org2)
}

func TestUserTargeting(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	target := b.Subscribe(id.NewConnectionID(), "user-1", "org-1")
	other := b.Subscribe(id.NewConnectionID(), "user-2", "org-1")

	b.Publish(testMessage(KindJobFailed, "org-1", "user-1", "job-1"))

	recv(t, target)
	assertEmpty(t, other)
}

func TestCreditWindow(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	s := b.Subscribe(id.NewConnectionID(), "user-1", "org-1")
	s.Grant(1)

	b.Publish(testMessage(KindJobProgress, "org-1", "", "job-1"))
	b.Publish(testMessage(KindJobProgress, "org-1", "", "job-2"))

	if m := recv(t, s); m.JobID != "job-1" {
		t.Errorf("delivered %s, want job-1", m.JobID)
	}
	assertEmpty(t, s)
	if s.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", s.Dropped())
	}

	// A fresh grant reopens the window.
	s.Grant(1)
	b.Publish(testMessage(KindJobProgress, "org-1", "", "job-3"))
	if m := recv(t, s); m.JobID != "job-3" {
		t.Errorf("delivered %s, want job-3", m.JobID)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(nil)

	connID := id.NewConnectionID()
	s := b.Subscribe(connID, "user-1", "org-1")
	if b.Subscribers() != 1 {
		t.Fatalf("subscribers = %d", b.Subscribers())
	}

	b.Unsubscribe(connID)
	if b.Subscribers() != 0 {
		t.Errorf("subscribers = %d after unsubscribe", b.Subscribers())
	}
	if _, open := <-s.C(); open {
		t.Error("channel still open after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	b.Publish(testMessage(KindJobProgress, "org-1", "", "job-1"))
}

func TestFilterKeyCanonical(t *testing.T) {
	a := Filter{JobID: "j", Kinds: []Kind{KindJobFailed, KindJobCompleted}}
	b := Filter{JobID: "j", Kinds: []Kind{KindJobCompleted, KindJobFailed}}
	if a.Key() != b.Key() {
		t.Errorf("kind order changes filter identity: %q vs %q", a.Key(), b.Key())
	}
}

func TestRemoveFilterRestoresFullStream(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	s := b.Subscribe(id.NewConnectionID(), "user-1", "org-1")
	f := Filter{JobID: "job-x"}
	s.AddFilter(f)

	b.Publish(testMessage(KindJobProgress, "org-1", "", "job-y"))
	assertEmpty(t, s)

	s.RemoveFilter(f)
	b.Publish(testMessage(KindJobProgress, "org-1", "", "job-y"))
	recv(t, s)
}
