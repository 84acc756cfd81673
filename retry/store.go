package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/taxfold/jobqueue/id"
	"github.com/taxfold/jobqueue/kv"
)

// Key naming for retry data on the durable store.
//
//	retry:{jobID}:{attempt}   one Attempt record (JSON)
//	escalation:{jobID}        Escalation record (JSON)

func attemptKey(jobID string, number int) string {
	return fmt.Sprintf("retry:%s:%03d", jobID, number)
}

func attemptPrefix(jobID string) string { return "retry:" + jobID + ":" }

func escalationKey(jobID string) string { return "escalation:" + jobID }

// store persists attempt and escalation records.
type store struct {
	kv kv.Store
}

// putAttempt persists one attempt record.
func (s *store) putAttempt(ctx context.Context, jobID id.JobID, a Attempt) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("retry: encode attempt: %w", err)
	}
	if err := s.kv.Put(ctx, attemptKey(jobID.String(), a.Number), raw); err != nil {
		return fmt.Errorf("retry: put attempt %d for %s: %w", a.Number, jobID, err)
	}
	return nil
}

// attempts returns a job's attempt records in attempt order.
func (s *store) attempts(ctx context.Context, jobID id.JobID) ([]Attempt, error) {
	entries, err := s.kv.List(ctx, attemptPrefix(jobID.String()))
	if err != nil {
		return nil, fmt.Errorf("retry: list attempts for %s: %w", jobID, err)
	}

	out := make([]Attempt, 0, len(entries))
	for _, e := range entries {
		var a Attempt
		if err := json.Unmarshal(e.Value, &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// clearAttempts removes all attempt records for a job.
func (s *store) clearAttempts(ctx context.Context, jobID id.JobID) error {
	entries, err := s.kv.List(ctx, attemptPrefix(jobID.String()))
	if err != nil {
		return fmt.Errorf("retry: clear attempts for %s: %w", jobID, err)
	}
	for _, e := range entries {
		if err := s.kv.Delete(ctx, e.Key); err != nil {
			return fmt.Errorf("retry: delete attempt %s: %w", e.Key, err)
		}
	}
	return nil
}

// putEscalation persists an escalation record if none exists yet.
// Returns true when the record was newly raised.
func (s *store) putEscalation(ctx context.Context, esc Escalation) (bool, error) {
	key := escalationKey(esc.JobID)
	if _, err := s.kv.Get(ctx, key); err == nil {
		return false, nil // raised once, never again
	}
	raw, err := json.Marshal(esc)
	if err != nil {
		return false, fmt.Errorf("retry: encode escalation: %w", err)
	}
	if err := s.kv.Put(ctx, key, raw); err != nil {
		return false, fmt.Errorf("retry: put escalation for %s: %w", esc.JobID, err)
	}
	return true, nil
}
