package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taxfold/jobqueue"
	"github.com/taxfold/jobqueue/id"
	"github.com/taxfold/jobqueue/kv"
)

// ListOpts controls filtering and pagination for job list queries.
type ListOpts struct {
	// Status filters by lifecycle state. Empty means all states.
	Status Status
	// Type filters by job type. Empty means all types.
	Type Type
	// OrganizationID filters by tenant. Empty means all tenants.
	OrganizationID string
	// UserID filters by the enqueuing user. Empty means all users.
	UserID string
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// Store persists job records and the priority queue index on the
// durable kv store. Record mutations are read-modify-write; the host
// guarantees a single active writer per partition.
type Store struct {
	kv kv.Store
}

// NewStore creates a record store over the given durable store.
func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

// Create persists a new pending job and its queue index entry.
func (s *Store) Create(ctx context.Context, j *Job) error {
	key := recordKey(j.ID.String())
	if _, err := s.kv.Get(ctx, key); err == nil {
		return jobqueue.ErrJobAlreadyExists
	} else if !errors.Is(err, kv.ErrKeyNotFound) {
		return fmt.Errorf("job: create %s: %w", j.ID, err)
	}

	if err := s.putRecord(ctx, j); err != nil {
		return err
	}
	if j.Status == StatusPending {
		if err := s.kv.Put(ctx, indexKey(j), []byte(j.ID.String())); err != nil {
			return fmt.Errorf("job: index %s: %w", j.ID, err)
		}
	}
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, jobID id.JobID) (*Job, error) {
	raw, err := s.kv.Get(ctx, recordKey(jobID.String()))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, jobqueue.ErrJobNotFound
		}
		return nil, fmt.Errorf("job: get %s: %w", jobID, err)
	}

	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("job: decode %s: %w", jobID, err)
	}
	return &j, nil
}

// Update persists changes to an existing job, enforcing the state
// machine against the stored record. Terminal states accept no
// transitions, and completedAt is stamped exactly when a job enters
// one.
func (s *Store) Update(ctx context.Context, j *Job) error {
	current, err := s.Get(ctx, j.ID)
	if err != nil {
		return err
	}

	if current.Status != j.Status {
		if !current.Status.CanTransition(j.Status) {
			return fmt.Errorf("%w: %s → %s", jobqueue.ErrInvalidTransition, current.Status, j.Status)
		}
		now := time.Now().UTC()
		if j.Status.Terminal() && j.CompletedAt == nil {
			j.CompletedAt = &now
		}
		if !j.Status.Terminal() {
			j.CompletedAt = nil
		}
	}

	j.UpdatedAt = time.Now().UTC()
	return s.putRecord(ctx, j)
}

// Delete removes a job record and any queue index entry for it.
func (s *Store) Delete(ctx context.Context, jobID id.JobID) error {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, indexKey(j)); err != nil {
		return fmt.Errorf("job: delete index %s: %w", jobID, err)
	}
	if err := s.kv.Delete(ctx, recordKey(jobID.String())); err != nil {
		return fmt.Errorf("job: delete %s: %w", jobID, err)
	}
	return nil
}

// List returns jobs matching the given options, newest first.
func (s *Store) List(ctx context.Context, opts ListOpts) ([]*Job, error) {
	entries, err := s.kv.List(ctx, "job:")
	if err != nil {
		return nil, fmt.Errorf("job: list: %w", err)
	}

	jobs := make([]*Job, 0, len(entries))
	for _, e := range entries {
		var j Job
		if err := json.Unmarshal(e.Value, &j); err != nil {
			continue // skip undecodable records
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		if opts.Type != "" && j.Type != opts.Type {
			continue
		}
		if opts.OrganizationID != "" && j.OrganizationID != opts.OrganizationID {
			continue
		}
		if opts.UserID != "" && j.UserID != opts.UserID {
			continue
		}
		jobs = append(jobs, &j)
	}

	// Newest first. Record keys sort by ID (K-sortable), so reverse.
	for i, k := 0, len(jobs)-1; i < k; i, k = i+1, k-1 {
		jobs[i], jobs[k] = jobs[k], jobs[i]
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountsByStatus returns the number of jobs in each lifecycle state.
func (s *Store) CountsByStatus(ctx context.Context) (map[Status]int, error) {
	entries, err := s.kv.List(ctx, "job:")
	if err != nil {
		return nil, fmt.Errorf("job: counts: %w", err)
	}

	counts := make(map[Status]int)
	for _, e := range entries {
		var j Job
		if err := json.Unmarshal(e.Value, &j); err != nil {
			continue
		}
		counts[j.Status]++
	}
	return counts, nil
}

// ClaimNext scans the queue index in claim order and atomically removes
// and returns the first entry whose job is still pending and claimable
// (schedule reached, not expired, dependencies satisfied). Returns
// (nil, nil) when nothing is claimable.
//
// Claim exclusivity relies on the host running a single claim loop per
// partition. A multi-worker host must replace the remove-then-verify
// sequence with an atomic compare-and-swap on the index entry.
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	entries, err := s.kv.List(ctx, queuePrefix)
	if err != nil {
		return nil, fmt.Errorf("job: scan index: %w", err)
	}

	now := time.Now().UTC()
	for _, e := range entries {
		jobID, err := id.ParseJobID(string(e.Value))
		if err != nil {
			// Corrupt entry; drop it rather than wedge the queue.
			_ = s.kv.Delete(ctx, e.Key)
			continue
		}

		j, err := s.Get(ctx, jobID)
		if errors.Is(err, jobqueue.ErrJobNotFound) {
			// Record gone; the index entry is stale.
			_ = s.kv.Delete(ctx, e.Key)
			continue
		}
		if err != nil {
			return nil, err
		}

		if j.Status != StatusPending {
			// Stale entry left behind by a crashed claim; never
			// double-claim a job that has left pending.
			_ = s.kv.Delete(ctx, e.Key)
			continue
		}

		if j.Expired(now) {
			if err := s.failExpired(ctx, j, e.Key); err != nil {
				return nil, err
			}
			continue
		}

		if claimableAt(j).After(now) {
			continue
		}

		ready, failedDep, err := s.dependenciesReady(ctx, j)
		if err != nil {
			return nil, err
		}
		if failedDep != "" {
			j.AppendLog("error", "dependency "+failedDep+" did not complete")
			j.LastError = "dependency " + failedDep + " did not complete"
			j.Status = StatusFailed
			if err := s.Update(ctx, j); err != nil {
				return nil, err
			}
			_ = s.kv.Delete(ctx, e.Key)
			continue
		}
		if !ready {
			continue
		}

		if err := s.kv.Delete(ctx, e.Key); err != nil {
			return nil, fmt.Errorf("job: remove index %s: %w", jobID, err)
		}
		return j, nil
	}
	return nil, nil
}

// Requeue re-inserts a retrying job into the pending index. Called by
// the retry scheduler when the delay elapses.
func (s *Store) Requeue(ctx context.Context, j *Job) error {
	j.Status = StatusPending
	j.Worker = id.Nil
	j.StartedAt = nil
	if err := s.Update(ctx, j); err != nil {
		return err
	}
	if err := s.kv.Put(ctx, indexKey(j), []byte(j.ID.String())); err != nil {
		return fmt.Errorf("job: requeue index %s: %w", j.ID, err)
	}
	return nil
}

// RemoveIndexEntry deletes the job's queue index entry, if any.
// Used by the cancellation engine to pull pending jobs out of the queue.
func (s *Store) RemoveIndexEntry(ctx context.Context, j *Job) error {
	if err := s.kv.Delete(ctx, indexKey(j)); err != nil {
		return fmt.Errorf("job: remove index %s: %w", j.ID, err)
	}
	return nil
}

// ClearCompleted deletes completed jobs whose completion is older than
// the cutoff. Returns the number of records removed.
func (s *Store) ClearCompleted(ctx context.Context, olderThan time.Time) (int, error) {
	jobs, err := s.List(ctx, ListOpts{Status: StatusCompleted})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, j := range jobs {
		if j.CompletedAt == nil || j.CompletedAt.After(olderThan) {
			continue
		}
		if err := s.Delete(ctx, j.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// failExpired marks an expired pending job failed and drops its index entry.
func (s *Store) failExpired(ctx context.Context, j *Job, entryKey string) error {
	j.LastError = jobqueue.ErrJobExpired.Error()
	j.AppendLog("error", "expired before execution")
	j.Status = StatusFailed
	if err := s.Update(ctx, j); err != nil {
		return err
	}
	return s.kv.Delete(ctx, entryKey)
}

// dependenciesReady reports whether every dependency has completed.
// A failed or cancelled dependency is returned as failedDep so the
// caller can fail the job instead of waiting forever.
func (s *Store) dependenciesReady(ctx context.Context, j *Job) (ready bool, failedDep string, err error) {
	for _, dep := range j.Config.DependsOn {
		d, err := s.Get(ctx, dep)
		if errors.Is(err, jobqueue.ErrJobNotFound) {
			return false, dep.String(), nil
		}
		if err != nil {
			return false, "", err
		}
		switch d.Status {
		case StatusCompleted:
		case StatusFailed, StatusCancelled:
			return false, dep.String(), nil
		default:
			return false, "", nil
		}
	}
	return true, "", nil
}

func (s *Store) putRecord(ctx context.Context, j *Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("job: encode %s: %w", j.ID, err)
	}
	if err := s.kv.Put(ctx, recordKey(j.ID.String()), raw); err != nil {
		return fmt.Errorf("job: put %s: %w", j.ID, err)
	}
	return nil
}
