// Package archive keeps permanently failed jobs for inspection and
// replay. An archive entry snapshots the job, its attempt history, and
// the final error at the moment the retry budget ran out.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taxfold/jobqueue"
	"github.com/taxfold/jobqueue/ext"
	"github.com/taxfold/jobqueue/id"
	"github.com/taxfold/jobqueue/job"
	"github.com/taxfold/jobqueue/kv"
	"github.com/taxfold/jobqueue/retry"
)

const keyPrefix = "archive:"

func entryKey(archiveID string) string { return keyPrefix + archiveID }

// Entry is one archived failure.
type Entry struct {
	ID         id.ArchiveID        `json:"id"`
	Job        job.Job             `json:"job"`
	Attempts   []retry.Attempt     `json:"attempts,omitempty"`
	FinalError string              `json:"final_error"`
	FinalClass jobqueue.ErrorClass `json:"final_class"`
	ArchivedAt time.Time           `json:"archived_at"`
	// ReplayedAs records the job created from this entry, if any.
	ReplayedAs id.JobID `json:"replayed_as,omitempty"`
}

// Store persists archive entries on the durable store.
type Store struct {
	kv     kv.Store
	jobs   *job.Store
	hooks  *ext.Registry
	logger *slog.Logger
}

// NewStore creates an archive store.
func NewStore(kvStore kv.Store, jobs *job.Store, hooks *ext.Registry, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kvStore, jobs: jobs, hooks: hooks, logger: logger}
}

// Push archives a permanently failed job together with its attempt
// history and emits the archived hook.
func (s *Store) Push(ctx context.Context, j *job.Job, attempts []retry.Attempt, finalErr error) (*Entry, error) {
	e := &Entry{
		ID:         id.NewArchiveID(),
		Job:        *j,
		Attempts:   attempts,
		FinalError: finalErr.Error(),
		FinalClass: retry.Classify(finalErr),
		ArchivedAt: time.Now().UTC(),
	}
	if err := s.put(ctx, e); err != nil {
		return nil, err
	}

	s.logger.Info("job archived",
		slog.String("archive_id", e.ID.String()),
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(j.Type)),
		slog.String("class", string(e.FinalClass)),
	)
	s.hooks.EmitJobArchived(ctx, j, finalErr)
	return e, nil
}

// Get retrieves one archive entry.
func (s *Store) Get(ctx context.Context, archiveID id.ArchiveID) (*Entry, error) {
	raw, err := s.kv.Get(ctx, entryKey(archiveID.String()))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, jobqueue.ErrArchiveNotFound
		}
		return nil, fmt.Errorf("archive: get %s: %w", archiveID, err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("archive: decode %s: %w", archiveID, err)
	}
	return &e, nil
}

// ListOpts filters archive listings.
type ListOpts struct {
	Type           job.Type
	OrganizationID string
	Limit          int
}

// List returns archive entries, newest first.
func (s *Store) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	raw, err := s.kv.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}

	entries := make([]*Entry, 0, len(raw))
	for _, kvEntry := range raw {
		var e Entry
		if err := json.Unmarshal(kvEntry.Value, &e); err != nil {
			continue
		}
		if opts.Type != "" && e.Job.Type != opts.Type {
			continue
		}
		if opts.OrganizationID != "" && e.Job.OrganizationID != opts.OrganizationID {
			continue
		}
		entries = append(entries, &e)
	}

	// Keys sort by K-sortable archive ID, so reverse for newest first.
	for i, k := 0, len(entries)-1; i < k; i, k = i+1, k-1 {
		entries[i], entries[k] = entries[k], entries[i]
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// Replay creates a fresh pending job from an archived failure: new ID,
// zero retry count, same type and payload and configuration. The entry
// records the replay so operators can trace it.
func (s *Store) Replay(ctx context.Context, archiveID id.ArchiveID) (*job.Job, error) {
	e, err := s.Get(ctx, archiveID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	fresh := &job.Job{
		ID:             id.NewJobID(),
		Type:           e.Job.Type,
		Status:         job.StatusPending,
		OrganizationID: e.Job.OrganizationID,
		UserID:         e.Job.UserID,
		Payload:        e.Job.Payload,
		Config:         e.Job.Config,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	fresh.AppendLog("info", "replayed from archive "+archiveID.String())
	if err := s.jobs.Create(ctx, fresh); err != nil {
		return nil, err
	}

	e.ReplayedAs = fresh.ID
	if err := s.put(ctx, e); err != nil {
		return nil, err
	}

	s.logger.Info("archive entry replayed",
		slog.String("archive_id", archiveID.String()),
		slog.String("job_id", fresh.ID.String()),
	)
	return fresh, nil
}

// Purge deletes archive entries older than the cutoff. Returns the
// number removed.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	raw, err := s.kv.List(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("archive: purge: %w", err)
	}

	removed := 0
	for _, kvEntry := range raw {
		var e Entry
		if err := json.Unmarshal(kvEntry.Value, &e); err != nil {
			continue
		}
		if e.ArchivedAt.After(olderThan) {
			continue
		}
		if err := s.kv.Delete(ctx, kvEntry.Key); err != nil {
			return removed, fmt.Errorf("archive: delete %s: %w", kvEntry.Key, err)
		}
		removed++
	}
	return removed, nil
}

func (s *Store) put(ctx context.Context, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", e.ID, err)
	}
	if err := s.kv.Put(ctx, entryKey(e.ID.String()), raw); err != nil {
		return fmt.Errorf("archive: put %s: %w", e.ID, err)
	}
	return nil
}
