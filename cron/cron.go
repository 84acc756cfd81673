// Package cron enqueues jobs on recurring schedules. Entries are kept
// on the durable store so schedules survive restarts; the scheduler
// tick re-reads them, fires any that are due, and advances their next
// run from the cron expression.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taxfold/jobqueue"
	"github.com/taxfold/jobqueue/ext"
	"github.com/taxfold/jobqueue/job"
	"github.com/taxfold/jobqueue/kv"
)

// tickInterval is how often the scheduler checks for due entries.
const tickInterval = 30 * time.Second

const keyPrefix = "cron:"

func entryKey(name string) string { return keyPrefix + name }

// parser accepts standard five-field expressions plus descriptors like
// @daily and @every 1h.
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Entry is one recurring schedule.
type Entry struct {
	Name           string          `json:"name"`
	Spec           string          `json:"spec"`
	JobType        job.Type        `json:"job_type"`
	OrganizationID string          `json:"organization_id"`
	UserID         string          `json:"user_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Disabled       bool            `json:"disabled,omitempty"`
	LastRun        *time.Time      `json:"last_run,omitempty"`
	NextRun        time.Time       `json:"next_run"`
	CreatedAt      time.Time       `json:"created_at"`
}

// EnqueueFunc submits the job when an entry fires. Wired to the queue
// engine's Enqueue.
type EnqueueFunc func(ctx context.Context, t job.Type, orgID, userID string, payload json.RawMessage, opts ...job.Option) (*job.Job, error)

// Scheduler drives recurring entries.
type Scheduler struct {
	kv      kv.Store
	enqueue EnqueueFunc
	hooks   *ext.Registry
	logger  *slog.Logger
}

// NewScheduler creates a cron scheduler.
func NewScheduler(kvStore kv.Store, enqueue EnqueueFunc, hooks *ext.Registry, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{kv: kvStore, enqueue: enqueue, hooks: hooks, logger: logger}
}

// Add registers a new schedule. The expression is validated and the
// first run computed before the entry is persisted.
func (s *Scheduler) Add(ctx context.Context, e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("cron: entry needs a name")
	}
	sched, err := parser.Parse(e.Spec)
	if err != nil {
		return fmt.Errorf("cron: parse %q: %w", e.Spec, err)
	}
	if _, err := s.kv.Get(ctx, entryKey(e.Name)); err == nil {
		return jobqueue.ErrDuplicateCron
	} else if !errors.Is(err, kv.ErrKeyNotFound) {
		return fmt.Errorf("cron: add %s: %w", e.Name, err)
	}

	now := time.Now().UTC()
	e.NextRun = sched.Next(now)
	e.CreatedAt = now
	if err := s.put(ctx, &e); err != nil {
		return err
	}

	s.logger.Info("cron entry added",
		slog.String("name", e.Name),
		slog.String("spec", e.Spec),
		slog.String("job_type", string(e.JobType)),
		slog.Time("next_run", e.NextRun),
	)
	return nil
}

// Get retrieves one schedule by name.
func (s *Scheduler) Get(ctx context.Context, name string) (*Entry, error) {
	raw, err := s.kv.Get(ctx, entryKey(name))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, jobqueue.ErrCronNotFound
		}
		return nil, fmt.Errorf("cron: get %s: %w", name, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("cron: decode %s: %w", name, err)
	}
	return &e, nil
}

// List returns all schedules.
func (s *Scheduler) List(ctx context.Context) ([]*Entry, error) {
	raw, err := s.kv.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("cron: list: %w", err)
	}
	entries := make([]*Entry, 0, len(raw))
	for _, kvEntry := range raw {
		var e Entry
		if err := json.Unmarshal(kvEntry.Value, &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// Remove deletes a schedule.
func (s *Scheduler) Remove(ctx context.Context, name string) error {
	if _, err := s.Get(ctx, name); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, entryKey(name)); err != nil {
		return fmt.Errorf("cron: remove %s: %w", name, err)
	}
	s.logger.Info("cron entry removed", slog.String("name", name))
	return nil
}

// SetDisabled pauses or resumes a schedule. A resumed entry's next run
// is recomputed from now, not backfilled.
func (s *Scheduler) SetDisabled(ctx context.Context, name string, disabled bool) error {
	e, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	e.Disabled = disabled
	if !disabled {
		sched, err := parser.Parse(e.Spec)
		if err != nil {
			return fmt.Errorf("cron: parse %q: %w", e.Spec, err)
		}
		e.NextRun = sched.Next(time.Now().UTC())
	}
	return s.put(ctx, e)
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

// fireDue enqueues every enabled entry whose next run has passed and
// advances it. A failed enqueue leaves the entry due so the next tick
// retries it.
func (s *Scheduler) fireDue(ctx context.Context) {
	entries, err := s.List(ctx)
	if err != nil {
		s.logger.Warn("cron scan failed", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, e := range entries {
		if e.Disabled || e.NextRun.After(now) {
			continue
		}

		j, err := s.enqueue(ctx, e.JobType, e.OrganizationID, e.UserID, e.Payload)
		if err != nil {
			s.logger.Warn("cron enqueue failed",
				slog.String("name", e.Name),
				slog.String("error", err.Error()),
			)
			continue
		}

		sched, err := parser.Parse(e.Spec)
		if err != nil {
			s.logger.Error("cron entry became unparseable",
				slog.String("name", e.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		ran := now
		e.LastRun = &ran
		e.NextRun = sched.Next(now)
		if err := s.put(ctx, e); err != nil {
			s.logger.Warn("cron advance failed",
				slog.String("name", e.Name),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.logger.Info("cron entry fired",
			slog.String("name", e.Name),
			slog.String("job_id", j.ID.String()),
			slog.Time("next_run", e.NextRun),
		)
		s.hooks.EmitCronFired(ctx, e.Name, j)
	}
}

func (s *Scheduler) put(ctx context.Context, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cron: encode %s: %w", e.Name, err)
	}
	if err := s.kv.Put(ctx, entryKey(e.Name), raw); err != nil {
		return fmt.Errorf("cron: put %s: %w", e.Name, err)
	}
	return nil
}
