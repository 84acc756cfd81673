package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taxfold/jobqueue/ext"
	"github.com/taxfold/jobqueue/id"
	"github.com/taxfold/jobqueue/job"
	"github.com/taxfold/jobqueue/kv"
)

// Engine decides whether failed jobs retry, schedules the re-insert
// into the pending queue after the policy delay, and keeps rolling
// per-type retry statistics.
type Engine struct {
	jobs   *job.Store
	store  *store
	hooks  *ext.Registry
	logger *slog.Logger

	mu       sync.Mutex
	policies map[job.Type]Policy
	timers   map[string]*time.Timer
	orgTZ    map[string]*time.Location
	stats    map[job.Type]*TypeStats

	// cancelInFlight reports whether a cancellation request for the job
	// is currently being processed. When the retry delay elapses while a
	// cancellation is in flight, the cancellation wins and the job is
	// not re-queued. Wired by the host to the cancellation engine.
	cancelInFlight func(jobID id.JobID) bool
}

// TypeStats is a rolling per-type summary of retry outcomes.
type TypeStats struct {
	Scheduled    int `json:"scheduled"`
	RecoveredBy  int `json:"recovered_by_retry"`
	Exhausted    int `json:"exhausted"`
	NonRetryable int `json:"non_retryable"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy registers the retry policy for a job type.
func WithPolicy(t job.Type, p Policy) Option {
	return func(e *Engine) { e.policies[t] = p }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithCancellationCheck wires the in-flight cancellation probe used to
// break the retry/cancel race in the cancellation's favor.
func WithCancellationCheck(fn func(jobID id.JobID) bool) Option {
	return func(e *Engine) { e.cancelInFlight = fn }
}

// NewEngine creates a retry engine over the given stores. Types without
// a registered policy use DefaultPolicy.
func NewEngine(jobs *job.Store, kvStore kv.Store, hooks *ext.Registry, opts ...Option) *Engine {
	e := &Engine{
		jobs:     jobs,
		store:    &store{kv: kvStore},
		hooks:    hooks,
		logger:   slog.Default(),
		policies: make(map[job.Type]Policy),
		timers:   make(map[string]*time.Timer),
		orgTZ:    make(map[string]*time.Location),
		stats:    make(map[job.Type]*TypeStats),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the effective policy for a job type.
func (e *Engine) Policy(t job.Type) Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.policies[t]; ok {
		return p
	}
	return DefaultPolicy()
}

// SetPolicy registers or replaces the policy for a job type.
func (e *Engine) SetPolicy(t job.Type, p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[t] = p
}

// SetCancellationCheck wires the in-flight cancellation probe after
// construction, for hosts that build the cancellation engine second.
func (e *Engine) SetCancellationCheck(fn func(jobID id.JobID) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelInFlight = fn
}

// SetOrganizationTimezone overrides the business-hours timezone for one
// organization's jobs.
func (e *Engine) SetOrganizationTimezone(orgID string, loc *time.Location) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orgTZ[orgID] = loc
}

// ShouldRetry reports whether a failed job gets another attempt: the
// retry budget must not be exhausted and the policy must allow the
// error class. The job's own MaxRetries caps the budget even when the
// type policy allows more.
func (e *Engine) ShouldRetry(j *job.Job, execErr error) bool {
	p := e.Policy(j.Type)

	budget := j.Config.MaxRetries
	if p.MaxRetries < budget {
		budget = p.MaxRetries
	}
	if j.RetryCount >= budget {
		return false
	}

	class := Classify(execErr)
	if !p.allowsClass(class) {
		e.markNonRetryable(j.Type)
		return false
	}
	return true
}

// ScheduleRetry records the failed attempt, moves the job to retrying,
// and arms a timer that re-queues it after the policy delay. The
// attempt record is durable before the timer is armed, so a crash loses
// at most the timer, never the history.
func (e *Engine) ScheduleRetry(ctx context.Context, j *job.Job, execErr error) (time.Time, error) {
	p := e.Policy(j.Type)
	if d := j.Config.RetryDelay; d > 0 {
		p.BaseDelay = d
	}
	now := time.Now().UTC()

	attempt := j.RetryCount + 1
	delay := p.Delay(attempt, now, e.location(p, j.OrganizationID))
	nextAt := now.Add(delay)

	rec := Attempt{
		Number:        attempt,
		Timestamp:     now,
		Error:         execErr.Error(),
		Class:         Classify(execErr),
		Delay:         delay,
		Strategy:      p.Strategy,
		NextAttemptAt: nextAt,
	}
	if err := e.store.putAttempt(ctx, j.ID, rec); err != nil {
		return time.Time{}, err
	}

	j.RetryCount = attempt
	j.LastError = execErr.Error()
	j.Status = job.StatusRetrying
	j.AppendLog("warn", fmt.Sprintf("attempt %d failed (%s), retry in %s", attempt, rec.Class, delay.Round(time.Millisecond)))
	if err := e.jobs.Update(ctx, j); err != nil {
		return time.Time{}, err
	}

	e.maybeEscalate(ctx, j, p, attempt, execErr)

	e.mu.Lock()
	if t, ok := e.timers[j.ID.String()]; ok {
		t.Stop()
	}
	jobID := j.ID
	e.timers[jobID.String()] = time.AfterFunc(delay, func() { e.fire(jobID) })
	s := e.typeStats(j.Type)
	s.Scheduled++
	e.mu.Unlock()

	e.logger.Info("retry scheduled",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(j.Type)),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
	e.hooks.EmitJobRetrying(ctx, j, attempt, nextAt)
	return nextAt, nil
}

// fire runs when a retry delay elapses. The job is re-read from the
// store first: if it is no longer retrying, or a cancellation is in
// flight, the re-queue is dropped and the cancellation wins.
func (e *Engine) fire(jobID id.JobID) {
	ctx := context.Background()

	e.mu.Lock()
	delete(e.timers, jobID.String())
	e.mu.Unlock()

	j, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		e.logger.Warn("retry fire: job lookup failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if j.Status != job.StatusRetrying {
		return
	}
	if e.cancelInFlight != nil && e.cancelInFlight(jobID) {
		e.logger.Info("retry dropped, cancellation in flight",
			slog.String("job_id", jobID.String()),
		)
		return
	}

	if err := e.jobs.Requeue(ctx, j); err != nil {
		e.logger.Error("retry requeue failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// CancelScheduled stops a pending retry timer. Returns true when a
// timer existed and was stopped before firing.
func (e *Engine) CancelScheduled(jobID id.JobID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.timers[jobID.String()]
	if !ok {
		return false
	}
	delete(e.timers, jobID.String())
	return t.Stop()
}

// MarkSuccess records a successful completion and clears the job's
// attempt history. A success after one or more retries counts as a
// recovery.
func (e *Engine) MarkSuccess(ctx context.Context, j *job.Job) {
	e.mu.Lock()
	if j.RetryCount > 0 {
		e.typeStats(j.Type).RecoveredBy++
	}
	e.mu.Unlock()

	if err := e.store.clearAttempts(ctx, j.ID); err != nil {
		e.logger.Warn("clear attempts failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// MarkExhausted records a permanent failure after the retry budget ran out.
func (e *Engine) MarkExhausted(t job.Type) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.typeStats(t).Exhausted++
}

// Attempts returns the job's durable attempt history in order.
func (e *Engine) Attempts(ctx context.Context, jobID id.JobID) ([]Attempt, error) {
	return e.store.attempts(ctx, jobID)
}

// Stats returns a snapshot of the rolling per-type retry statistics.
func (e *Engine) Stats() map[job.Type]TypeStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[job.Type]TypeStats, len(e.stats))
	for t, s := range e.stats {
		out[t] = *s
	}
	return out
}

// Stop cancels all pending retry timers. Retrying jobs stay in the
// retrying state on the store and are re-armed by the host on restart
// via Recover.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, t := range e.timers {
		t.Stop()
		delete(e.timers, key)
	}
}

// Recover re-arms timers for jobs left in the retrying state by a
// previous run. Jobs whose next attempt time has already passed are
// re-queued immediately.
func (e *Engine) Recover(ctx context.Context) error {
	jobs, err := e.jobs.List(ctx, job.ListOpts{Status: job.StatusRetrying})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, j := range jobs {
		attempts, err := e.store.attempts(ctx, j.ID)
		if err != nil {
			return err
		}
		var nextAt time.Time
		if n := len(attempts); n > 0 {
			nextAt = attempts[n-1].NextAttemptAt
		}

		delay := nextAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		jobID := j.ID
		e.mu.Lock()
		e.timers[jobID.String()] = time.AfterFunc(delay, func() { e.fire(jobID) })
		e.mu.Unlock()

		e.logger.Info("retry timer recovered",
			slog.String("job_id", jobID.String()),
			slog.Duration("delay", delay),
		)
	}
	return nil
}

// maybeEscalate raises a one-time escalation record once the attempt
// count reaches the policy threshold.
func (e *Engine) maybeEscalate(ctx context.Context, j *job.Job, p Policy, attempts int, execErr error) {
	if p.EscalationThreshold <= 0 || attempts < p.EscalationThreshold {
		return
	}

	raised, err := e.store.putEscalation(ctx, Escalation{
		JobID:     j.ID.String(),
		JobType:   j.Type,
		Attempts:  attempts,
		LastError: execErr.Error(),
		RaisedAt:  time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("escalation record failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if raised {
		e.logger.Warn("job escalated",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", string(j.Type)),
			slog.Int("attempts", attempts),
		)
		e.hooks.EmitJobEscalated(ctx, j, attempts)
	}
}

// location resolves the business-hours timezone: organization override
// first, then the policy timezone, then UTC.
func (e *Engine) location(p Policy, orgID string) *time.Location {
	e.mu.Lock()
	loc := e.orgTZ[orgID]
	e.mu.Unlock()
	if loc != nil {
		return loc
	}
	if p.Timezone != "" {
		if l, err := time.LoadLocation(p.Timezone); err == nil {
			return l
		}
	}
	return time.UTC
}

func (e *Engine) markNonRetryable(t job.Type) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.typeStats(t).NonRetryable++
}

// typeStats returns the mutable stats bucket for a type. Caller holds e.mu.
func (e *Engine) typeStats(t job.Type) *TypeStats {
	s, ok := e.stats[t]
	if !ok {
		s = &TypeStats{}
		e.stats[t] = s
	}
	return s
}
