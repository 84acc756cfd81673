package cancel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/taxfold/jobqueue"
	"github.com/taxfold/jobqueue/ext"
	"github.com/taxfold/jobqueue/id"
	"github.com/taxfold/jobqueue/job"
)

// gracePollInterval is how often a graceful cancellation re-reads the
// job record while waiting for the processor to stop voluntarily.
const gracePollInterval = 250 * time.Millisecond

// Request describes one cancellation request.
type Request struct {
	JobID  id.JobID
	Method Method
	Reason string
	// UserID is the requesting user. Empty for system requests.
	UserID string
	// System marks internal callers: shutdown, retention, operators.
	// System requests bypass the per-type user permission checks.
	System bool
}

// Engine coordinates cancellations. At most one cancellation per job is
// in flight at a time; concurrent requests for the same job are
// rejected with ErrCancellationInFlight.
type Engine struct {
	jobs   *job.Store
	hooks  *ext.Registry
	logger *slog.Logger

	mu       sync.Mutex
	policies map[job.Type]Policy
	tokens   map[string]*Token
	active   map[string]struct{}

	// cancelScheduled stops a pending retry timer. Wired by the host to
	// the retry engine so cancelling a retrying job drops its re-queue.
	cancelScheduled func(jobID id.JobID) bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy registers the cancellation policy for a job type.
func WithPolicy(t job.Type, p Policy) Option {
	return func(e *Engine) { e.policies[t] = p }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRetryCanceller wires the retry timer canceller.
func WithRetryCanceller(fn func(jobID id.JobID) bool) Option {
	return func(e *Engine) { e.cancelScheduled = fn }
}

// NewEngine creates a cancellation engine. Types without a registered
// policy use DefaultPolicy.
func NewEngine(jobs *job.Store, hooks *ext.Registry, opts ...Option) *Engine {
	e := &Engine{
		jobs:     jobs,
		hooks:    hooks,
		logger:   slog.Default(),
		policies: make(map[job.Type]Policy),
		tokens:   make(map[string]*Token),
		active:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the effective cancellation policy for a job type.
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

// CreateToken registers and returns the stop token for a job the
// executor is about to run.
func (e *Engine) CreateToken(jobID id.JobID) *Token {
	t := newToken()
	e.mu.Lock()
	e.tokens[jobID.String()] = t
	e.mu.Unlock()
	return t
}

// ReleaseToken drops the stop token after execution finishes.
func (e *Engine) ReleaseToken(jobID id.JobID) {
	e.mu.Lock()
	delete(e.tokens, jobID.String())
	e.mu.Unlock()
}

// InFlight reports whether a cancellation for the job is currently
// being processed. The retry engine consults this before re-queueing:
// a cancellation observed before the re-claim wins.
func (e *Engine) InFlight(jobID id.JobID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[jobID.String()]
	return ok
}

// Cancel processes one cancellation request. Cancelling an already
// cancelled job is idempotent and leaves its completion time untouched.
func (e *Engine) Cancel(ctx context.Context, req Request) (*Result, error) {
	key := req.JobID.String()

	e.mu.Lock()
	if _, busy := e.active[key]; busy {
		e.mu.Unlock()
		return nil, jobqueue.ErrCancellationInFlight
	}
	e.active[key] = struct{}{}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.active, key)
		e.mu.Unlock()
	}()

	j, err := e.jobs.Get(ctx, req.JobID)
	if err != nil {
		return nil, err
	}

	if j.Status == job.StatusCancelled {
		res := &Result{
			JobID:   key,
			Success: true,
			Method:  req.Method,
			Message: "already cancelled",
		}
		if j.CompletedAt != nil {
			res.CompletedAt = *j.CompletedAt
		}
		return res, nil
	}
	if j.Status.Terminal() {
		return nil, jobqueue.ErrJobTerminal
	}

	p := e.Policy(j.Type)
	if err := e.authorize(j, req, p); err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = MethodGraceful
	}

	switch j.Status {
	case job.StatusPending:
		// Not running yet: pull it out of the queue and finish directly,
		// whatever method was requested.
		if err := e.jobs.RemoveIndexEntry(ctx, j); err != nil {
			return nil, err
		}
		return e.finalize(ctx, j, p, req, method)

	case job.StatusRetrying:
		if e.cancelScheduled != nil {
			e.cancelScheduled(req.JobID)
		}
		return e.finalize(ctx, j, p, req, method)

	case job.StatusProcessing:
		if method == MethodGraceful {
			return e.cancelGraceful(ctx, j, p, req)
		}
		return e.cancelImmediate(ctx, j, p, req, method)
	}

	return nil, jobqueue.ErrInvalidTransition
}

// authorize applies the per-type permission rules to a request.
func (e *Engine) authorize(j *job.Job, req Request, p Policy) error {
	if req.System {
		return nil
	}
	if req.Method == MethodForced {
		return jobqueue.ErrForcedSystemOnly
	}
	if !p.AllowUserCancellation {
		return jobqueue.ErrCancelNotAllowed
	}
	if j.Status == job.StatusProcessing && !p.CanCancelAfterStart {
		return jobqueue.ErrCancelNotAllowed
	}
	if req.UserID != "" && j.UserID != "" && req.UserID != j.UserID {
		return jobqueue.ErrCancelNotAllowed
	}
	return nil
}

// cancelGraceful asks the processor to stop and waits up to the policy
// timeout for it to finish voluntarily, escalating to immediate when it
// does not.
func (e *Engine) cancelGraceful(ctx context.Context, j *job.Job, p Policy, req Request) (*Result, error) {
	e.mu.Lock()
	t := e.tokens[j.ID.String()]
	e.mu.Unlock()

	if t == nil {
		// Claimed but not yet executing, or the executor crashed.
		// Nothing to wait for.
		return e.finalize(ctx, j, p, req, MethodGraceful)
	}
	t.requestStop()

	e.logger.Info("graceful cancellation requested",
		slog.String("job_id", j.ID.String()),
		slog.Duration("timeout", p.GracefulTimeout),
	)

	deadline := time.Now().Add(p.GracefulTimeout)
	ticker := time.NewTicker(gracePollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		cur, err := e.jobs.Get(ctx, j.ID)
		if err != nil {
			return nil, err
		}
		switch cur.Status {
		case job.StatusCancelled:
			res := &Result{
				JobID:   j.ID.String(),
				Success: true,
				Method:  MethodGraceful,
				Message: "stopped voluntarily",
			}
			if cur.CompletedAt != nil {
				res.CompletedAt = *cur.CompletedAt
			}
			if p.PreserveProgress {
				res.PartialResults = cur.Progress
			}
			return res, nil
		case job.StatusCompleted, job.StatusFailed:
			// Finished on its own before the stop landed.
			return &Result{
				JobID:   j.ID.String(),
				Success: false,
				Method:  MethodGraceful,
				Message: "finished before cancellation: " + string(cur.Status),
			}, nil
		}
	}

	e.logger.Warn("graceful cancellation timed out, escalating",
		slog.String("job_id", j.ID.String()),
	)
	return e.cancelImmediate(ctx, j, p, req, MethodImmediate)
}

// cancelImmediate hard-stops the processor and marks the job cancelled
// without waiting.
func (e *Engine) cancelImmediate(ctx context.Context, j *job.Job, p Policy, req Request, method Method) (*Result, error) {
	e.mu.Lock()
	t := e.tokens[j.ID.String()]
	e.mu.Unlock()
	if t != nil {
		t.hardStop()
	}
	if method == MethodForced && e.cancelScheduled != nil {
		e.cancelScheduled(j.ID)
	}

	cur, err := e.jobs.Get(ctx, j.ID)
	if err != nil {
		return nil, err
	}
	if cur.Status == job.StatusCancelled {
		res := &Result{JobID: j.ID.String(), Success: true, Method: method}
		if cur.CompletedAt != nil {
			res.CompletedAt = *cur.CompletedAt
		}
		return res, nil
	}
	return e.finalize(ctx, cur, p, req, method)
}

// finalize moves the job to cancelled, runs cleanup when the policy or
// method demands it, and emits the cancelled hook.
func (e *Engine) finalize(ctx context.Context, j *job.Job, p Policy, req Request, method Method) (*Result, error) {
	if !p.PreserveProgress {
		j.Progress = nil
	}
	if req.Reason != "" {
		j.LastError = req.Reason
	}
	j.AppendLog("info", "cancelled ("+string(method)+")")
	j.Status = job.StatusCancelled
	if err := e.jobs.Update(ctx, j); err != nil {
		return nil, err
	}

	res := &Result{
		JobID:   j.ID.String(),
		Success: true,
		Method:  method,
		Message: req.Reason,
	}
	if j.CompletedAt != nil {
		res.CompletedAt = *j.CompletedAt
	}
	if p.PreserveProgress {
		res.PartialResults = j.Progress
	}

	if (p.CleanupRequired || method == MethodForced) && p.Cleanup != nil {
		if err := p.Cleanup(ctx, j); err != nil {
			e.logger.Warn("cancellation cleanup failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
		} else {
			res.CleanupPerformed = true
		}
	}

	e.logger.Info("job cancelled",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(j.Type)),
		slog.String("method", string(method)),
	)
	e.hooks.EmitJobCancelled(ctx, j, string(method))
	return res, nil
}

// CancelOrganizationJobs gracefully cancels every non-terminal job of
// one tenant, best effort. Running jobs get their policy's graceful
// window and escalate to immediate on their own; jobs that fail to
// cancel are reported in the results and do not stop the batch.
func (e *Engine) CancelOrganizationJobs(ctx context.Context, orgID, reason string) ([]*Result, error) {
	jobs, err := e.jobs.List(ctx, job.ListOpts{OrganizationID: orgID})
	if err != nil {
		return nil, err
	}

	var results []*Result
	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}
		res, err := e.Cancel(ctx, Request{
			JobID:  j.ID,
			Method: MethodGraceful,
			Reason: reason,
			System: true,
		})
		if err != nil {
			if errors.Is(err, jobqueue.ErrJobTerminal) {
				continue
			}
			results = append(results, &Result{
				JobID:   j.ID.String(),
				Success: false,
				Method:  MethodGraceful,
				Message: err.Error(),
			})
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// EmergencyShutdown force-cancels every non-terminal job. Used by the
// host when a partition must stop now.
func (e *Engine) EmergencyShutdown(ctx context.Context, reason string) ([]*Result, error) {
	jobs, err := e.jobs.List(ctx, job.ListOpts{})
	if err != nil {
		return nil, err
	}

	var results []*Result
	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}
		res, err := e.Cancel(ctx, Request{
			JobID:  j.ID,
			Method: MethodForced,
			Reason: reason,
			System: true,
		})
		if err != nil {
			results = append(results, &Result{
				JobID:   j.ID.String(),
				Success: false,
				Method:  MethodForced,
				Message: err.Error(),
			})
			continue
		}
		results = append(results, res)
	}
	return results, nil
}
