// Package queue implements the core engine: enqueueing with payload
// validation and tenant rate limits, the claim loop, job execution
// through the middleware chain, statistics, and retention.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/taxfold/jobqueue"
	"github.com/taxfold/jobqueue/archive"
	"github.com/taxfold/jobqueue/cancel"
	"github.com/taxfold/jobqueue/ext"
	"github.com/taxfold/jobqueue/id"
	"github.com/taxfold/jobqueue/job"
	"github.com/taxfold/jobqueue/middleware"
	"github.com/taxfold/jobqueue/retry"
)

// retentionInterval is how often the claim loop sweeps completed jobs
// past their retention window.
const retentionInterval = time.Hour

// Engine is the job queue engine for one partition. It owns the single
// claim loop; claim exclusivity depends on one Engine per partition.
type Engine struct {
	jobs     *job.Store
	registry *job.Registry
	retries  *retry.Engine
	cancels  *cancel.Engine
	archives *archive.Store
	hooks    *ext.Registry
	logger   *slog.Logger
	cfg      jobqueue.Config
	workerID id.WorkerID
	chain    []middleware.Middleware

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	orgRate   rate.Limit
	orgBurst  int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithConfig replaces the default engine configuration.
func WithConfig(cfg jobqueue.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithMiddleware appends execution middleware. The first middleware
// given is the outermost wrapper.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(e *Engine) { e.chain = append(e.chain, mws...) }
}

// WithTenantRate caps how fast each organization may enqueue. Zero
// limit disables tenant rate limiting.
func WithTenantRate(limit rate.Limit, burst int) Option {
	return func(e *Engine) {
		e.orgRate = limit
		e.orgBurst = burst
	}
}

// NewEngine wires a queue engine. The worker identity is minted once
// per engine and stamped on every job it claims.
func NewEngine(
	jobs *job.Store,
	registry *job.Registry,
	retries *retry.Engine,
	cancels *cancel.Engine,
	archives *archive.Store,
	hooks *ext.Registry,
	opts ...Option,
) *Engine {
	e := &Engine{
		jobs:     jobs,
		registry: registry,
		retries:  retries,
		cancels:  cancels,
		archives: archives,
		hooks:    hooks,
		logger:   slog.Default(),
		cfg:      jobqueue.DefaultConfig(),
		workerID: id.NewWorkerID(),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WorkerID returns this engine's worker identity.
func (e *Engine) WorkerID() id.WorkerID { return e.workerID }

// Enqueue validates the payload against the type's schema, merges the
// effective configuration, and persists a new pending job.
func (e *Engine) Enqueue(ctx context.Context, t job.Type, orgID, userID string, payload json.RawMessage, opts ...job.Option) (*job.Job, error) {
	if !e.allowEnqueue(orgID) {
		return nil, jobqueue.NewClassifiedError(jobqueue.ClassRateLimit,
			fmt.Errorf("jobqueue: organization %s enqueue rate exceeded", orgID))
	}

	proc, err := e.registry.ProcessorFor(t)
	if err != nil {
		return nil, err
	}
	if err := proc.ValidatePayload(payload); err != nil {
		return nil, &jobqueue.SchemaError{JobType: string(t), Reason: err.Error()}
	}

	cfg, err := e.registry.EffectiveConfig(t, opts...)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:             id.NewJobID(),
		Type:           t,
		Status:         job.StatusPending,
		OrganizationID: orgID,
		UserID:         userID,
		Payload:        payload,
		Config:         cfg,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	j.AppendLog("info", "enqueued")

	if err := e.jobs.Create(ctx, j); err != nil {
		return nil, err
	}

	e.logger.Info("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(t)),
		slog.String("organization_id", orgID),
		slog.Int("priority", int(cfg.Priority)),
	)
	e.hooks.EmitJobEnqueued(ctx, j)
	return j, nil
}

// allowEnqueue applies the per-organization token bucket.
func (e *Engine) allowEnqueue(orgID string) bool {
	if e.orgRate <= 0 {
		return true
	}
	e.limiterMu.Lock()
	l, ok := e.limiters[orgID]
	if !ok {
		l = rate.NewLimiter(e.orgRate, e.orgBurst)
		e.limiters[orgID] = l
	}
	e.limiterMu.Unlock()
	return l.Allow()
}

// Run drives the claim loop until ctx is cancelled. Recovers pending
// retry timers first, then claims and executes one job at a time.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.retries.Recover(ctx); err != nil {
		return err
	}

	e.logger.Info("claim loop started",
		slog.String("worker", e.workerID.String()),
		slog.Duration("poll_interval", e.cfg.PollInterval),
	)

	retention := time.NewTicker(retentionInterval)
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case <-retention.C:
			if _, err := e.ClearCompleted(ctx); err != nil {
				e.logger.Warn("retention sweep failed", slog.String("error", err.Error()))
			}
			continue
		default:
		}

		j, err := e.jobs.ClaimNext(ctx)
		if err != nil {
			e.logger.Error("claim failed", slog.String("error", err.Error()))
		}
		if j != nil {
			e.Execute(ctx, j)
			continue // drain without sleeping while work is available
		}

		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

func (e *Engine) shutdown() {
	e.retries.Stop()
	e.hooks.EmitShutdown(context.Background())
	e.logger.Info("claim loop stopped", slog.String("worker", e.workerID.String()))
}

// ClearCompleted removes completed jobs older than the configured
// retention window. Returns the number removed.
func (e *Engine) ClearCompleted(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-e.cfg.CompletedRetention)
	n, err := e.jobs.ClearCompleted(ctx, cutoff)
	if err != nil {
		return n, err
	}
	if n > 0 {
		e.logger.Info("completed jobs cleared", slog.Int("removed", n))
	}
	return n, nil
}
