// Package engine wires the subsystem together: stores, registries, the
// retry and cancellation engines, the queue, the stream broker, the
// WebSocket transport, the cron scheduler, and the HTTP surface.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/taxfold/jobqueue"
	"github.com/taxfold/jobqueue/api"
	"github.com/taxfold/jobqueue/archive"
	"github.com/taxfold/jobqueue/cancel"
	"github.com/taxfold/jobqueue/cron"
	"github.com/taxfold/jobqueue/ext"
	"github.com/taxfold/jobqueue/job"
	"github.com/taxfold/jobqueue/kv"
	"github.com/taxfold/jobqueue/kv/memory"
	"github.com/taxfold/jobqueue/middleware"
	"github.com/taxfold/jobqueue/notify"
	"github.com/taxfold/jobqueue/queue"
	"github.com/taxfold/jobqueue/retry"
	"github.com/taxfold/jobqueue/stream"
	"github.com/taxfold/jobqueue/ws"
)

// Engine is the assembled subsystem for one partition.
type Engine struct {
	Store    kv.Store
	Jobs     *job.Store
	Registry *job.Registry
	Hooks    *ext.Registry
	Retries  *retry.Engine
	Cancels  *cancel.Engine
	Archives *archive.Store
	Queue    *queue.Engine
	Broker   *stream.Broker
	Tracker  *notify.Tracker
	Sockets  *ws.Server
	Crons    *cron.Scheduler
	API      *api.Server

	logger *slog.Logger
	cfg    jobqueue.Config

	runMu   sync.Mutex
	stopRun context.CancelFunc
	done    chan struct{}
}

type builder struct {
	store       kv.Store
	logger      *slog.Logger
	cfg         jobqueue.Config
	wsCfg       ws.ServerConfig
	secret      []byte
	mws         []middleware.Middleware
	extensions  []ext.Extension
	procs       []job.Registration
	retryPols   map[job.Type]retry.Policy
	cancelPols  map[job.Type]cancel.Policy
	tenantLimit rate.Limit
	tenantBurst int
	observe     bool
}

// Option configures the build.
type Option func(*builder)

// WithStore sets the durable store. Defaults to the in-memory store.
func WithStore(s kv.Store) Option {
	return func(b *builder) { b.store = s }
}

// WithLogger sets the logger used across all components.
func WithLogger(logger *slog.Logger) Option {
	return func(b *builder) { b.logger = logger }
}

// WithConfig replaces the default engine configuration.
func WithConfig(cfg jobqueue.Config) Option {
	return func(b *builder) { b.cfg = cfg }
}

// WithTokenSecret sets the HMAC secret for WebSocket authentication.
func WithTokenSecret(secret []byte) Option {
	return func(b *builder) { b.secret = secret }
}

// WithWebSocketConfig replaces the transport defaults.
func WithWebSocketConfig(cfg ws.ServerConfig) Option {
	return func(b *builder) { b.wsCfg = cfg }
}

// WithProcessor registers a job type with its processor and defaults.
func WithProcessor(t job.Type, p job.Processor, defaults job.Config) Option {
	return func(b *builder) {
		b.procs = append(b.procs, job.Registration{Type: t, Processor: p, Defaults: defaults})
	}
}

// WithRetryPolicy registers the retry policy for a job type.
func WithRetryPolicy(t job.Type, p retry.Policy) Option {
	return func(b *builder) { b.retryPols[t] = p }
}

// WithCancelPolicy registers the cancellation policy for a job type.
func WithCancelPolicy(t job.Type, p cancel.Policy) Option {
	return func(b *builder) { b.cancelPols[t] = p }
}

// WithMiddleware appends execution middleware after the built-in chain.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(b *builder) { b.mws = append(b.mws, mws...) }
}

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(b *builder) { b.extensions = append(b.extensions, e) }
}

// WithTenantRate caps per-organization enqueue rates.
func WithTenantRate(limit rate.Limit, burst int) Option {
	return func(b *builder) {
		b.tenantLimit = limit
		b.tenantBurst = burst
	}
}

// WithObservability enables the OpenTelemetry metrics and tracing
// middleware on the execution chain.
func WithObservability() Option {
	return func(b *builder) { b.observe = true }
}

// Build assembles the subsystem.
func Build(opts ...Option) *Engine {
	b := &builder{
		logger:     slog.Default(),
		cfg:        jobqueue.DefaultConfig(),
		wsCfg:      ws.DefaultServerConfig(),
		retryPols:  make(map[job.Type]retry.Policy),
		cancelPols: make(map[job.Type]cancel.Policy),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.store == nil {
		b.store = memory.New()
	}

	hooks := ext.NewRegistry(b.logger)
	jobs := job.NewStore(b.store)
	registry := job.NewRegistry()
	for _, reg := range b.procs {
		registry.Register(reg)
	}

	retryOpts := []retry.Option{retry.WithLogger(b.logger)}
	for t, p := range b.retryPols {
		retryOpts = append(retryOpts, retry.WithPolicy(t, p))
	}
	retries := retry.NewEngine(jobs, b.store, hooks, retryOpts...)

	cancelOpts := []cancel.Option{
		cancel.WithLogger(b.logger),
		cancel.WithRetryCanceller(retries.CancelScheduled),
	}
	for t, p := range b.cancelPols {
		cancelOpts = append(cancelOpts, cancel.WithPolicy(t, p))
	}
	cancels := cancel.NewEngine(jobs, hooks, cancelOpts...)
	retries.SetCancellationCheck(cancels.InFlight)

	archives := archive.NewStore(b.store, jobs, hooks, b.logger)

	chain := []middleware.Middleware{
		middleware.Recover(b.logger),
		middleware.Logging(b.logger),
		middleware.Tenant(),
	}
	if b.observe {
		chain = append(chain, middleware.Metrics(), middleware.Tracing())
	}
	chain = append(chain, b.mws...)

	queueOpts := []queue.Option{
		queue.WithLogger(b.logger),
		queue.WithConfig(b.cfg),
		queue.WithMiddleware(chain...),
	}
	if b.tenantLimit > 0 {
		queueOpts = append(queueOpts, queue.WithTenantRate(b.tenantLimit, b.tenantBurst))
	}
	q := queue.NewEngine(jobs, registry, retries, cancels, archives, hooks, queueOpts...)

	broker := stream.NewBroker(b.logger)
	tracker := notify.NewTracker(broker, b.store, b.logger)
	hooks.Register(tracker)
	for _, e := range b.extensions {
		hooks.Register(e)
	}

	sockets := ws.NewServer(ws.NewAuthenticator(b.secret), broker, b.wsCfg, b.logger)
	crons := cron.NewScheduler(b.store, q.Enqueue, hooks, b.logger)
	apiServer := api.NewServer(q, jobs, cancels, archives, crons, b.logger)

	return &Engine{
		Store:    b.store,
		Jobs:     jobs,
		Registry: registry,
		Hooks:    hooks,
		Retries:  retries,
		Cancels:  cancels,
		Archives: archives,
		Queue:    q,
		Broker:   broker,
		Tracker:  tracker,
		Sockets:  sockets,
		Crons:    crons,
		API:      apiServer,
		logger:   b.logger,
		cfg:      b.cfg,
	}
}

// Handler returns the HTTP surface: the API routes plus the WebSocket
// upgrade at /v1/stream.
func (e *Engine) Handler(allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/", e.API.Handler(allowedOrigins))
	mux.Handle("/v1/stream", e.Sockets)
	return mux
}

// Start launches the claim loop and the cron scheduler.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.stopRun != nil {
		return
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	e.stopRun = cancelRun
	e.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = e.Queue.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		_ = e.Crons.Run(runCtx)
	}()
	go func() {
		wg.Wait()
		close(e.done)
	}()

	e.logger.Info("engine started")
}

// Stop shuts the loops down and closes the transport, waiting up to the
// configured shutdown timeout.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	stop := e.stopRun
	done := e.done
	e.stopRun = nil
	e.runMu.Unlock()

	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := e.Sockets.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	e.Broker.Close()
	e.logger.Info("engine stopped")
	return nil
}
