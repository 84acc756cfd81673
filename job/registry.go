package job

import (
	"sync"

	"github.com/taxfold/jobqueue"
)

// Registration is the capability bundle for one job type: its processor
// and the default configuration merged under enqueue overrides. Retry
// and cancellation policies are registered with their own engines,
// keyed by the same Type.
type Registration struct {
	Type      Type
	Processor Processor
	Defaults  Config
}

// Registry maps job types to their capability bundles.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[Type]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[Type]Registration)}
}

// Register adds or replaces the bundle for a job type. Zero-valued
// default fields fall back to the platform defaults at enqueue time.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	r.types[reg.Type] = reg
	r.mu.Unlock()
}

// Get returns the bundle for the given type.
func (r *Registry) Get(t Type) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[t]
	return reg, ok
}

// Processor returns the processor for the given type, or
// jobqueue.ErrNoProcessor.
func (r *Registry) ProcessorFor(t Type) (Processor, error) {
	reg, ok := r.Get(t)
	if !ok || reg.Processor == nil {
		return nil, jobqueue.ErrNoProcessor
	}
	return reg.Processor, nil
}

// EffectiveConfig merges the type defaults over the platform defaults,
// then applies the enqueue options on top. Options always win, explicit
// zero values included, so WithMaxRetries(0) yields a no-retry job.
func (r *Registry) EffectiveConfig(t Type, opts ...Option) (Config, error) {
	reg, ok := r.Get(t)
	if !ok {
		return Config{}, jobqueue.ErrUnknownJobType
	}

	cfg := reg.Defaults.merge(DefaultConfig())
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, nil
}

// Types returns all registered job types.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	return out
}
