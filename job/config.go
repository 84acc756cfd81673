package job

import (
	"time"

	"github.com/taxfold/jobqueue/id"
)

// Config holds per-job execution settings. Enqueue merges caller
// overrides on top of the type's registered defaults.
type Config struct {
	// Priority determines claim ordering. Defaults to PriorityNormal.
	Priority Priority `json:"priority"`

	// MaxRetries is the retry budget. retryCount never exceeds it.
	MaxRetries int `json:"max_retries"`

	// RetryDelay, when set, replaces the base delay of the type's retry
	// policy. Zero defers to the policy.
	RetryDelay time.Duration `json:"retry_delay"`

	// Timeout is the maximum processor run time before the execution
	// race yields a timeout error.
	Timeout time.Duration `json:"timeout"`

	// ScheduleAt defers the job: it is not claimable before this time.
	ScheduleAt *time.Time `json:"schedule_at,omitempty"`

	// ExpiresAt invalidates the job: a pending job past its expiry is
	// failed at claim time instead of executed.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// DependsOn lists jobs that must complete before this one is
	// claimable.
	DependsOn []id.JobID `json:"depends_on,omitempty"`
}

// DefaultConfig returns the platform-wide job defaults. Type-specific
// defaults registered with the registry are merged over these.
func DefaultConfig() Config {
	return Config{
		Priority:   PriorityNormal,
		MaxRetries: 3,
		Timeout:    5 * time.Minute,
	}
}

// merge returns c with any zero-valued field replaced by the
// corresponding field of base.
func (c Config) merge(base Config) Config {
	out := c
	if out.Priority == 0 {
		out.Priority = base.Priority
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = base.MaxRetries
	}
	if out.RetryDelay == 0 {
		out.RetryDelay = base.RetryDelay
	}
	if out.Timeout == 0 {
		out.Timeout = base.Timeout
	}
	if out.ScheduleAt == nil {
		out.ScheduleAt = base.ScheduleAt
	}
	if out.ExpiresAt == nil {
		out.ExpiresAt = base.ExpiresAt
	}
	if len(out.DependsOn) == 0 {
		out.DependsOn = base.DependsOn
	}
	return out
}

// Option is a functional override applied at enqueue time.
type Option func(*Config)

// WithPriority sets the job priority tier.
func WithPriority(p Priority) Option {
	return func(c *Config) { c.Priority = p }
}

// WithMaxRetries sets the retry budget.
func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

// WithRetryDelay overrides the retry policy's base delay for this job.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Config) { c.RetryDelay = d }
}

// WithTimeout sets the maximum processor run time.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithScheduleAt defers the job until t.
func WithScheduleAt(t time.Time) Option {
	return func(c *Config) { c.ScheduleAt = &t }
}

// WithExpiry invalidates the job after t.
func WithExpiry(t time.Time) Option {
	return func(c *Config) { c.ExpiresAt = &t }
}

// WithDependencies blocks the job until the listed jobs complete.
func WithDependencies(deps ...id.JobID) Option {
	return func(c *Config) { c.DependsOn = deps }
}
