package job

import (
	"context"
	"encoding/json"
	"time"
)

// CancelToken is the cooperative cancellation contract threaded through
// Process. Cancellation of a running job is advisory only (the engine
// cannot preempt processor code), so processors are expected to poll
// Stopped (or select on Done) at item boundaries and return
// jobqueue.ErrCancelled when asked to stop.
type CancelToken interface {
	// Stopped reports whether cancellation has been requested.
	Stopped() bool

	// Done returns a channel closed when cancellation is requested.
	Done() <-chan struct{}
}

// ProgressFunc reports incremental progress. The engine persists the
// snapshot and fans it out to subscribed clients.
type ProgressFunc func(p Progress)

// Processor is the pluggable per-type execution contract. Parsing and
// rendering logic inside a processor is outside the engine's concern;
// the engine only supplies the payload, the token, and the sink.
type Processor interface {
	// Process executes the job. It must honor ctx (timeout) and tok
	// (cooperative cancellation), and may call report zero or more
	// times. A nil error with a Result marks the job completed.
	Process(ctx context.Context, j *Job, tok CancelToken, report ProgressFunc) (*Result, error)

	// EstimateDuration predicts the run time for the given payload.
	// Feeds the queue's estimated backlog; a zero return is acceptable.
	EstimateDuration(payload json.RawMessage) time.Duration

	// ValidatePayload checks the payload against the type's schema.
	// A non-nil error fails the enqueue with a schema error; schema
	// failures are fatal and never retried.
	ValidatePayload(payload json.RawMessage) error
}
