package jobqueue

import "time"

// Config holds engine-level configuration.
type Config struct {
	// PollInterval is how long the claim loop sleeps when the queue
	// index yields no claimable job.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for the active job
	// to finish during graceful shutdown.
	ShutdownTimeout time.Duration

	// CompletedRetention is how long completed jobs are kept before
	// ClearCompleted removes them.
	CompletedRetention time.Duration

	// DegradedPendingThreshold is the pending-job count above which
	// queue health is reported as degraded.
	DegradedPendingThreshold int

	// DegradedFailureRatio and CriticalFailureRatio are the failed-job
	// ratios above which queue health degrades. A queue with more than
	// CriticalFailureRatio failed jobs is critical.
	DegradedFailureRatio float64
	CriticalFailureRatio float64
}

// DefaultConfig returns a Config with the platform defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:             2 * time.Second,
		ShutdownTimeout:          30 * time.Second,
		CompletedRetention:       7 * 24 * time.Hour,
		DegradedPendingThreshold: 100,
		DegradedFailureRatio:     0.05,
		CriticalFailureRatio:     0.10,
	}
}
