package queue

import (
	"context"
	"time"

	"github.com/taxfold/jobqueue/job"
)

// Health is the coarse queue health level derived from the status
// distribution.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// Stats is a point-in-time summary of the queue.
type Stats struct {
	Total      int                `json:"total"`
	ByStatus   map[job.Status]int `json:"by_status"`
	Pending    int                `json:"pending"`
	Processing int                `json:"processing"`
	Completed  int                `json:"completed"`
	Failed     int                `json:"failed"`
	Retrying   int                `json:"retrying"`
	Cancelled  int                `json:"cancelled"`

	// AvgProcessing is the mean wall time of completed jobs.
	AvgProcessing time.Duration `json:"avg_processing_ns"`

	// EstimatedBacklog sums the processors' duration estimates for the
	// pending jobs.
	EstimatedBacklog time.Duration `json:"estimated_backlog_ns"`

	Health Health `json:"health"`
}

// Stats computes the queue summary and health level. More than the
// critical failure ratio of jobs failed means critical; more than the
// degraded ratio failed, or a pending backlog past the threshold,
// means degraded.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	counts, err := e.jobs.CountsByStatus(ctx)
	if err != nil {
		return nil, err
	}

	s := &Stats{
		ByStatus:   counts,
		Pending:    counts[job.StatusPending],
		Processing: counts[job.StatusProcessing],
		Completed:  counts[job.StatusCompleted],
		Failed:     counts[job.StatusFailed],
		Retrying:   counts[job.StatusRetrying],
		Cancelled:  counts[job.StatusCancelled],
	}
	for _, n := range counts {
		s.Total += n
	}

	if s.Completed > 0 {
		completed, err := e.jobs.List(ctx, job.ListOpts{Status: job.StatusCompleted})
		if err != nil {
			return nil, err
		}
		var sum time.Duration
		var n int
		for _, j := range completed {
			if d := j.Duration(); d > 0 {
				sum += d
				n++
			}
		}
		if n > 0 {
			s.AvgProcessing = sum / time.Duration(n)
		}
	}

	if s.Pending > 0 {
		pending, err := e.jobs.List(ctx, job.ListOpts{Status: job.StatusPending})
		if err != nil {
			return nil, err
		}
		for _, j := range pending {
			if proc, err := e.registry.ProcessorFor(j.Type); err == nil {
				s.EstimatedBacklog += proc.EstimateDuration(j.Payload)
			}
		}
	}

	s.Health = e.health(s)
	return s, nil
}

func (e *Engine) health(s *Stats) Health {
	if s.Total > 0 {
		ratio := float64(s.Failed) / float64(s.Total)
		if ratio > e.cfg.CriticalFailureRatio {
			return HealthCritical
		}
		if ratio > e.cfg.DegradedFailureRatio {
			return HealthDegraded
		}
	}
	if s.Pending > e.cfg.DegradedPendingThreshold {
		return HealthDegraded
	}
	return HealthHealthy
}
