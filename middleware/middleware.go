// Package middleware wraps job execution with cross-cutting behavior:
// panic recovery, structured logging, deadline propagation, tenant
// scoping, metrics, and tracing.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/taxfold/jobqueue/job"
	"github.com/taxfold/jobqueue/scope"
)

// Handler executes one job.
type Handler func(ctx context.Context, j *job.Job) error

// Middleware wraps a Handler with additional behavior.
type Middleware func(Handler) Handler

// Chain applies middlewares around a handler. The first middleware is
// the outermost wrapper.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Recover converts a processor panic into an error so one bad payload
// cannot take the claim loop down.
func Recover(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, j *job.Job) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("processor panic",
						slog.String("job_id", j.ID.String()),
						slog.String("job_type", string(j.Type)),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("processor panic: %v", r)
				}
			}()
			return next(ctx, j)
		}
	}
}

// Logging logs the start and outcome of every execution.
func Logging(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, j *job.Job) error {
			start := time.Now()
			logger.Info("job started",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", string(j.Type)),
				slog.String("organization_id", j.OrganizationID),
				slog.Int("attempt", j.RetryCount+1),
			)

			err := next(ctx, j)
			elapsed := time.Since(start)
			if err != nil {
				logger.Warn("job finished with error",
					slog.String("job_id", j.ID.String()),
					slog.Duration("elapsed", elapsed),
					slog.String("error", err.Error()),
				)
				return err
			}
			logger.Info("job finished",
				slog.String("job_id", j.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
			return nil
		}
	}
}

// Deadline applies the job's configured timeout as a context deadline.
func Deadline() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, j *job.Job) error {
			if j.Config.Timeout <= 0 {
				return next(ctx, j)
			}
			ctx, cancel := context.WithTimeout(ctx, j.Config.Timeout)
			defer cancel()
			return next(ctx, j)
		}
	}
}

// Tenant injects the job's tenant identity into the execution context
// so processors and downstream calls see the right scope.
func Tenant() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, j *job.Job) error {
			ctx = scope.WithOrganization(ctx, j.OrganizationID)
			if j.UserID != "" {
				ctx = scope.WithUser(ctx, j.UserID)
			}
			return next(ctx, j)
		}
	}
}
