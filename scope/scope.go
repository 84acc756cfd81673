// Package scope carries per-request tenant identity through contexts.
package scope

import "context"

type ctxKey int

const (
	orgKey ctxKey = iota
	userKey
	workerKey
)

// WithOrganization returns a context carrying the tenant ID.
func WithOrganization(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, orgKey, orgID)
}

// Organization returns the tenant ID from the context, or empty.
func Organization(ctx context.Context) string {
	v, _ := ctx.Value(orgKey).(string)
	return v
}

// WithUser returns a context carrying the user ID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

// User returns the user ID from the context, or empty.
func User(ctx context.Context) string {
	v, _ := ctx.Value(userKey).(string)
	return v
}

// WithWorker returns a context carrying the worker ID.
func WithWorker(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerKey, workerID)
}

// Worker returns the worker ID from the context, or empty.
func Worker(ctx context.Context) string {
	v, _ := ctx.Value(workerKey).(string)
	return v
}
