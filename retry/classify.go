package retry

import (
	"context"
	"errors"
	"strings"

	"github.com/taxfold/jobqueue"
)

// messagePatterns maps message-text fragments to error classes, checked
// in order. Only consulted when the error carries no structured class.
var messagePatterns = []struct {
	fragment string
	class    jobqueue.ErrorClass
}{
	{"connection reset", jobqueue.ClassNetwork},
	{"connection refused", jobqueue.ClassNetwork},
	{"broken pipe", jobqueue.ClassNetwork},
	{"not found", jobqueue.ClassNotFound},
	{"timeout", jobqueue.ClassTimeout},
	{"timed out", jobqueue.ClassTimeout},
	{"rate limit", jobqueue.ClassRateLimit},
	{"too many requests", jobqueue.ClassRateLimit},
	{"unauthorized", jobqueue.ClassAuth},
	{"unauthenticated", jobqueue.ClassAuth},
	{"permission", jobqueue.ClassPermission},
	{"forbidden", jobqueue.ClassPermission},
	{"database", jobqueue.ClassDatabase},
	{"sql", jobqueue.ClassDatabase},
	{"storage", jobqueue.ClassStorage},
	{"disk", jobqueue.ClassStorage},
}

// Classify maps an execution error to its class. Structured kinds win:
// an explicit ClassifiedError, the timeout and cancellation sentinels,
// and schema errors are recognized before falling back to message-text
// matching. Unmatched errors classify as UNKNOWN_ERROR, which is
// retryable by default.
func Classify(err error) jobqueue.ErrorClass {
	if err == nil {
		return ""
	}

	var ce *jobqueue.ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	var se *jobqueue.SchemaError
	if errors.As(err, &se) {
		return jobqueue.ClassValidation
	}

	switch {
	case errors.Is(err, jobqueue.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return jobqueue.ClassTimeout
	case errors.Is(err, jobqueue.ErrCancelled), errors.Is(err, context.Canceled):
		return jobqueue.ClassCancelled
	}

	msg := strings.ToLower(err.Error())
	for _, p := range messagePatterns {
		if strings.Contains(msg, p.fragment) {
			return p.class
		}
	}
	return jobqueue.ClassUnknown
}
