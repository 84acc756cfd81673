package stream

import (
	"slices"
	"strings"

	"github.com/taxfold/jobqueue/job"
)

// Filter narrows a subscription. Zero-valued fields match everything,
// so the zero Filter subscribes to the full tenant stream.
type Filter struct {
	// JobID restricts to messages about one job.
	JobID string `json:"jobId,omitempty"`
	// JobType restricts to messages about one job type.
	JobType job.Type `json:"jobType,omitempty"`
	// Kinds restricts to the listed message kinds.
	Kinds []Kind `json:"types,omitempty"`
}

// Key returns the canonical identity of the filter, used to deduplicate
// subscriptions and address unsubscribes.
func (f Filter) Key() string {
	kinds := make([]string, len(f.Kinds))
	for i, k := range f.Kinds {
		kinds[i] = string(k)
	}
	slices.Sort(kinds)
	return f.JobID + "|" + string(f.JobType) + "|" + strings.Join(kinds, ",")
}

// Matches reports whether the message passes the filter.
func (f Filter) Matches(m *Message) bool {
	if f.JobID != "" && f.JobID != m.JobID {
		return false
	}
	if f.JobType != "" && f.JobType != m.JobType {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, m.Kind) {
		return false
	}
	return true
}
