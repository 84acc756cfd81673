package job

import (
	"fmt"
	"time"
)

// Key naming for job data on the durable store.
//
//	job:{id}                          job record (JSON)
//	queue:{prio}:{created}:{id}       queue index entry, value = job id
//
// The index key encodes descending priority then ascending enqueue time
// so that a lexicographic prefix scan of "queue:" yields claim order.

// recordKey returns the key for a job record.
func recordKey(jobID string) string { return "job:" + jobID }

// queuePrefix is the scan prefix for the queue index.
const queuePrefix = "queue:"

// priorityCeiling bounds the priority tier for index encoding.
// Priorities are small ints; 999 leaves headroom for custom tiers.
const priorityCeiling = 999

// indexKey returns the queue index key for a job. Lower keys sort
// first: priority is inverted so higher tiers come first, and the
// creation timestamp keeps FIFO order within a tier.
func indexKey(j *Job) string {
	p := int(j.Config.Priority)
	if p < 0 {
		p = 0
	}
	if p > priorityCeiling {
		p = priorityCeiling
	}
	return fmt.Sprintf("%s%03d:%020d:%s", queuePrefix, priorityCeiling-p, j.CreatedAt.UnixNano(), j.ID.String())
}

// claimableAt returns the earliest instant the job may be claimed.
func claimableAt(j *Job) time.Time {
	if j.Config.ScheduleAt != nil {
		return *j.Config.ScheduleAt
	}
	return j.CreatedAt
}
