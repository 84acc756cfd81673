package job

import (
	"encoding/json"
	"time"

	"github.com/taxfold/jobqueue/id"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is waiting in the queue index.
	StatusPending Status = "pending"
	// StatusProcessing means the worker is currently executing the job.
	StatusProcessing Status = "processing"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the job failed permanently and will not be retried.
	StatusFailed Status = "failed"
	// StatusRetrying means the job failed but a retry is scheduled.
	StatusRetrying Status = "retrying"
	// StatusCancelled means the job was explicitly cancelled.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions is the closed set of legal state changes.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusRetrying, StatusCancelled},
	StatusRetrying:   {StatusPending, StatusCancelled},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Type is the enumerated job category. The registry maps each type to
// its processor and default configuration.
type Type string

// Built-in job types of the invoicing compliance platform. The set is
// open: plugins register additional types with the registry.
const (
	TypeCSVImport        Type = "csv_invoice_import"
	TypeInvoiceExport    Type = "invoice_export"
	TypeTaxSubmission    Type = "tax_submission"
	TypeComplianceCheck  Type = "compliance_check"
	TypeReportGeneration Type = "report_generation"
)

// Priority determines claim ordering. Higher tiers are always claimed
// before lower ones; within a tier jobs are claimed FIFO.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

// Statistics summarizes per-item outcomes of a processor run.
type Statistics struct {
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Result is the outcome of a successful processor run.
type Result struct {
	Success     bool            `json:"success"`
	Data        json.RawMessage `json:"data,omitempty"`
	Statistics  Statistics      `json:"statistics"`
	OutputFiles []string        `json:"output_files,omitempty"`
}

// Progress is a point-in-time progress report for a running job.
type Progress struct {
	Percent   int       `json:"percent"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	Processed int       `json:"processed"`
	Total     int       `json:"total,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LogEntry is one line of a job's append-only execution log.
type LogEntry struct {
	Timestamp time.Time `json:"ts"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Job represents a unit of asynchronous work.
type Job struct {
	ID             id.JobID        `json:"id"`
	Type           Type            `json:"type"`
	Status         Status          `json:"status"`
	OrganizationID string          `json:"organization_id"`
	UserID         string          `json:"user_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Config         Config          `json:"config"`
	Result         *Result         `json:"result,omitempty"`
	Progress       *Progress       `json:"progress,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	RetryCount     int             `json:"retry_count"`
	Worker         id.WorkerID     `json:"worker,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Logs           []LogEntry      `json:"logs,omitempty"`
}

// AppendLog adds a line to the job's execution log. Logs are append-only;
// nothing removes or reorders entries short of deleting the whole job.
func (j *Job) AppendLog(level, message string) {
	j.Logs = append(j.Logs, LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	})
}

// Expired reports whether the job's optional expiry has passed.
func (j *Job) Expired(now time.Time) bool {
	return j.Config.ExpiresAt != nil && now.After(*j.Config.ExpiresAt)
}

// Duration returns the wall time from start to completion, or zero if
// either timestamp is missing.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
