// Package stream fans job lifecycle events out to subscribed clients.
// The broker routes messages by tenant, user targeting, and per-
// subscription filters, with credit-based flow control so one slow
// client never blocks the publishers.
package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/taxfold/jobqueue/id"
	"github.com/taxfold/jobqueue/job"
)

// Kind is the closed set of notification types on the wire.
type Kind string

const (
	KindJobProgress            Kind = "job_progress"
	KindJobStatusChange        Kind = "job_status_change"
	KindJobCompleted           Kind = "job_completed"
	KindJobFailed              Kind = "job_failed"
	KindJobCancelled           Kind = "job_cancelled"
	KindSystemNotification     Kind = "system_notification"
	KindComplianceAlert        Kind = "compliance_alert"
	KindExternalSystemUpdate   Kind = "external_system_update"
	KindFileUploadProgress     Kind = "file_upload_progress"
	KindFileProcessingStart    Kind = "file_processing_start"
	KindFileProcessingComplete Kind = "file_processing_complete"
	KindError                  Kind = "error"
)

// Message is one notification on the wire. OrganizationID scopes the
// message to a tenant; a non-empty UserID additionally targets a single
// user within it.
type Message struct {
	ID             id.NotificationID `json:"id" msgpack:"id"`
	Kind           Kind              `json:"type" msgpack:"type"`
	Timestamp      time.Time         `json:"timestamp" msgpack:"timestamp"`
	UserID         string            `json:"userId,omitempty" msgpack:"userId,omitempty"`
	OrganizationID string            `json:"organizationId,omitempty" msgpack:"organizationId,omitempty"`
	Data           json.RawMessage   `json:"data" msgpack:"data"`

	// Routing hints for subscription filters. Not serialized; filters
	// match on them without decoding Data.
	JobID   string   `json:"-" msgpack:"-"`
	JobType job.Type `json:"-" msgpack:"-"`
}

// New builds a message with a fresh ID and the encoded payload.
func New(kind Kind, data any) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("stream: encode %s payload: %w", kind, err)
	}
	return &Message{
		ID:        id.NewNotificationID(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// JobProgressData is the payload of a job_progress message.
type JobProgressData struct {
	JobID     string   `json:"jobId"`
	JobType   job.Type `json:"jobType"`
	Percent   int      `json:"percent"`
	Stage     string   `json:"stage,omitempty"`
	Message   string   `json:"message,omitempty"`
	Processed int      `json:"processed"`
	Total     int      `json:"total,omitempty"`
}

// JobStatusChangeData is the payload of a job_status_change message.
type JobStatusChangeData struct {
	JobID          string     `json:"jobId"`
	JobType        job.Type   `json:"jobType"`
	Status         job.Status `json:"status"`
	PreviousStatus job.Status `json:"previousStatus,omitempty"`
}

// JobCompletedData is the payload of a job_completed message.
type JobCompletedData struct {
	JobID      string         `json:"jobId"`
	JobType    job.Type       `json:"jobType"`
	Statistics job.Statistics `json:"statistics"`
	DurationMS int64          `json:"durationMs"`
	Files      []string       `json:"files,omitempty"`
}

// JobFailedData is the payload of a job_failed message.
type JobFailedData struct {
	JobID      string   `json:"jobId"`
	JobType    job.Type `json:"jobType"`
	Error      string   `json:"error"`
	Class      string   `json:"class,omitempty"`
	WillRetry  bool     `json:"willRetry"`
	RetryCount int      `json:"retryCount"`
}

// JobCancelledData is the payload of a job_cancelled message.
type JobCancelledData struct {
	JobID   string   `json:"jobId"`
	JobType job.Type `json:"jobType"`
	Method  string   `json:"method"`
	Reason  string   `json:"reason,omitempty"`
}

// SystemNotificationData is the payload of a system_notification
// message.
type SystemNotificationData struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// ExternalSystemUpdateData is the payload of an external_system_update
// message, reporting a state change in an upstream authority system.
type ExternalSystemUpdateData struct {
	System    string `json:"system"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// ComplianceAlertData is the payload of a compliance_alert message.
type ComplianceAlertData struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	JobID    string `json:"jobId,omitempty"`
}

// ErrorData is the payload of an error message.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
