package models

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// QueueJob is a single retryable unit of work.
type QueueJob struct {
	ID          string          `json:"id"`
	Provider    string          `json:"provider"`
	TenantID    string          `json:"tenant_id,omitempty"`
	Operation   Operation       `json:"operation"`
	EntityType  EntityType      `json:"entity_type,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	Status      JobStatus       `json:"status"`
	Priority    Priority        `json:"priority"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	ExportID    string          `json:"export_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (j *QueueJob) Binding() BindingKey {
	return BindingKey{Provider: j.Provider, TenantID: j.TenantID}
}

// Exhausted reports whether no retry budget is left.
func (j *QueueJob) Exhausted() bool { return j.RetryCount >= j.MaxRetries }

// JobStats counts jobs by status.
type JobStats map[JobStatus]int
