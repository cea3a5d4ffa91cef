package models

import "time"

type ExportStatus string

const (
	ExportPending    ExportStatus = "pending"
	ExportProcessing ExportStatus = "processing"
	ExportCompleted  ExportStatus = "completed"
	ExportFailed     ExportStatus = "failed"
	ExportCancelled  ExportStatus = "cancelled"
)

var exportTransitions = map[ExportStatus][]ExportStatus{
	ExportPending:    {ExportProcessing, ExportCancelled},
	ExportProcessing: {ExportCompleted, ExportFailed, ExportCancelled},
}

func (s ExportStatus) Terminal() bool {
	return s == ExportCompleted || s == ExportFailed || s == ExportCancelled
}

// CanTransition reports whether s -> to is a legal export transition.
func (s ExportStatus) CanTransition(to ExportStatus) bool {
	for _, next := range exportTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ExportJob tracks one long-running bulk export.
type ExportJob struct {
	ID          string        `json:"id"`
	Provider    string        `json:"provider"`
	TenantID    string        `json:"tenant_id,omitempty"`
	Request     ExportRequest `json:"request"`
	Status      ExportStatus  `json:"status"`
	Progress    int           `json:"progress"`
	Total       int           `json:"total"`
	Processed   int           `json:"processed"`
	Locator     string        `json:"locator,omitempty"`
	VendorJobID string        `json:"vendor_job_id,omitempty"`
	QueueJobID  string        `json:"queue_job_id,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type ExportStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Active counts exports that are not yet terminal.
func (s ExportStats) Active() int { return s.Pending + s.Processing }
