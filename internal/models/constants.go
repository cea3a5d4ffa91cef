package models

import "time"

// Operation names a unit of work the dispatcher knows how to run.
type Operation string

const (
	OpList        Operation = "list"
	OpGet         Operation = "get"
	OpCreate      Operation = "create"
	OpUpdate      Operation = "update"
	OpDelete      Operation = "delete"
	OpBulkCreate  Operation = "bulk_create"
	OpBulkUpdate  Operation = "bulk_update"
	OpBulkDelete  Operation = "bulk_delete"
	OpCompanyInfo Operation = "company_info"
	OpExport      Operation = "export"
	OpAttachments Operation = "attachments"
	OpAttachment  Operation = "attachment"
)

func (o Operation) String() string { return string(o) }

// Mutating reports whether the operation writes to the vendor.
func (o Operation) Mutating() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete, OpBulkCreate, OpBulkUpdate, OpBulkDelete:
		return true
	}
	return false
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities in pull order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

type Environment string

const (
	EnvProduction Environment = "production"
	EnvSandbox    Environment = "sandbox"
)

const (
	DefaultMaxRetries      = 3
	DefaultBaseDelay       = time.Second
	ExportMaxRetries       = 1
	DefaultExportRetention = 24 * time.Hour
	DefaultCacheTTL        = 7 * 24 * time.Hour
	DefaultPageSize        = 100
	MaxPageSize            = 1000
	EndpointCompany        = "company"
	EndpointExport         = "export"
	EndpointAttachments    = "attachments"
)
