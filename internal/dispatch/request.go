// Package dispatch runs canonical operations against provider adapters
// through a typed operation table.
package dispatch

import (
	"encoding/json"
	"fmt"

	"ledgerbridge/internal/models"
	"ledgerbridge/internal/syncerr"
)

// Request is the typed argument set of one operation. Synchronous callers
// fill Entity/Entities directly; queued jobs round-trip through JSON.
type Request struct {
	Operation      models.Operation   `json:"operation"`
	EntityType     models.EntityType  `json:"entity_type,omitempty"`
	ID             string             `json:"id,omitempty"`
	IDs            []string           `json:"ids,omitempty"`
	Entity         models.Entity      `json:"-"`
	Entities       []models.Entity    `json:"-"`
	Options        models.SyncOptions `json:"options,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	ExportID       string             `json:"export_id,omitempty"`

	// JobID is set when the request runs from the queue.
	JobID string `json:"-"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	type plain Request
	w := struct {
		plain
		Entity   models.Entity   `json:"entity,omitempty"`
		Entities []models.Entity `json:"entities,omitempty"`
	}{plain: plain(r), Entity: r.Entity, Entities: r.Entities}
	return json.Marshal(w)
}

func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	var w struct {
		plain
		Entity   json.RawMessage   `json:"entity,omitempty"`
		Entities []json.RawMessage `json:"entities,omitempty"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Request(w.plain)
	if len(w.Entity) > 0 && string(w.Entity) != "null" {
		e, err := models.DecodeEntity(r.EntityType, w.Entity)
		if err != nil {
			return err
		}
		r.Entity = e
	}
	for i, raw := range w.Entities {
		e, err := models.DecodeEntity(r.EntityType, raw)
		if err != nil {
			return fmt.Errorf("entity %d: %w", i, err)
		}
		r.Entities = append(r.Entities, e)
	}
	return nil
}

// DecodeRequest rebuilds a request from a queued job.
func DecodeRequest(job *models.QueueJob) (*Request, error) {
	req := &Request{}
	if len(job.Args) > 0 {
		if err := json.Unmarshal(job.Args, req); err != nil {
			return nil, syncerr.Wrap(syncerr.ErrValidation, "decode job args", err)
		}
	}
	req.Operation = job.Operation
	if job.EntityType != "" {
		req.EntityType = job.EntityType
	}
	if job.ExportID != "" {
		req.ExportID = job.ExportID
	}
	req.JobID = job.ID
	return req, nil
}

// Endpoint names the rate-limit window the request draws from.
func (r *Request) Endpoint() string {
	switch r.Operation {
	case models.OpCompanyInfo:
		return models.EndpointCompany
	case models.OpExport:
		return models.EndpointExport
	case models.OpAttachments, models.OpAttachment:
		return models.EndpointAttachments
	}
	if r.EntityType != "" {
		return r.EntityType.String()
	}
	if r.Entity != nil {
		return r.Entity.EntityType().String()
	}
	if len(r.Entities) > 0 && r.Entities[0] != nil {
		return r.Entities[0].EntityType().String()
	}
	return r.Operation.String()
}

// Result is what an operation produced. Only the fields relevant to the
// operation are set. Changed lists external ids whose cached snapshot
// changed; Skipped marks an update that matched the cache and made no
// vendor call.
type Result struct {
	Entity      models.Entity       `json:"entity,omitempty"`
	Page        *models.Page        `json:"page,omitempty"`
	Bulk        *models.BulkResult  `json:"bulk,omitempty"`
	Company     *models.CompanyInfo `json:"company,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	Attachment  *models.Attachment  `json:"attachment,omitempty"`
	Changed     []string            `json:"changed,omitempty"`
	Skipped     bool                `json:"skipped,omitempty"`
	Locator     string              `json:"locator,omitempty"`
}
