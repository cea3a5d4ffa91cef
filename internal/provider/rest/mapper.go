package rest

import (
	"encoding/json"
	"fmt"

	"ledgerbridge/internal/models"
)

// Mapper translates between canonical entities and a vendor's wire
// shapes. Vendor field mapping is supplied by the integrator.
type Mapper interface {
	EncodeEntity(e models.Entity) ([]byte, error)
	DecodeEntity(t models.EntityType, body []byte) (models.Entity, error)
	DecodePage(t models.EntityType, body []byte) (*models.Page, error)
	DecodeCompany(body []byte) (*models.CompanyInfo, error)
}

// JSONMapper speaks the canonical JSON envelope:
// {"items": [...], "next_cursor": "...", "has_more": true, "total": 10}.
type JSONMapper struct{}

type envelope struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
	Total      int               `json:"total"`
}

func (JSONMapper) EncodeEntity(e models.Entity) ([]byte, error) {
	return json.Marshal(e)
}

func (JSONMapper) DecodeEntity(t models.EntityType, body []byte) (models.Entity, error) {
	return models.DecodeEntity(t, body)
}

func (JSONMapper) DecodePage(t models.EntityType, body []byte) (*models.Page, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode %s page: %w", t, err)
	}
	page := &models.Page{
		Items:      make([]models.Entity, 0, len(env.Items)),
		NextCursor: env.NextCursor,
		HasMore:    env.HasMore,
		Total:      env.Total,
	}
	for _, raw := range env.Items {
		e, err := models.DecodeEntity(t, raw)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, e)
	}
	return page, nil
}

func (JSONMapper) DecodeCompany(body []byte) (*models.CompanyInfo, error) {
	var info models.CompanyInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode company info: %w", err)
	}
	return &info, nil
}
