package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType names a canonical entity shape shared by every provider.
type EntityType string

const (
	EntityCustomer     EntityType = "customer"
	EntityVendor       EntityType = "vendor"
	EntityInvoice      EntityType = "invoice"
	EntityBill         EntityType = "bill"
	EntityTransaction  EntityType = "transaction"
	EntityExpense      EntityType = "expense"
	EntityJournalEntry EntityType = "journal_entry"
	EntityPayment      EntityType = "payment"
	EntityAccount      EntityType = "account"
	EntityItem         EntityType = "item"
)

// EntityTypes lists every canonical entity type in a stable order.
var EntityTypes = []EntityType{
	EntityCustomer,
	EntityVendor,
	EntityInvoice,
	EntityBill,
	EntityTransaction,
	EntityExpense,
	EntityJournalEntry,
	EntityPayment,
	EntityAccount,
	EntityItem,
}

func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

func (t EntityType) String() string { return string(t) }

// Entity is implemented by every canonical entity. EntityType must not
// dereference the receiver so it can be called on a nil pointer.
type Entity interface {
	EntityType() EntityType
	ExternalID() string
	Version() string
}

// Base carries the identity and optimistic-concurrency version shared by all entities.
// SyncToken is the version a caller read; updates must send it back.
type Base struct {
	ID        string     `json:"id,omitempty"`
	SyncToken string     `json:"sync_token,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func (b *Base) ExternalID() string { return b.ID }
func (b *Base) Version() string    { return b.SyncToken }

// NewEntity returns an empty entity of the given type.
func NewEntity(t EntityType) (Entity, error) {
	switch t {
	case EntityCustomer:
		return &Customer{}, nil
	case EntityVendor:
		return &Vendor{}, nil
	case EntityInvoice:
		return &Invoice{}, nil
	case EntityBill:
		return &Bill{}, nil
	case EntityTransaction:
		return &Transaction{}, nil
	case EntityExpense:
		return &Expense{}, nil
	case EntityJournalEntry:
		return &JournalEntry{}, nil
	case EntityPayment:
		return &Payment{}, nil
	case EntityAccount:
		return &Account{}, nil
	case EntityItem:
		return &Item{}, nil
	default:
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
}

// DecodeEntity unmarshals canonical JSON into a typed entity.
func DecodeEntity(t EntityType, raw []byte) (Entity, error) {
	e, err := NewEntity(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return e, nil
}
