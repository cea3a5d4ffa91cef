package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventJobEnqueued     = "job_enqueued"
	EventJobCompleted    = "job_completed"
	EventJobRetry        = "job_retry"
	EventJobRescheduled  = "job_rescheduled"
	EventJobFailed       = "job_failed"
	EventExportCompleted = "export_completed"
	EventExportFailed    = "export_failed"
	EventExportCancelled = "export_cancelled"
	EventAuthFailed      = "auth_failed"
	EventTokenRefreshed  = "token_refreshed"
)

// Wildcard subscribers receive every event type.
const Wildcard = "*"

// JobEventPayload is the job snapshot delivered to event consumers.
type JobEventPayload struct {
	JobID      string        `json:"job_id"`
	Provider   string        `json:"provider"`
	TenantID   string        `json:"tenant_id,omitempty"`
	Operation  string        `json:"operation"`
	EntityType string        `json:"entity_type,omitempty"`
	Status     string        `json:"status"`
	RetryCount int           `json:"retry_count"`
	MaxRetries int           `json:"max_retries"`
	Error      string        `json:"error,omitempty"`
	RetryIn    time.Duration `json:"retry_in,omitempty"`
	ExportID   string        `json:"export_id,omitempty"`
}

// ExportEventPayload describes an export reaching a terminal state.
type ExportEventPayload struct {
	ExportID string `json:"export_id"`
	Provider string `json:"provider"`
	TenantID string `json:"tenant_id,omitempty"`
	Status   string `json:"status"`
	Locator  string `json:"locator,omitempty"`
	Error    string `json:"error,omitempty"`
}

// AuthEventPayload reports token lifecycle changes for a binding.
type AuthEventPayload struct {
	Provider string `json:"provider"`
	TenantID string `json:"tenant_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type, or Wildcard.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type, then wildcard subscribers.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.subscribers[Wildcard]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}

	b.Publish(&event)
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
