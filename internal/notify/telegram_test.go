package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"ledgerbridge/internal/events"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (m *mockSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.sent = append(m.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (m *mockSender) messages() []tgbotapi.MessageConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), m.sent...)
}

func TestTelegramAlerter_SendsFailures(t *testing.T) {
	sender := &mockSender{}
	a := NewAlerter(sender, 42, nil)
	bus := events.NewEventBus()
	a.Subscribe(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.NoError(t, bus.PublishJSON(events.EventJobFailed, events.JobEventPayload{
		JobID:      "job-1",
		Provider:   "xero",
		TenantID:   "acme",
		Operation:  "create",
		EntityType: "invoice",
		RetryCount: 2,
		Error:      "connection reset",
	}))
	require.NoError(t, bus.PublishJSON(events.EventExportFailed, events.ExportEventPayload{
		ExportID: "exp-1",
		Provider: "sage",
		Error:    "vendor export failed",
	}))
	require.NoError(t, bus.PublishJSON(events.EventAuthFailed, events.AuthEventPayload{Provider: "quickbooks"}))

	require.Eventually(t, func() bool { return len(sender.messages()) == 3 }, time.Second, 5*time.Millisecond)

	msgs := sender.messages()
	assert.Equal(t, int64(42), msgs[0].ChatID)
	assert.Contains(t, msgs[0].Text, "create xero/acme (invoice)")
	assert.Contains(t, msgs[0].Text, "Attempts: 3")
	assert.Contains(t, msgs[1].Text, "exp-1")
	assert.Contains(t, msgs[2].Text, "quickbooks")
}

func TestTelegramAlerter_SkipsExportJobFailures(t *testing.T) {
	sender := &mockSender{}
	a := NewAlerter(sender, 1, nil)
	bus := events.NewEventBus()
	a.Subscribe(bus)

	require.NoError(t, bus.PublishJSON(events.EventJobFailed, events.JobEventPayload{JobID: "j", ExportID: "exp-1"}))
	assert.Len(t, a.queue, 0)
}

func TestTelegramAlerter_DropsWhenQueueFull(t *testing.T) {
	a := NewAlerter(&mockSender{}, 1, nil)
	for i := 0; i < queueSize+5; i++ {
		a.enqueue("x")
	}
	assert.Len(t, a.queue, queueSize)
}
