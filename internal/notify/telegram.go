// Package notify forwards failure events to an operator chat.
package notify

import (
	"context"
	"fmt"
	"strings"

	"ledgerbridge/internal/config"
	"ledgerbridge/internal/events"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const queueSize = 64

// Sender is the part of the Telegram client the alerter uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramAlerter sends a short message for every terminal job failure,
// export failure and auth failure. Messages are sent from Run so event
// publishers never wait on the network.
type TelegramAlerter struct {
	sender Sender
	chatID int64
	queue  chan string
	logger *zerolog.Logger
}

func NewTelegramAlerter(cfg config.TelegramAlertConfig, logger *zerolog.Logger) (*TelegramAlerter, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	bot.Debug = cfg.Debug
	return NewAlerter(bot, cfg.ChatID, logger), nil
}

func NewAlerter(sender Sender, chatID int64, logger *zerolog.Logger) *TelegramAlerter {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "alerts").Logger()
	return &TelegramAlerter{sender: sender, chatID: chatID, queue: make(chan string, queueSize), logger: &l}
}

// Subscribe attaches the alerter to the failure events of bus.
func (a *TelegramAlerter) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventJobFailed, a.onJobFailed)
	bus.Subscribe(events.EventExportFailed, a.onExportFailed)
	bus.Subscribe(events.EventAuthFailed, a.onAuthFailed)
}

func (a *TelegramAlerter) onJobFailed(ev *events.Event) error {
	var p events.JobEventPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	// export jobs are reported through export_failed
	if p.ExportID != "" {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "❌ Job failed: %s %s", p.Operation, binding(p.Provider, p.TenantID))
	if p.EntityType != "" {
		fmt.Fprintf(&b, " (%s)", p.EntityType)
	}
	fmt.Fprintf(&b, "\nJob: %s\nAttempts: %d", p.JobID, p.RetryCount+1)
	if p.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", p.Error)
	}
	a.enqueue(b.String())
	return nil
}

func (a *TelegramAlerter) onExportFailed(ev *events.Event) error {
	var p events.ExportEventPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	msg := fmt.Sprintf("❌ Export failed: %s\nExport: %s", binding(p.Provider, p.TenantID), p.ExportID)
	if p.Error != "" {
		msg += "\nError: " + p.Error
	}
	a.enqueue(msg)
	return nil
}

func (a *TelegramAlerter) onAuthFailed(ev *events.Event) error {
	var p events.AuthEventPayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	msg := fmt.Sprintf("⚠️ Token refresh failed: %s\nThe binding needs to be authorized again.", binding(p.Provider, p.TenantID))
	if p.Error != "" {
		msg += "\nError: " + p.Error
	}
	a.enqueue(msg)
	return nil
}

func binding(provider, tenant string) string {
	if tenant == "" {
		return provider
	}
	return provider + "/" + tenant
}

func (a *TelegramAlerter) enqueue(msg string) {
	select {
	case a.queue <- msg:
	default:
		a.logger.Warn().Msg("Alert queue full, dropping alert")
	}
}

// Run delivers queued alerts until ctx is done.
func (a *TelegramAlerter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.queue:
			if _, err := a.sender.Send(tgbotapi.NewMessage(a.chatID, msg)); err != nil {
				a.logger.Error().Err(err).Msg("Failed to send alert")
			}
		}
	}
}
