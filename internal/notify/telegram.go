// Package notify pushes operator alerts (new leads, bridge failures) to a
// Telegram chat so the travel team hears about hot conversations without
// watching logs. Entirely optional: a nil Notifier is safe to call.
package notify

import (
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier sends one-way operator alerts.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// New creates a Notifier for the given bot token and operator chat.
func New(token string, chatID int64) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Notifier{bot: bot, chatID: chatID}, nil
}

// send delivers text best-effort; alerting must never fail a chat request.
func (n *Notifier) send(text string) {
	if n == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		slog.Warn("operator notification failed", "error", err)
	}
}

// LeadCreated announces a new CRM lead from the widget.
func (n *Notifier) LeadCreated(threadID, summary string) {
	n.send(fmt.Sprintf("🧳 New lead from chat %s\n%s", threadID, summary))
}

// DispatchFailed announces that a CRM op batch could not be forwarded.
func (n *Notifier) DispatchFailed(threadID string, status int) {
	n.send(fmt.Sprintf("⚠️ Kommo dispatch failed for chat %s (status %d)", threadID, status))
}
