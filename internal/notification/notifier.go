// Package notification delivers alerts and bot replies to external channels
// (Telegram chats, webhooks, the log).
package notification

import (
	"context"
	"errors"
	"log"

	"oventime/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level     AlertLevel `json:"level"`
	Kind      string     `json:"kind,omitempty"`      // e.g. "high_start"
	Recipient string     `json:"recipient,omitempty"` // chat id; empty = backend default
	Title     string     `json:"title,omitempty"`
	Message   string     `json:"message"`
	// Markdown marks Message as already formatted for Telegram MarkdownV2.
	Markdown bool `json:"-"`
	// Snapshot is the diagnostic that raised the alert, nil for bot replies.
	Snapshot *model.Snapshot `json:"-"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier is a simple notifier that logs alerts (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] to=%s %s: %s", alert.Level, alert.Recipient, alert.Kind, alert.Message)
	return nil
}

// Multi sends every alert to all backends and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
