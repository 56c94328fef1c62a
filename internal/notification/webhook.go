package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"oventime/internal/model"
)

// WebhookNotifier posts alert events as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// webhookEvent is the body of one POST.
type webhookEvent struct {
	Event      string            `json:"event"`
	Level      AlertLevel        `json:"level"`
	ChatID     string            `json:"chat_id,omitempty"`
	Text       string            `json:"text"`
	Diagnostic *webhookDiagnosis `json:"diagnostic,omitempty"`
	SentAt     time.Time         `json:"sent_at"`
}

type webhookDiagnosis struct {
	Time   time.Time    `json:"time"`
	Score  float64      `json:"score"`
	Status model.Status `json:"status"`
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	ev := webhookEvent{
		Event:  alert.Kind,
		Level:  alert.Level,
		ChatID: alert.Recipient,
		Text:   alert.Message,
		SentAt: w.now(),
	}
	if ev.Event == "" {
		ev.Event = "message"
	}
	if alert.Title != "" {
		ev.Text = alert.Title + "\n" + alert.Message
	}
	if s := alert.Snapshot; s != nil {
		ev.Diagnostic = &webhookDiagnosis{Time: s.SourceTS, Score: s.Score, Status: s.Status}
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("webhook %s: marshal: %w", ev.Event, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: create request: %w", ev.Event, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Oventime-Event", ev.Event)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: send: %w", ev.Event, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook %s: status %d: %s", ev.Event, resp.StatusCode, bytes.TrimSpace(msg))
	}
	log.Printf("[webhook] %s delivered (chat=%s)", ev.Event, ev.ChatID)
	return nil
}
