// Package bot answers Telegram commands from the snapshot cache. It never
// computes a diagnostic itself.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"oventime/internal/alert"
	"oventime/internal/clock"
	"oventime/internal/model"
	"oventime/internal/notification"
)

const helpText = "Commandes :\n" +
	"/now ou /m : état actuel du système\n" +
	"/at <heure> : état à une heure donnée (ex: /at 15:30)\n" +
	"/window : prochaine fenêtre de prix bas\n" +
	"/start_auto : activer les alertes automatiques\n" +
	"/stop_auto : désactiver les alertes automatiques"

// Subscriptions toggles automatic alerts for a chat.
type Subscriptions interface {
	Subscribe(ctx context.Context, chatID string) error
	Unsubscribe(ctx context.Context, chatID string) error
}

// Config configures the long-polling loop.
type Config struct {
	Token       string
	APIBase     string        // default notification.DefaultTelegramAPI
	PollTimeout time.Duration // server-side long-poll wait
	RetryDelay  time.Duration
}

// Bot polls getUpdates and replies through a notifier.
type Bot struct {
	cfg    Config
	http   *http.Client
	reader model.SnapshotReader
	subs   Subscriptions
	out    notification.Notifier
	now    clock.Func
	offset int64
}

// New creates a bot. out delivers replies, normally a TelegramNotifier
// built from the same token.
func New(cfg Config, reader model.SnapshotReader, subs Subscriptions, out notification.Notifier) *Bot {
	if cfg.APIBase == "" {
		cfg.APIBase = notification.DefaultTelegramAPI
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Bot{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.PollTimeout + 10*time.Second},
		reader: reader,
		subs:   subs,
		out:    out,
		now:    clock.System,
	}
}

// WithClock pins "now" for /now and /window.
func (b *Bot) WithClock(now clock.Func) *Bot {
	b.now = now
	return b
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type updatesResponse struct {
	OK          bool     `json:"ok"`
	Description string   `json:"description"`
	Result      []update `json:"result"`
}

// Run polls until ctx is cancelled. Poll errors are logged and retried.
func (b *Bot) Run(ctx context.Context) error {
	log.Printf("[bot] polling for updates")
	for {
		updates, err := b.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[bot] getUpdates: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.cfg.RetryDelay):
			}
			continue
		}
		for _, u := range updates {
			b.offset = u.UpdateID + 1
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			chatID := strconv.FormatInt(u.Message.Chat.ID, 10)
			b.reply(ctx, chatID, u.Message.Text)
		}
	}
}

func (b *Bot) poll(ctx context.Context) ([]update, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(b.offset, 10))
	q.Set("timeout", strconv.Itoa(int(b.cfg.PollTimeout.Seconds())))
	q.Set("allowed_updates", `["message"]`)
	u := fmt.Sprintf("%s/bot%s/getUpdates?%s", b.cfg.APIBase, b.cfg.Token, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body updatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if !body.OK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, body.Description)
	}
	return body.Result, nil
}

func (b *Bot) reply(ctx context.Context, chatID, text string) {
	msg, markdown, ok := b.Handle(ctx, chatID, text)
	if !ok {
		return
	}
	err := b.out.Send(ctx, notification.Alert{
		Level:     notification.AlertInfo,
		Kind:      "reply",
		Recipient: chatID,
		Message:   msg,
		Markdown:  markdown,
	})
	if err != nil {
		log.Printf("[bot] reply to %s: %v", chatID, err)
	}
}

// Handle answers one message. ok is false for text that is not a command.
func (b *Bot) Handle(ctx context.Context, chatID, text string) (msg string, markdown, ok bool) {
	cmd, args := parseCommand(text)
	switch cmd {
	case "":
		return "", false, false
	case "/start", "/help":
		return helpText, false, true
	case "/now", "/m":
		return b.diagnostic(ctx, b.now())
	case "/at", "/a":
		if args == "" {
			return alert.AtUsageText, false, true
		}
		t, err := clock.ParseQueryTime(args, b.now())
		if err != nil {
			return err.Error(), false, true
		}
		return b.diagnostic(ctx, t)
	case "/window":
		w, err := b.reader.WindowAt(ctx, b.now())
		if errors.Is(err, model.ErrNotFound) {
			return alert.NoWindowText, false, true
		}
		if err != nil {
			log.Printf("[bot] window lookup: %v", err)
			return alert.ErrorText, false, true
		}
		return alert.WindowText(w), true, true
	case "/start_auto":
		if err := b.subs.Subscribe(ctx, chatID); err != nil {
			log.Printf("[bot] subscribe %s: %v", chatID, err)
			return alert.ErrorText, false, true
		}
		return alert.SubscribedText, false, true
	case "/stop_auto":
		if err := b.subs.Unsubscribe(ctx, chatID); err != nil {
			log.Printf("[bot] unsubscribe %s: %v", chatID, err)
			return alert.ErrorText, false, true
		}
		return alert.UnsubscribedText, false, true
	}
	return helpText, false, true
}

func (b *Bot) diagnostic(ctx context.Context, t time.Time) (string, bool, bool) {
	s, err := b.reader.DiagnosticAt(ctx, t)
	if errors.Is(err, model.ErrNotFound) {
		return alert.NotFoundText, false, true
	}
	if err != nil {
		log.Printf("[bot] diagnostic lookup: %v", err)
		return alert.ErrorText, false, true
	}
	return alert.DiagnosticText(s), true, true
}

// parseCommand splits "/cmd@botname rest" into "/cmd" and "rest".
func parseCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	cmd, args, _ := strings.Cut(text, " ")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), strings.TrimSpace(args)
}
