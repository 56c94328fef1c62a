package alert

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"oventime/internal/clock"
	"oventime/internal/metrics"
	"oventime/internal/model"
	"oventime/internal/notification"
)

// Dispatcher evaluates every subscribed chat against a fresh score and
// delivers the resulting announcements.
type Dispatcher struct {
	store    model.ChatStateStore
	notifier notification.Notifier
	th       Thresholds
	metrics  *metrics.Metrics
	now      clock.Func
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(store model.ChatStateStore, n notification.Notifier, th Thresholds, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{store: store, notifier: n, th: th, metrics: m, now: clock.System}
}

// WithClock pins the time stamped on saved chat states.
func (d *Dispatcher) WithClock(now clock.Func) *Dispatcher {
	d.now = now
	return d
}

// Check runs the hysteresis for every subscriber and returns how many
// announcements went out. A chat's new state is saved only once its
// announcement was delivered, so a failed delivery is retried next cycle.
func (d *Dispatcher) Check(ctx context.Context, s model.Snapshot) (int, error) {
	if math.IsNaN(s.Score) {
		return 0, nil
	}
	subs, err := d.store.Subscribers(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	var errs []error
	for _, st := range subs {
		next, ev := Evaluate(st, s.Score, d.th)
		if next == st {
			continue
		}
		if ev != EventNone {
			alert := notification.Alert{
				Level:     levelOf(ev),
				Kind:      string(ev),
				Recipient: st.ChatID,
				Message:   EventText(ev, s.Score),
				Snapshot:  &s,
			}
			if err := d.notifier.Send(ctx, alert); err != nil {
				errs = append(errs, fmt.Errorf("chat %s: %w", st.ChatID, err))
				continue
			}
			sent++
			if d.metrics != nil {
				d.metrics.AlertsSent.WithLabelValues(string(ev)).Inc()
			}
			log.Printf("[alert] %s sent to chat %s (score %.1f)", ev, st.ChatID, s.Score)
		}
		next.UpdatedAt = d.now()
		if err := d.store.SaveChatState(ctx, next); err != nil {
			errs = append(errs, err)
		}
	}
	return sent, errors.Join(errs...)
}

// Subscribe enables automatic alerts for chatID. The hysteresis latches are
// left as they were.
func (d *Dispatcher) Subscribe(ctx context.Context, chatID string) error {
	return d.setSubscribed(ctx, chatID, true)
}

// Unsubscribe disables automatic alerts for chatID.
func (d *Dispatcher) Unsubscribe(ctx context.Context, chatID string) error {
	return d.setSubscribed(ctx, chatID, false)
}

func (d *Dispatcher) setSubscribed(ctx context.Context, chatID string, on bool) error {
	st, err := d.store.ChatState(ctx, chatID)
	if err != nil {
		return err
	}
	st.Subscribed = on
	st.UpdatedAt = d.now()
	if err := d.store.SaveChatState(ctx, st); err != nil {
		return err
	}
	log.Printf("[alert] chat %s subscribed=%v", chatID, on)
	return nil
}

func levelOf(ev Event) notification.AlertLevel {
	switch ev {
	case EventLowStart:
		return notification.AlertCritical
	case EventHighStart:
		return notification.AlertWarning
	}
	return notification.AlertInfo
}
