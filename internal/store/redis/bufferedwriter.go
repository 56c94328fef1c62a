package redis

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"oventime/internal/breaker"
	"oventime/internal/model"
)

// BufferedPublisher wraps a Publisher with a circuit breaker. While the
// circuit is open the newest result of each kind is held back and replayed
// once the circuit closes again, unless a newer one went out first.
type BufferedPublisher struct {
	pub model.Publisher
	cb  *breaker.Breaker
	ctx context.Context

	mu         sync.Mutex
	diagnostic *model.Snapshot
	window     *model.WindowResult
	sent       map[model.Kind]time.Time

	// Callbacks
	OnBuffer func()          // called when a result is held back (for metrics)
	OnFlush  func(count int) // called after replaying held results
}

// NewBufferedPublisher creates a BufferedPublisher around pub.
func NewBufferedPublisher(ctx context.Context, pub model.Publisher, cb *breaker.Breaker) *BufferedPublisher {
	bp := &BufferedPublisher{pub: pub, cb: cb, ctx: ctx, sent: make(map[model.Kind]time.Time)}

	prev := cb.OnStateChange
	cb.OnStateChange = func(name string, from, to breaker.State) {
		if prev != nil {
			prev(name, from, to)
		}
		if to == breaker.StateClosed {
			go bp.flush()
		}
	}
	return bp
}

// PublishDiagnostic publishes s through the circuit breaker. A result held
// back by an open circuit is not an error.
func (bp *BufferedPublisher) PublishDiagnostic(ctx context.Context, s model.Snapshot) error {
	err := bp.cb.Execute(func() error {
		if err := bp.pub.PublishDiagnostic(ctx, s); err != nil {
			return err
		}
		bp.markSent(model.KindDiagnostic, s.Time)
		return nil
	})
	if errors.Is(err, breaker.ErrOpen) {
		bp.mu.Lock()
		bp.diagnostic = &s
		bp.mu.Unlock()
		bp.buffered()
		return nil
	}
	return err
}

// PublishWindow publishes r through the circuit breaker.
func (bp *BufferedPublisher) PublishWindow(ctx context.Context, r model.WindowResult) error {
	err := bp.cb.Execute(func() error {
		if err := bp.pub.PublishWindow(ctx, r); err != nil {
			return err
		}
		bp.markSent(model.KindWindow, r.Time)
		return nil
	})
	if errors.Is(err, breaker.ErrOpen) {
		bp.mu.Lock()
		bp.window = &r
		bp.mu.Unlock()
		bp.buffered()
		return nil
	}
	return err
}

func (bp *BufferedPublisher) markSent(kind model.Kind, t time.Time) {
	bp.mu.Lock()
	if t.After(bp.sent[kind]) {
		bp.sent[kind] = t
	}
	bp.mu.Unlock()
}

func (bp *BufferedPublisher) buffered() {
	if bp.OnBuffer != nil {
		bp.OnBuffer()
	}
}

// flush replays held results through the underlying publisher.
func (bp *BufferedPublisher) flush() {
	bp.mu.Lock()
	d, w := bp.diagnostic, bp.window
	bp.diagnostic, bp.window = nil, nil
	if d != nil && !d.Time.After(bp.sent[model.KindDiagnostic]) {
		d = nil
	}
	if w != nil && !w.Time.After(bp.sent[model.KindWindow]) {
		w = nil
	}
	bp.mu.Unlock()

	flushed := 0
	if d != nil {
		if err := bp.pub.PublishDiagnostic(bp.ctx, *d); err != nil {
			log.Printf("[buffered-publisher] replay diagnostic: %v", err)
		} else {
			flushed++
		}
	}
	if w != nil {
		if err := bp.pub.PublishWindow(bp.ctx, *w); err != nil {
			log.Printf("[buffered-publisher] replay window: %v", err)
		} else {
			flushed++
		}
	}
	if flushed == 0 {
		return
	}

	log.Printf("[buffered-publisher] replayed %d held results", flushed)
	if bp.OnFlush != nil {
		bp.OnFlush(flushed)
	}
}

// PendingCount returns the number of results waiting to be replayed.
func (bp *BufferedPublisher) PendingCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	n := 0
	if bp.diagnostic != nil {
		n++
	}
	if bp.window != nil {
		n++
	}
	return n
}
