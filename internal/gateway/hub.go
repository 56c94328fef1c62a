// Package gateway pushes fresh diagnostics and windows to WebSocket clients.
// New clients first receive the latest cached records, then every result
// relayed from the redis pubsub feed.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"oventime/internal/clock"
	"oventime/internal/metrics"
	"oventime/internal/model"
	"oventime/internal/store/redis"
)

// Feed is the live stream of freshly published results.
type Feed interface {
	Subscribe(ctx context.Context, out chan<- redis.Message) error
}

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Hub manages WebSocket clients and the pubsub fan-out.
type Hub struct {
	feed    Feed
	cache   model.SnapshotReader
	now     clock.Func
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[*Client]bool
	seq     int64

	// RetryDelay spaces resubscription attempts after the feed drops.
	RetryDelay time.Duration
}

// NewHub creates a hub relaying feed. cache answers the initial state of new
// clients; m may be nil.
func NewHub(feed Feed, cache model.SnapshotReader, m *metrics.Metrics) *Hub {
	return &Hub{
		feed:       feed,
		cache:      cache,
		now:        clock.System,
		metrics:    m,
		clients:    make(map[*Client]bool),
		RetryDelay: 2 * time.Second,
	}
}

// Run relays pubsub messages to clients until ctx is cancelled,
// resubscribing when the feed drops.
func (h *Hub) Run(ctx context.Context) {
	in := make(chan redis.Message, 64)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-in:
				h.broadcast(msg.Kind, msg.Payload)
			}
		}
	}()

	for {
		err := h.feed.Subscribe(ctx, in)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[gateway] subscribe: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(h.RetryDelay):
		}
	}
}

// envelope wraps a payload as {"kind":"...","data":...,"seq":N[,"initial":true]}.
func envelope(kind model.Kind, data []byte, seq int64, initial bool) []byte {
	buf := make([]byte, 0, len(data)+64)
	buf = append(buf, `{"kind":"`...)
	buf = append(buf, string(kind)...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	if initial {
		buf = append(buf, `,"initial":true`...)
	}
	buf = append(buf, '}')
	return buf
}

// broadcast sends data to every client, dropping it for clients whose
// queue is full.
func (h *Hub) broadcast(kind model.Kind, data []byte) {
	h.mu.Lock()
	h.seq++
	buf := envelope(kind, data, h.seq, false)
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- buf:
		default:
		}
	}
}

// ServeHTTP upgrades the connection and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] ws upgrade error: %v", err)
		return
	}
	client := &Client{conn: conn, send: make(chan []byte, 64), hub: h}

	// queue the initial state before the client can receive broadcasts
	h.sendInitialState(r.Context(), client)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(count))
	}
	log.Printf("[gateway] ws client connected (%d total)", count)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) sendInitialState(ctx context.Context, c *Client) {
	now := h.now()
	for _, kind := range []model.Kind{model.KindDiagnostic, model.KindWindow} {
		data, err := h.cached(ctx, kind, now)
		if err != nil {
			if !errors.Is(err, model.ErrNotFound) {
				log.Printf("[gateway] initial %s: %v", kind, err)
			}
			continue
		}
		h.mu.RLock()
		seq := h.seq
		h.mu.RUnlock()
		select {
		case c.send <- envelope(kind, data, seq, true):
		default:
		}
	}
}

// cached encodes the newest cached record of kind at or before now.
func (h *Hub) cached(ctx context.Context, kind model.Kind, now time.Time) ([]byte, error) {
	switch kind {
	case model.KindDiagnostic:
		s, err := h.cache.DiagnosticAt(ctx, now)
		if err != nil {
			return nil, err
		}
		return json.Marshal(s)
	case model.KindWindow:
		w, err := h.cache.WindowAt(ctx, now)
		if err != nil {
			return nil, err
		}
		return json.Marshal(w)
	}
	return nil, model.ErrInvalidArgument
}

// RemoveClient unregisters c and closes its queue.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	close(c.send)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(count))
	}
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
