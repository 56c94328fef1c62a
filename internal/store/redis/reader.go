package redis

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"oventime/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr     string
	Password string
	DB       int
}

// Reader serves the latest mirrored results and the live pubsub feed.
type Reader struct {
	client *goredis.Client
}

// Message is one result received from pubsub. Payload is the JSON record.
type Message struct {
	Kind    model.Kind
	Payload []byte
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis-reader] connected to %s", cfg.Addr)
	return &Reader{client: client}, nil
}

// Client returns the underlying Redis client for health checks.
func (r *Reader) Client() *goredis.Client { return r.client }

// Subscribe forwards every diagnostic and window published on pubsub to out.
// Messages are dropped when out is full. Blocks until ctx is cancelled.
func (r *Reader) Subscribe(ctx context.Context, out chan<- Message) error {
	pubsub := r.client.Subscribe(ctx, Channel(model.KindDiagnostic), Channel(model.KindWindow))
	defer pubsub.Close()

	// Wait for confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			kind, ok := kindOf(msg.Channel)
			if !ok {
				continue
			}
			select {
			case out <- Message{Kind: kind, Payload: []byte(msg.Payload)}:
			default:
			}
		}
	}
}

func kindOf(channel string) (model.Kind, bool) {
	switch model.Kind(strings.TrimPrefix(channel, "oventime:")) {
	case model.KindDiagnostic:
		return model.KindDiagnostic, true
	case model.KindWindow:
		return model.KindWindow, true
	}
	return "", false
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}
