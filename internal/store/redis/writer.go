package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"oventime/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// a cached result older than a few driver cycles is stale for live clients
	defaultLatestTTL = 30 * time.Minute
)

// LatestKey is the key holding the newest result of kind.
func LatestKey(kind model.Kind) string { return "oventime:" + string(kind) + ":latest" }

// Channel is the pubsub channel fresh results of kind are published on.
func Channel(kind model.Kind) string { return "oventime:" + string(kind) }

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Writer mirrors fresh diagnostics and windows to Redis for live clients.
type Writer struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
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

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client}, nil
}

// PublishDiagnostic stores s as the latest diagnostic and publishes it.
func (w *Writer) PublishDiagnostic(ctx context.Context, s model.Snapshot) error {
	return w.publish(ctx, model.KindDiagnostic, s.JSON())
}

// PublishWindow stores r as the latest window and publishes it.
func (w *Writer) PublishWindow(ctx context.Context, r model.WindowResult) error {
	return w.publish(ctx, model.KindWindow, r.JSON())
}

// publish pipelines SET latest + PUBLISH in one roundtrip.
func (w *Writer) publish(ctx context.Context, kind model.Kind, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("redis publish %s: empty payload", kind)
	}
	data := string(payload)

	pipe := w.client.Pipeline()
	pipe.Set(ctx, LatestKey(kind), data, defaultLatestTTL)
	pipe.Publish(ctx, Channel(kind), data)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] %s pipeline error: %v", kind, err)
		return fmt.Errorf("redis publish %s: %w", kind, err)
	}
	return nil
}

// Close closes the client.
func (w *Writer) Close() error {
	return w.client.Close()
}
