package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the pipeline from concrete storage (parquet
// files, SQLite, Redis). Each implementation satisfies one or more of them.

// Fetcher returns the raw rows a provider holds for [start, end).
type Fetcher interface {
	Fetch(ctx context.Context, start, end time.Time) ([]Observation, error)
}

// RawStore loads and atomically replaces a source's frame.
type RawStore interface {
	// Load returns an empty frame when the source has never been saved.
	Load(source string, fields []string) (*Frame, error)

	// Save publishes the frame; readers see either the old or the new one.
	Save(f *Frame) error
}

// SnapshotWriter upserts computed results into the snapshot cache.
type SnapshotWriter interface {
	PutDiagnostic(ctx context.Context, s Snapshot) error
	PutWindow(ctx context.Context, w WindowResult) error
	Close() error
}

// SnapshotReader answers as-of queries. Both methods return ErrNotFound
// when no record with ts <= t exists.
type SnapshotReader interface {
	DiagnosticAt(ctx context.Context, t time.Time) (Snapshot, error)
	WindowAt(ctx context.Context, t time.Time) (WindowResult, error)
	Close() error
}

// Publisher mirrors fresh results to live subscribers. Best-effort.
type Publisher interface {
	PublishDiagnostic(ctx context.Context, s Snapshot) error
	PublishWindow(ctx context.Context, w WindowResult) error
}

// ChatState is the persisted alert state of one chat.
type ChatState struct {
	ChatID     string    `json:"chat_id"`
	Subscribed bool      `json:"subscribed"`
	HighActive bool      `json:"high_active"`
	LowActive  bool      `json:"low_active"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ChatStateStore persists per-chat subscription and alert hysteresis.
type ChatStateStore interface {
	ChatState(ctx context.Context, chatID string) (ChatState, error)
	SaveChatState(ctx context.Context, st ChatState) error
	Subscribers(ctx context.Context) ([]ChatState, error)
}
