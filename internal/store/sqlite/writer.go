package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"oventime/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/oventime.db"
}

// Writer is the single writer of the snapshot cache and the chat alert table.
type Writer struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", dsn(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db}, nil
}

func dsn(path string) string {
	return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS diagnostic_cache (
			ts               INTEGER PRIMARY KEY,
			source_ts        INTEGER NOT NULL,
			score            REAL    NOT NULL,
			status           TEXT    NOT NULL,
			gas_ccg_use_rate REAL,
			storage_phase    REAL,
			storage_use_rate REAL,
			nuclear_use_rate REAL,
			nuclear_bonus    REAL    NOT NULL,
			ocgt_malus       REAL    NOT NULL,
			source_version   TEXT    NOT NULL,
			created_at       INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS window_cache (
			ts                INTEGER PRIMARY KEY,
			start_ts          INTEGER NOT NULL,
			end_ts            INTEGER NOT NULL,
			method            TEXT    NOT NULL,
			severity          REAL    NOT NULL,
			threshold         REAL    NOT NULL,
			eff_horizon_hours INTEGER NOT NULL,
			source_ts         INTEGER NOT NULL,
			source_version    TEXT    NOT NULL,
			created_at        INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chat_alerts (
			chat_id     TEXT    PRIMARY KEY,
			subscribed  INTEGER NOT NULL DEFAULT 0,
			high_active INTEGER NOT NULL DEFAULT 0,
			low_active  INTEGER NOT NULL DEFAULT 0,
			updated_at  INTEGER NOT NULL
		);
	`)
	return err
}

// PutDiagnostic upserts s under s.Time. A cached row for the same instant
// that was computed from another source row is kept and ErrInconsistency
// is returned.
func (w *Writer) PutDiagnostic(ctx context.Context, s model.Snapshot) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := putDiagnostic(ctx, tx, s); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// PutWindow upserts r under r.Time with the same consistency rule.
func (w *Writer) PutWindow(ctx context.Context, r model.WindowResult) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := checkSource(ctx, tx, "window_cache", r.Time, r.SourceTS); err != nil {
		tx.Rollback()
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO window_cache
			(ts, start_ts, end_ts, method, severity, threshold, eff_horizon_hours, source_ts, source_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Time.Unix(), r.Start.Unix(), r.End.Unix(), r.Method, r.Severity, r.Threshold,
		r.EffectiveHorizonHours, r.SourceTS.Unix(), r.SourceVersion, r.CreatedAt.Unix())
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite insert window: %w", err)
	}
	return tx.Commit()
}

func putDiagnostic(ctx context.Context, tx *sql.Tx, s model.Snapshot) error {
	if err := checkSource(ctx, tx, "diagnostic_cache", s.Time, s.SourceTS); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO diagnostic_cache
			(ts, source_ts, score, status, gas_ccg_use_rate, storage_phase, storage_use_rate, nuclear_use_rate,
			 nuclear_bonus, ocgt_malus, source_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.Time.Unix(), s.SourceTS.Unix(), s.Score, string(s.Status),
		nullable(s.Indices.GasCCGUseRate), nullable(s.Indices.StoragePhase),
		nullable(s.Indices.StorageUseRate), nullable(s.Indices.NuclearUseRate),
		s.NuclearBonus, s.OCGTMalus, s.SourceVersion, s.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlite insert diagnostic: %w", err)
	}
	return nil
}

func checkSource(ctx context.Context, tx *sql.Tx, table string, key, sourceTS time.Time) error {
	var existing int64
	err := tx.QueryRowContext(ctx, `SELECT source_ts FROM `+table+` WHERE ts = ?`, key.Unix()).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sqlite read %s: %w", table, err)
	}
	if existing != sourceTS.Unix() {
		return fmt.Errorf("%s at %s computed from %s, refusing %s: %w", table,
			key.UTC().Format(time.RFC3339), time.Unix(existing, 0).UTC().Format(time.RFC3339),
			sourceTS.UTC().Format(time.RFC3339), model.ErrInconsistency)
	}
	return nil
}

// RunDiagnostics reads snapshots from ch and upserts them in batched
// transactions, flushing every defaultBatchSize snapshots or defaultFlushDelay.
// Inconsistent snapshots are skipped and counted, as is every snapshot of a
// batch whose transaction fails. Blocks until ctx is
// cancelled or ch is closed, and returns the number written and rejected.
func (w *Writer) RunDiagnostics(ctx context.Context, ch <-chan model.Snapshot) (written, rejected int) {
	batch := make([]model.Snapshot, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		n, bad, err := w.insertDiagnosticBatch(batch)
		if err != nil {
			log.Printf("[sqlite] batch insert error, %d snapshots rejected: %v", len(batch), err)
			rejected += len(batch)
		} else {
			log.Printf("[sqlite] committed %d snapshots (%d rejected) in %v", n, bad, time.Since(start))
			written += n
			rejected += bad
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return written, rejected

		case s, ok := <-ch:
			if !ok {
				flush()
				return written, rejected
			}
			batch = append(batch, s)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// insertDiagnosticBatch writes a batch in one transaction, skipping
// inconsistent rows.
func (w *Writer) insertDiagnosticBatch(snaps []model.Snapshot) (written, rejected int, err error) {
	ctx := context.Background()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	for _, s := range snaps {
		err := putDiagnostic(ctx, tx, s)
		switch {
		case errors.Is(err, model.ErrInconsistency):
			log.Printf("[sqlite] %v", err)
			rejected++
		case err != nil:
			tx.Rollback()
			return 0, 0, err
		default:
			written++
		}
	}
	return written, rejected, tx.Commit()
}

// ChatState returns the alert state of chatID, zero-valued when unknown.
func (w *Writer) ChatState(ctx context.Context, chatID string) (model.ChatState, error) {
	st := model.ChatState{ChatID: chatID}
	var updated int64
	err := w.db.QueryRowContext(ctx, `
		SELECT subscribed, high_active, low_active, updated_at FROM chat_alerts WHERE chat_id = ?
	`, chatID).Scan(&st.Subscribed, &st.HighActive, &st.LowActive, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("sqlite read chat %s: %w", chatID, err)
	}
	st.UpdatedAt = time.Unix(updated, 0).UTC()
	return st, nil
}

// SaveChatState upserts the alert state of one chat.
func (w *Writer) SaveChatState(ctx context.Context, st model.ChatState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	_, err := w.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO chat_alerts (chat_id, subscribed, high_active, low_active, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, st.ChatID, st.Subscribed, st.HighActive, st.LowActive, st.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlite save chat %s: %w", st.ChatID, err)
	}
	return nil
}

// Subscribers returns every chat with automatic alerts enabled.
func (w *Writer) Subscribers(ctx context.Context) ([]model.ChatState, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT chat_id, subscribed, high_active, low_active, updated_at
		FROM chat_alerts WHERE subscribed = 1 ORDER BY chat_id
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query chat_alerts: %w", err)
	}
	defer rows.Close()

	var out []model.ChatState
	for rows.Next() {
		var st model.ChatState
		var updated int64
		if err := rows.Scan(&st.ChatID, &st.Subscribed, &st.HighActive, &st.LowActive, &updated); err != nil {
			return nil, fmt.Errorf("sqlite scan chat_alerts: %w", err)
		}
		st.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}

func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}
