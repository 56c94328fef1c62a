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

// Reader provides read-only as-of access to the snapshot cache for the API,
// the bot and the WebSocket gateway.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection pool for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// DB returns the underlying sql.DB for health checks.
func (r *Reader) DB() *sql.DB { return r.db }

// DiagnosticAt returns the newest diagnostic with ts <= t.
func (r *Reader) DiagnosticAt(ctx context.Context, t time.Time) (model.Snapshot, error) {
	var (
		s                            model.Snapshot
		ts, sourceTS, created        int64
		status                       string
		gas, phase, storage, nuclear sql.NullFloat64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT ts, source_ts, score, status, gas_ccg_use_rate, storage_phase, storage_use_rate, nuclear_use_rate,
		       nuclear_bonus, ocgt_malus, source_version, created_at
		FROM diagnostic_cache
		WHERE ts <= ?
		ORDER BY ts DESC
		LIMIT 1
	`, t.Unix()).Scan(&ts, &sourceTS, &s.Score, &status, &gas, &phase, &storage, &nuclear,
		&s.NuclearBonus, &s.OCGTMalus, &s.SourceVersion, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, model.ErrNotFound
		}
		return s, fmt.Errorf("sqlite read diagnostic: %w", err)
	}

	if s.Status, err = model.ParseStatus(status); err != nil {
		return s, err
	}
	s.Time = time.Unix(ts, 0).UTC()
	s.SourceTS = time.Unix(sourceTS, 0).UTC()
	s.CreatedAt = time.Unix(created, 0).UTC()
	s.Indices = model.Indices{
		GasCCGUseRate:  orNaN(gas),
		StoragePhase:   orNaN(phase),
		StorageUseRate: orNaN(storage),
		NuclearUseRate: orNaN(nuclear),
	}
	return s, nil
}

// WindowAt returns the newest window result with ts <= t.
func (r *Reader) WindowAt(ctx context.Context, t time.Time) (model.WindowResult, error) {
	var (
		w                                 model.WindowResult
		ts, start, end, sourceTS, created int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT ts, start_ts, end_ts, method, severity, threshold, eff_horizon_hours, source_ts, source_version, created_at
		FROM window_cache
		WHERE ts <= ?
		ORDER BY ts DESC
		LIMIT 1
	`, t.Unix()).Scan(&ts, &start, &end, &w.Method, &w.Severity, &w.Threshold,
		&w.EffectiveHorizonHours, &sourceTS, &w.SourceVersion, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return w, model.ErrNotFound
		}
		return w, fmt.Errorf("sqlite read window: %w", err)
	}
	w.Time = time.Unix(ts, 0).UTC()
	w.Start = time.Unix(start, 0).UTC()
	w.End = time.Unix(end, 0).UTC()
	w.SourceTS = time.Unix(sourceTS, 0).UTC()
	w.CreatedAt = time.Unix(created, 0).UTC()
	return w, nil
}

// Latest returns the newest cached instant of kind, ErrNotFound when empty.
func (r *Reader) Latest(ctx context.Context, kind model.Kind) (time.Time, error) {
	var table string
	switch kind {
	case model.KindDiagnostic:
		table = "diagnostic_cache"
	case model.KindWindow:
		table = "window_cache"
	default:
		return time.Time{}, fmt.Errorf("cache kind %q: %w", kind, model.ErrInvalidArgument)
	}

	var ts sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(ts) FROM `+table).Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("sqlite latest %s: %w", kind, err)
	}
	if !ts.Valid {
		return time.Time{}, model.ErrNotFound
	}
	return time.Unix(ts.Int64, 0).UTC(), nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
