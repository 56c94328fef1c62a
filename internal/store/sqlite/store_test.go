package sqlite

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"oventime/internal/model"
)

func openPair(t *testing.T) (*Writer, *Reader, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	w, err := New(WriterConfig{DBPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return w, r, path
}

func at(hhmm string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", "2025-05-20 "+hhmm)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func snap(key, source time.Time, score float64) model.Snapshot {
	return model.Snapshot{
		Time:     key,
		SourceTS: source,
		Score:    score,
		Status:   model.StatusGreen,
		Indices: model.Indices{
			GasCCGUseRate:  0.2,
			StoragePhase:   math.NaN(),
			StorageUseRate: 0.4,
			NuclearUseRate: 0.97,
		},
		SourceVersion: "eco2mix-national-tr",
		CreatedAt:     key.Add(time.Minute),
	}
}

func TestDiagnosticAt_AsOf(t *testing.T) {
	w, r, _ := openPair(t)
	ctx := context.Background()

	for _, s := range []model.Snapshot{snap(at("10:00"), at("09:45"), 75), snap(at("10:15"), at("10:00"), 80)} {
		if err := w.PutDiagnostic(ctx, s); err != nil {
			t.Fatalf("PutDiagnostic: %v", err)
		}
	}

	got, err := r.DiagnosticAt(ctx, at("10:07"))
	if err != nil {
		t.Fatalf("DiagnosticAt(10:07): %v", err)
	}
	if !got.Time.Equal(at("10:00")) || got.Score != 75 {
		t.Errorf("as-of 10:07 returned %v score %v", got.Time, got.Score)
	}
	if !got.SourceTS.Equal(at("09:45")) || got.Status != model.StatusGreen {
		t.Errorf("provenance lost: %+v", got)
	}
	if !math.IsNaN(got.Indices.StoragePhase) || got.Indices.NuclearUseRate != 0.97 {
		t.Errorf("indices = %+v", got.Indices)
	}

	if got, err := r.DiagnosticAt(ctx, at("10:15")); err != nil || got.Score != 80 {
		t.Errorf("exact key: %v %v", got.Score, err)
	}

	if _, err := r.DiagnosticAt(ctx, at("09:00")); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("DiagnosticAt(09:00) = %v, want ErrNotFound", err)
	}
}

func TestPutDiagnostic_Consistency(t *testing.T) {
	w, r, _ := openPair(t)
	ctx := context.Background()

	if err := w.PutDiagnostic(ctx, snap(at("10:00"), at("09:45"), 60)); err != nil {
		t.Fatal(err)
	}
	// recomputation from the same source row overwrites
	if err := w.PutDiagnostic(ctx, snap(at("10:00"), at("09:45"), 61)); err != nil {
		t.Fatalf("consistent rewrite rejected: %v", err)
	}
	// another source row for the same instant is refused
	err := w.PutDiagnostic(ctx, snap(at("10:00"), at("10:00"), 99))
	if !errors.Is(err, model.ErrInconsistency) {
		t.Fatalf("expected ErrInconsistency, got %v", err)
	}

	got, err := r.DiagnosticAt(ctx, at("10:00"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Score != 61 {
		t.Errorf("score = %v, rejected write must not be persisted", got.Score)
	}
}

func TestWindowAt(t *testing.T) {
	w, r, _ := openPair(t)
	ctx := context.Background()

	res := model.WindowResult{
		Time:                  at("10:00"),
		Start:                 at("13:00"),
		End:                   at("16:15"),
		Method:                "otsu",
		Severity:              1,
		Threshold:             42.5,
		EffectiveHorizonHours: 23,
		SourceTS:              at("23:45"),
		SourceVersion:         "entsoe-a44",
		CreatedAt:             at("10:01"),
	}
	if err := w.PutWindow(ctx, res); err != nil {
		t.Fatal(err)
	}

	got, err := r.WindowAt(ctx, at("11:30"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Time.Equal(res.Time) || !got.Start.Equal(res.Start) || !got.End.Equal(res.End) ||
		!got.SourceTS.Equal(res.SourceTS) || !got.CreatedAt.Equal(res.CreatedAt) {
		t.Errorf("WindowAt times = %+v, want %+v", got, res)
	}
	if got.Method != res.Method || got.Severity != res.Severity || got.Threshold != res.Threshold ||
		got.EffectiveHorizonHours != res.EffectiveHorizonHours || got.SourceVersion != res.SourceVersion {
		t.Errorf("WindowAt = %+v, want %+v", got, res)
	}
	if _, err := r.WindowAt(ctx, at("09:59")); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("before first window: %v", err)
	}

	res.SourceTS = at("22:00")
	if err := w.PutWindow(ctx, res); !errors.Is(err, model.ErrInconsistency) {
		t.Errorf("expected ErrInconsistency, got %v", err)
	}
}

func TestLatest(t *testing.T) {
	w, r, _ := openPair(t)
	ctx := context.Background()

	if _, err := r.Latest(ctx, model.KindDiagnostic); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("empty cache: %v", err)
	}
	w.PutDiagnostic(ctx, snap(at("08:00"), at("08:00"), 50))
	w.PutDiagnostic(ctx, snap(at("12:30"), at("12:30"), 50))

	got, err := r.Latest(ctx, model.KindDiagnostic)
	if err != nil || !got.Equal(at("12:30")) {
		t.Errorf("Latest = %v, %v", got, err)
	}
	if _, err := r.Latest(ctx, model.Kind("prices")); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("unknown kind: %v", err)
	}
}

func TestRunDiagnostics_BatchesAndSkipsInconsistent(t *testing.T) {
	w, r, _ := openPair(t)
	ctx := context.Background()

	if err := w.PutDiagnostic(ctx, snap(at("00:00"), at("00:00"), 10)); err != nil {
		t.Fatal(err)
	}

	ch := make(chan model.Snapshot)
	go func() {
		defer close(ch)
		for i := 0; i < 250; i++ {
			ts := at("00:00").Add(time.Duration(i) * 15 * time.Minute)
			src := ts
			if i == 0 {
				src = ts.Add(-15 * time.Minute)
			}
			ch <- snap(ts, src, float64(i))
		}
	}()

	written, rejected := w.RunDiagnostics(ctx, ch)
	if written != 249 || rejected != 1 {
		t.Errorf("written=%d rejected=%d, want 249/1", written, rejected)
	}
	latest, err := r.Latest(ctx, model.KindDiagnostic)
	if err != nil || !latest.Equal(at("00:00").Add(249*15*time.Minute)) {
		t.Errorf("latest = %v, %v", latest, err)
	}
}

func TestRunDiagnostics_CountsFailedBatchAsRejected(t *testing.T) {
	w, _, _ := openPair(t)
	w.Close()

	ch := make(chan model.Snapshot, 3)
	for i := 0; i < 3; i++ {
		ts := at("06:00").Add(time.Duration(i) * 15 * time.Minute)
		ch <- snap(ts, ts, 50)
	}
	close(ch)

	written, rejected := w.RunDiagnostics(context.Background(), ch)
	if written != 0 || rejected != 3 {
		t.Errorf("written=%d rejected=%d, want 0/3", written, rejected)
	}
}

func TestChatState_PersistsAcrossReopen(t *testing.T) {
	w, _, path := openPair(t)
	ctx := context.Background()

	st, err := w.ChatState(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if st.Subscribed || st.HighActive {
		t.Errorf("unknown chat should be zero: %+v", st)
	}

	st.Subscribed = true
	st.HighActive = true
	if err := w.SaveChatState(ctx, st); err != nil {
		t.Fatal(err)
	}
	if err := w.SaveChatState(ctx, model.ChatState{ChatID: "7"}); err != nil {
		t.Fatal(err)
	}
	w.Close()

	w2, err := New(WriterConfig{DBPath: path})
	if err != nil {
		t.Fatal(err)
	}
	defer w2.Close()

	got, err := w2.ChatState(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Subscribed || !got.HighActive || got.LowActive {
		t.Errorf("state after reopen = %+v", got)
	}
	subs, err := w2.Subscribers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || subs[0].ChatID != "42" {
		t.Errorf("subscribers = %+v", subs)
	}
}
