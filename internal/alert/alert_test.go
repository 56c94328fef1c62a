package alert

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"oventime/internal/clock"
	"oventime/internal/model"
	"oventime/internal/notification"
	"oventime/internal/store/sqlite"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name      string
		high, low bool
		score     float64
		wantHigh  bool
		wantLow   bool
		wantEvent Event
	}{
		{"quiet", false, false, 50, false, false, EventNone},
		{"high starts", false, false, 101, true, false, EventHighStart},
		{"high holds", true, false, 120, true, false, EventNone},
		{"exactly high ends", true, false, 100, false, false, EventHighEnd},
		{"low starts", false, false, 9.9, false, true, EventLowStart},
		{"exactly low does not start", false, false, 10, false, false, EventNone},
		{"low ends", false, true, 10, false, false, EventLowEnd},
		{"jump from high to low", true, false, -5, false, true, EventLowStart},
		{"jump from low to high", false, true, 150, true, false, EventHighStart},
		{"nan is ignored", true, false, math.NaN(), true, false, EventNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := model.ChatState{ChatID: "1", HighActive: tt.high, LowActive: tt.low}
			got, ev := Evaluate(st, tt.score, DefaultThresholds)
			if got.HighActive != tt.wantHigh || got.LowActive != tt.wantLow || ev != tt.wantEvent {
				t.Errorf("Evaluate(%v) = high %v low %v %q, want %v %v %q",
					tt.score, got.HighActive, got.LowActive, ev, tt.wantHigh, tt.wantLow, tt.wantEvent)
			}
		})
	}
}

type recorder struct {
	mu     sync.Mutex
	fail   bool
	alerts []notification.Alert
}

func (r *recorder) Send(_ context.Context, a notification.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("telegram down")
	}
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.alerts {
		out = append(out, a.Kind+"@"+a.Recipient)
	}
	return out
}

func openStore(t *testing.T, path string) *sqlite.Writer {
	t.Helper()
	w, err := sqlite.New(sqlite.WriterConfig{DBPath: path})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return w
}

var noon = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestDispatcher_OneAlertPerExcursionAcrossRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "alerts.db")
	rec := &recorder{}

	store := openStore(t, path)
	d := NewDispatcher(store, rec, DefaultThresholds, nil).WithClock(clock.Fixed(noon))
	if err := d.Subscribe(ctx, "42"); err != nil {
		t.Fatal(err)
	}
	if err := d.Subscribe(ctx, "7"); err != nil {
		t.Fatal(err)
	}
	if err := d.Unsubscribe(ctx, "7"); err != nil {
		t.Fatal(err)
	}

	for _, score := range []float64{80, 105, 110} {
		if _, err := d.Check(ctx, model.Snapshot{Score: score}); err != nil {
			t.Fatalf("Check(%v): %v", score, err)
		}
	}
	store.Close()

	// a restarted process must remember the HIGH latch
	store = openStore(t, path)
	defer store.Close()
	d = NewDispatcher(store, rec, DefaultThresholds, nil)
	for _, score := range []float64{120, 90, 95} {
		if _, err := d.Check(ctx, model.Snapshot{Score: score}); err != nil {
			t.Fatalf("Check(%v): %v", score, err)
		}
	}

	got := strings.Join(rec.kinds(), ",")
	if got != "high_start@42,high_end@42" {
		t.Errorf("alerts = %s", got)
	}
}

func TestDispatcher_RetriesFailedDelivery(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "alerts.db"))
	defer store.Close()

	rec := &recorder{fail: true}
	d := NewDispatcher(store, rec, DefaultThresholds, nil)
	d.Subscribe(ctx, "42")

	if _, err := d.Check(ctx, model.Snapshot{Score: 5}); err == nil {
		t.Fatal("delivery failure should surface")
	}
	st, _ := store.ChatState(ctx, "42")
	if st.LowActive {
		t.Error("latch set although the alert was not delivered")
	}

	rec.fail = false
	n, err := d.Check(ctx, model.Snapshot{Score: 5})
	if err != nil || n != 1 {
		t.Errorf("retry sent %d, err %v", n, err)
	}
	if a := rec.alerts[0]; a.Level != notification.AlertCritical || !strings.Contains(a.Message, "FORTE TENSION") {
		t.Errorf("alert = %+v", a)
	}
	if a := rec.alerts[0]; a.Snapshot == nil || a.Snapshot.Score != 5 {
		t.Errorf("alert snapshot = %+v", a.Snapshot)
	}
}

func TestConclusion(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{101, "A FOND"},
		{100, "VAS-Y"},
		{85.5, "VAS-Y"},
		{85, "CA VA"},
		{70, "UN PEU TENDU"},
		{30, "PAS MAINTENANT"},
		{0, "PIRE MOMENT"},
		{-40, "PIRE MOMENT"},
	}
	for _, tt := range tests {
		if got := Conclusion(tt.score); !strings.Contains(got, tt.want) {
			t.Errorf("Conclusion(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestDiagnosticText(t *testing.T) {
	s := model.Snapshot{
		Time:  time.Date(2025, 6, 1, 8, 15, 0, 0, time.UTC), // 10:15 in Paris
		Score: 72.4,
		Indices: model.Indices{
			GasCCGUseRate:  0.25,
			StorageUseRate: -0.4,
			NuclearUseRate: 0.9,
			StoragePhase:   math.NaN(),
		},
	}
	got := DiagnosticText(s)
	for _, want := range []string{
		"*Etat du système* à 10:15 \\(01/06\\)",
		"Gaz mobilisé à 25%",
		"Hydro/Stockage à \\-40% \\(*on stocke*\\)",
		"Nucléaire à 90\\.0% de sa dispo",
		"*Score: 72*",
		"CA VA",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}

	s.Indices.GasCCGUseRate = math.NaN()
	if got := DiagnosticText(s); !strings.Contains(got, "Gaz mobilisé à n/d") {
		t.Errorf("NaN index not rendered as n/d:\n%s", got)
	}
}

func TestWindowText(t *testing.T) {
	w := model.WindowResult{
		Start:                 time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		End:                   time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC),
		EffectiveHorizonHours: 23,
	}
	got := WindowText(w)
	if !strings.Contains(got, "dans les 23h") || !strings.Contains(got, "*12:00* à *16:30*") {
		t.Errorf("WindowText = %s", got)
	}
}
