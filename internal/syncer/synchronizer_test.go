package syncer

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"oventime/internal/clock"
	"oventime/internal/model"
	"oventime/internal/rawstore"
)

// gridProvider serves one row per grid step up to and including `until`.
type gridProvider struct {
	mu      sync.Mutex
	from    time.Time
	until   time.Time
	value   func(ts time.Time) map[string]float64
	calls   int
	lastReq [2]time.Time
	err     error
}

func (p *gridProvider) Fetch(ctx context.Context, start, end time.Time) ([]model.Observation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastReq = [2]time.Time{start, end}
	if p.err != nil {
		return nil, p.err
	}
	var out []model.Observation
	for ts := start; ts.Before(end) && !ts.After(p.until); ts = ts.Add(model.GridStep) {
		if ts.Before(p.from) {
			continue
		}
		out = append(out, model.Observation{TS: ts, Values: p.value(ts)})
	}
	return out, nil
}

// memStore is an in-memory RawStore that counts saves.
type memStore struct {
	mu     sync.Mutex
	frames map[string]*model.Frame
	saves  int
}

func newMemStore() *memStore { return &memStore{frames: map[string]*model.Frame{}} }

func (m *memStore) Load(source string, fields []string) (*model.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.frames[source]; ok {
		cp := *f
		cp.Rows = append([]model.Row(nil), f.Rows...)
		return &cp, nil
	}
	return model.NewFrame(source, fields), nil
}

func (m *memStore) Save(f *model.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.frames[f.Source] = f
	return nil
}

var now0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func gridSource(p model.Fetcher) Source {
	return Source{
		Name:         "eco2mix",
		Fields:       []string{"A"},
		Fetcher:      p,
		Kind:         FixedCadence,
		Cadence:      model.GridStep,
		Retention:    2 * 24 * time.Hour,
		MinStaleness: 20 * time.Minute,
	}
}

func constant(v float64) func(time.Time) map[string]float64 {
	return func(time.Time) map[string]float64 { return map[string]float64{"A": v} }
}

func TestSync_ColdStartFetchesRetentionWindow(t *testing.T) {
	store := newMemStore()
	p := &gridProvider{until: now0, value: constant(1)}
	s := New(store, WithClock(clock.Fixed(now0.Add(7*time.Minute))))

	last, err := s.Sync(context.Background(), gridSource(p))
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !last.Equal(now0) {
		t.Errorf("last complete = %v, want %v", last, now0)
	}
	if !p.lastReq[0].Equal(now0.Add(-48*time.Hour)) || !p.lastReq[1].Equal(now0.Add(model.GridStep)) {
		t.Errorf("requested [%v, %v)", p.lastReq[0], p.lastReq[1])
	}
	f := store.frames["eco2mix"]
	if f.Len() != 48*4+1 {
		t.Errorf("stored %d rows, want %d", f.Len(), 48*4+1)
	}
}

func TestSync_SecondSyncWithoutNewDataIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := rawstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	p := &gridProvider{until: now0, value: constant(3)}
	src := gridSource(p)

	s := New(store, WithClock(clock.Fixed(now0)))
	if _, err := s.Sync(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	before, _ := store.Load("eco2mix", src.Fields)

	// same instant: start = last+cadence > now, no fetch at all
	calls := p.calls
	if _, err := s.Sync(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if p.calls != calls {
		t.Error("second sync at the same instant should not fetch")
	}

	// 15 minutes later with no new provider data: fetch returns nothing
	s2 := New(store, WithClock(clock.Fixed(now0.Add(model.GridStep))))
	if _, err := s2.Sync(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	after, _ := store.Load("eco2mix", src.Fields)
	// the window slid by one step, so compare the rows both hold
	trimmed := before.Trim(now0.Add(model.GridStep).Add(-src.Retention), time.Time{})
	if !after.Equal(trimmed) {
		t.Errorf("store changed without new data: %d rows vs %d", after.Len(), trimmed.Len())
	}
}

func TestSync_NoRewriteWhenNothingChanged(t *testing.T) {
	store := newMemStore()
	// the provider only has the last day, so a one-hour slide trims nothing
	p := &gridProvider{from: now0.Add(-24 * time.Hour), until: now0, value: constant(1)}
	src := gridSource(p)

	s := New(store, WithClock(clock.Fixed(now0)))
	if _, err := s.Sync(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	saves := store.saves

	s2 := New(store, WithClock(clock.Fixed(now0.Add(time.Hour))))
	if _, err := s2.Sync(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if store.saves != saves {
		t.Errorf("store rewritten although nothing changed (%d saves)", store.saves)
	}
}

func TestSync_RetentionInvariant(t *testing.T) {
	store := newMemStore()
	p := &gridProvider{until: now0, value: constant(1)}
	src := gridSource(p)

	for day := 0; day < 4; day++ {
		now := now0.Add(time.Duration(day) * 24 * time.Hour)
		p.until = now
		s := New(store, WithClock(clock.Fixed(now)))
		if _, err := s.Sync(context.Background(), src); err != nil {
			t.Fatal(err)
		}
		cutoff := now.Add(-src.Retention)
		for _, r := range store.frames["eco2mix"].Rows {
			if r.TS.Before(cutoff) {
				t.Fatalf("day %d: row %v older than cutoff %v", day, r.TS, cutoff)
			}
		}
		if !store.frames["eco2mix"].LastTS().Equal(now) {
			t.Errorf("day %d: last = %v", day, store.frames["eco2mix"].LastTS())
		}
	}
}

func TestSync_DayAheadWindowAndCarveOut(t *testing.T) {
	store := newMemStore()
	p := &gridProvider{until: now0.Add(36 * time.Hour), value: func(time.Time) map[string]float64 {
		return map[string]float64{model.FieldPrice: 50}
	}}
	src := Source{
		Name:         "prices",
		Fields:       model.PriceFields,
		Fetcher:      p,
		Kind:         DayAhead,
		Cadence:      model.GridStep,
		Retention:    24 * time.Hour,
		Overshoot:    48 * time.Hour,
		MinForesight: 12 * time.Hour,
	}

	s := New(store, WithClock(clock.Fixed(now0)))
	last, err := s.Sync(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if !p.lastReq[1].Equal(now0.Add(48*time.Hour + model.GridStep)) {
		t.Errorf("day-ahead fetch end = %v", p.lastReq[1])
	}
	if !last.Equal(now0.Add(36 * time.Hour)) {
		t.Errorf("last = %v", last)
	}

	later := now0.Add(30 * time.Hour)
	s2 := New(store, WithClock(clock.Fixed(later)))
	if _, err := s2.Sync(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	f := store.frames["prices"]
	keep := minTime(later, clock.TomorrowMidnight(later))
	for _, r := range f.Rows {
		if r.TS.Before(later.Add(-src.Retention)) && r.TS.Before(keep) {
			t.Fatalf("row %v violates retention", r.TS)
		}
	}
	if len(f.Between(later, later.Add(6*time.Hour))) == 0 {
		t.Error("future prices must be kept")
	}
}

func TestSync_FetchFailureLeavesStoreUntouched(t *testing.T) {
	store := newMemStore()
	p := &gridProvider{until: now0, value: constant(1)}
	src := gridSource(p)

	s := New(store, WithClock(clock.Fixed(now0)))
	if _, err := s.Sync(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	saves := store.saves

	p.err = errors.New("503 service unavailable")
	p.until = now0.Add(time.Hour)
	s2 := New(store, WithClock(clock.Fixed(now0.Add(time.Hour))))
	last, err := s2.Sync(context.Background(), src)
	if !errors.Is(err, model.ErrUpstreamFetch) {
		t.Fatalf("expected ErrUpstreamFetch, got %v", err)
	}
	var fe *model.FetchError
	if !errors.As(err, &fe) || fe.Source != "eco2mix" {
		t.Errorf("expected FetchError for eco2mix, got %v", err)
	}
	if !last.Equal(now0) {
		t.Errorf("last = %v, want previous %v", last, now0)
	}
	if store.saves != saves {
		t.Error("store must not be written after a failed fetch")
	}
}

type hangingFetcher struct{}

func (hangingFetcher) Fetch(context.Context, time.Time, time.Time) ([]model.Observation, error) {
	select {} // ignores ctx on purpose
}

func TestSync_HungFetchTimesOut(t *testing.T) {
	store := newMemStore()
	s := New(store, WithClock(clock.Fixed(now0)), WithFetchTimeout(30*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := s.Sync(context.Background(), gridSource(hangingFetcher{}))
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, model.ErrUpstreamFetch) || !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected timeout fetch error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not return after the fetch timeout")
	}
	if store.saves != 0 {
		t.Error("nothing should be saved")
	}
}

func TestSync_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	store := newMemStore()
	p := &gridProvider{until: now0, value: constant(1), err: errors.New("down")}
	s := New(store, WithClock(clock.Fixed(now0)), WithBreaker(2, time.Hour))
	src := gridSource(p)

	for i := 0; i < 3; i++ {
		s.Sync(context.Background(), src)
	}
	if p.calls != 2 {
		t.Errorf("provider called %d times, breaker should have stopped at 2", p.calls)
	}
}

func TestSync_LastCompleteSkipsTrailingGaps(t *testing.T) {
	store := newMemStore()
	p := &gridProvider{until: now0, value: func(ts time.Time) map[string]float64 {
		if ts.After(now0.Add(-30 * time.Minute)) {
			return map[string]float64{"A": math.NaN()}
		}
		return map[string]float64{"A": 1}
	}}
	s := New(store, WithClock(clock.Fixed(now0)))
	last, err := s.Sync(context.Background(), gridSource(p))
	if err != nil {
		t.Fatal(err)
	}
	if want := now0.Add(-30 * time.Minute); !last.Equal(want) {
		t.Errorf("last complete = %v, want %v", last, want)
	}
	if !store.frames["eco2mix"].LastTS().Equal(now0) {
		t.Error("incomplete rows stay on disk")
	}
}

func TestSync_RefetchesTrailingIncompleteRows(t *testing.T) {
	store := newMemStore()
	late := true
	p := &gridProvider{until: now0, value: func(ts time.Time) map[string]float64 {
		if late && ts.After(now0.Add(-45*time.Minute)) {
			return map[string]float64{"A": math.NaN()}
		}
		return map[string]float64{"A": 2}
	}}
	src := gridSource(p)

	s := New(store, WithClock(clock.Fixed(now0)))
	if _, err := s.Sync(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	// the provider fills the three placeholder rows and publishes one more
	late = false
	p.until = now0.Add(model.GridStep)
	s2 := New(store, WithClock(clock.Fixed(now0.Add(model.GridStep))))
	last, err := s2.Sync(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if want := now0.Add(-30 * time.Minute); !p.lastReq[0].Equal(want) {
		t.Errorf("fetch started at %v, want %v", p.lastReq[0], want)
	}
	if !last.Equal(now0.Add(model.GridStep)) {
		t.Errorf("last complete = %v", last)
	}
	for _, r := range store.frames["eco2mix"].Rows {
		if !r.Complete() {
			t.Errorf("row %v still incomplete", r.TS)
		}
	}
}

func TestSync_TrimsWhenNothingToFetch(t *testing.T) {
	store := newMemStore()
	p := &gridProvider{until: now0, value: constant(1)}
	src := gridSource(p)

	s := New(store, WithClock(clock.Fixed(now0)))
	if _, err := s.Sync(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	calls := p.calls

	// one step later the next fetch would start at now itself
	later := now0.Add(model.GridStep)
	s2 := New(store, WithClock(clock.Fixed(later)))
	if _, err := s2.Sync(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if p.calls != calls {
		t.Errorf("provider called %d times, want %d", p.calls, calls)
	}
	cutoff := later.Add(-src.Retention)
	f := store.frames["eco2mix"]
	if !f.Rows[0].TS.Equal(cutoff) {
		t.Errorf("first row = %v, want %v", f.Rows[0].TS, cutoff)
	}
}

func TestShouldSync(t *testing.T) {
	grid := Source{Kind: FixedCadence, MinStaleness: 20 * time.Minute}
	prices := Source{Kind: DayAhead, MinForesight: 12 * time.Hour}

	tests := []struct {
		name string
		src  Source
		last time.Time
		want bool
	}{
		{"empty store", grid, time.Time{}, true},
		{"grid fresh", grid, now0.Add(-15 * time.Minute), false},
		{"grid stale exactly", grid, now0.Add(-20 * time.Minute), true},
		{"prices far ahead", prices, now0.Add(20 * time.Hour), false},
		{"prices short foresight", prices, now0.Add(6 * time.Hour), true},
		{"prices at boundary", prices, now0.Add(12 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldSync(tt.src, tt.last, now0); got != tt.want {
				t.Errorf("ShouldSync = %v, want %v", got, tt.want)
			}
		})
	}
}
