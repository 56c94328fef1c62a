// Package syncer advances each source's raw store to "now" with the smallest
// fetch window that can contain new rows, then merges, trims and republishes it.
//
// Intervals are half-open: a fetch covers [start, end) and the inclusive grid
// range [start, now] is requested as [start, now+cadence). A row already
// stored is never requested again because start is last+cadence.
package syncer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"oventime/internal/breaker"
	"oventime/internal/clock"
	"oventime/internal/metrics"
	"oventime/internal/model"
)

const (
	defaultFetchTimeout    = 60 * time.Second
	defaultBreakerFailures = 3
	defaultBreakerReset    = 10 * time.Minute
)

// Synchronizer owns the raw stores of every source it syncs.
type Synchronizer struct {
	store        model.RawStore
	now          clock.Func
	fetchTimeout time.Duration
	prom         *metrics.Metrics

	breakerFailures int
	breakerReset    time.Duration

	// one writer at a time; the raw store is replaced wholesale
	mu       sync.Mutex
	breakers map[string]*breaker.Breaker
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithClock overrides the wall clock.
func WithClock(now clock.Func) Option { return func(s *Synchronizer) { s.now = now } }

// WithFetchTimeout bounds every provider call.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

// WithMetrics records sync metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Synchronizer) { s.prom = m } }

// WithBreaker sets the per-source circuit breaker policy.
func WithBreaker(maxFailures int, reset time.Duration) Option {
	return func(s *Synchronizer) {
		s.breakerFailures = maxFailures
		s.breakerReset = reset
	}
}

// New creates a Synchronizer over store.
func New(store model.RawStore, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:           store,
		now:             clock.System,
		fetchTimeout:    defaultFetchTimeout,
		breakerFailures: defaultBreakerFailures,
		breakerReset:    defaultBreakerReset,
		breakers:        make(map[string]*breaker.Breaker),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// LastComplete returns the last fully populated timestamp of src's store.
func (s *Synchronizer) LastComplete(src Source) (time.Time, error) {
	f, err := s.store.Load(src.Name, src.Fields)
	if err != nil {
		return time.Time{}, err
	}
	return f.LastCompleteTS(), nil
}

// Sync fetches the rows src is missing and republishes its store. It returns
// the last complete timestamp. A provider failure leaves the store untouched
// and is returned as a *model.FetchError along with the current timestamp.
func (s *Synchronizer) Sync(ctx context.Context, src Source) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()
	now := clock.Floor(s.now(), src.Cadence)

	frame, err := s.store.Load(src.Name, src.Fields)
	if err != nil {
		s.fail(src)
		return time.Time{}, fmt.Errorf("sync %s: load: %w", src.Name, err)
	}
	current := frame.LastCompleteTS()

	// trailing incomplete rows are fetched again so late values replace them
	start := current.Add(src.Cadence)
	if current.IsZero() {
		start = now.Add(-src.Retention)
	}

	horizon := now
	if src.Kind == DayAhead {
		horizon = now.Add(src.Overshoot)
	}
	end := horizon.Add(src.Cadence)

	var incoming []model.Row
	if start.Before(horizon) {
		obs, err := s.fetch(ctx, src, start, end)
		if err != nil {
			log.Printf("[syncer] %s fetch [%s, %s) failed, store unchanged: %v",
				src.Name, start.Format(time.RFC3339), end.Format(time.RFC3339), err)
			s.fail(src)
			return current, err
		}

		incoming = make([]model.Row, 0, len(obs))
		dropped := 0
		for _, o := range obs {
			ts := o.TS.UTC()
			if ts.Before(start) || !ts.Before(end) || !ts.Equal(ts.Truncate(src.Cadence)) {
				dropped++
				continue
			}
			incoming = append(incoming, frame.RowFromObservation(o))
		}
		if dropped > 0 {
			log.Printf("[syncer] %s ignored %d rows outside the requested grid window", src.Name, dropped)
		}
	} else {
		log.Printf("[syncer] %s up to date (last complete=%s)", src.Name, current.Format(time.RFC3339))
		if s.prom != nil {
			s.prom.SyncSkipped.WithLabelValues(src.Name).Inc()
		}
	}

	// retention applies on every sync, including the ones that fetch nothing
	var keepFrom time.Time
	if src.Kind == DayAhead {
		keepFrom = minTime(now, clock.TomorrowMidnight(now))
	}
	next := frame.Merge(incoming).Trim(now.Add(-src.Retention), keepFrom)

	if !next.Equal(frame) {
		if err := s.store.Save(next); err != nil {
			s.fail(src)
			return current, fmt.Errorf("sync %s: save: %w", src.Name, err)
		}
	}

	last := next.LastCompleteTS()
	log.Printf("[syncer] %s synced: +%d rows, %d stored, last complete %s",
		src.Name, len(incoming), next.Len(), last.Format(time.RFC3339))

	if s.prom != nil {
		s.prom.SyncDuration.WithLabelValues(src.Name).Observe(time.Since(started).Seconds())
		s.prom.StoreRows.WithLabelValues(src.Name).Set(float64(next.Len()))
		if !last.IsZero() {
			s.prom.LastCompleteTS.WithLabelValues(src.Name).Set(float64(last.Unix()))
		}
	}
	return last, nil
}

// fetch calls the provider through the source's breaker and abandons it when
// fetchTimeout elapses, even if the provider ignores ctx.
func (s *Synchronizer) fetch(ctx context.Context, src Source, start, end time.Time) ([]model.Observation, error) {
	var obs []model.Observation
	err := s.breakerFor(src.Name).Execute(func() error {
		fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()

		type result struct {
			obs []model.Observation
			err error
		}
		done := make(chan result, 1)
		go func() {
			o, err := src.Fetcher.Fetch(fctx, start, end)
			done <- result{o, err}
		}()

		select {
		case r := <-done:
			obs = r.obs
			return r.err
		case <-fctx.Done():
			return fmt.Errorf("no response after %v: %w", s.fetchTimeout, fctx.Err())
		}
	})
	if err != nil {
		return nil, &model.FetchError{Source: src.Name, Err: err}
	}
	return obs, nil
}

func (s *Synchronizer) breakerFor(name string) *breaker.Breaker {
	if b, ok := s.breakers[name]; ok {
		return b
	}
	b := breaker.New(name, s.breakerFailures, s.breakerReset)
	b.OnStateChange = func(name string, from, to breaker.State) {
		log.Printf("[syncer] breaker %s: %s -> %s", name, from, to)
		if s.prom != nil {
			s.prom.BreakerState.WithLabelValues(name).Set(float64(to))
			if to == breaker.StateOpen {
				s.prom.BreakerTrips.WithLabelValues(name).Inc()
			}
		}
	}
	s.breakers[name] = b
	return b
}

func (s *Synchronizer) fail(src Source) {
	if s.prom != nil {
		s.prom.SyncFailures.WithLabelValues(src.Name).Inc()
	}
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
