package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"oventime/internal/clock"
	"oventime/internal/dayahead"
	"oventime/internal/logger"
	"oventime/internal/model"
	"oventime/internal/syncer"
)

// Report summarises one cycle. Errors is keyed by stage name.
type Report struct {
	TraceID    string
	Time       time.Time
	Diagnostic *model.Snapshot
	Window     *model.WindowResult
	AlertsSent int
	Errors     map[string]error
}

// RunCycle runs every stage once. A failed stage is logged and counted; the
// following stages still run on whatever data is available.
func (svc *Service) RunCycle(ctx context.Context) Report {
	started := time.Now()
	now := svc.d.Now().UTC()
	rep := Report{
		TraceID: logger.NewTraceID(),
		Time:    clock.Floor(now, model.GridStep),
		Errors:  make(map[string]error),
	}
	ctx = logger.WithTraceID(ctx, rep.TraceID)

	svc.runStage(ctx, &rep, "sync_grid", func(ctx context.Context) error {
		return svc.syncSource(ctx, svc.d.Grid, now)
	})
	if svc.d.SyncPrices {
		svc.runStage(ctx, &rep, "sync_prices", func(ctx context.Context) error {
			return svc.syncSource(ctx, svc.d.Prices, now)
		})
	}

	svc.runStage(ctx, &rep, "score", func(ctx context.Context) error {
		f, err := svc.d.Raw.Load(svc.d.Grid.Name, svc.d.Grid.Fields)
		if err != nil {
			return err
		}
		s, err := svc.d.Scorer.ScoreAt(f, nil)
		if err != nil {
			return err
		}
		// cached under the scored row, so later cycles in the same slot add rows
		s.CreatedAt = now
		rep.Diagnostic = &s
		if svc.d.Metrics != nil {
			svc.d.Metrics.Score.Set(s.Score)
		}
		log.Printf("[engine] trace=%s score %.1f (%s) from row %s",
			rep.TraceID, s.Score, s.Status, s.SourceTS.Format(time.RFC3339))
		return nil
	})

	svc.runStage(ctx, &rep, "segment", func(ctx context.Context) error {
		f, err := svc.d.Raw.Load(svc.d.Prices.Name, svc.d.Prices.Fields)
		if err != nil {
			return err
		}
		w, err := dayahead.BestWindow(f, rep.Time, svc.d.Window)
		if err != nil {
			return err
		}
		// prices can be republished mid-slot; each evaluation gets its own key
		w.Time = now.Truncate(time.Second)
		w.CreatedAt = now
		rep.Window = &w
		log.Printf("[engine] trace=%s window %s -> %s (threshold %.2f, %dh ahead)",
			rep.TraceID, clock.Local(w.Start), clock.Local(w.End), w.Threshold, w.EffectiveHorizonHours)
		return nil
	})

	svc.runStage(ctx, &rep, "cache", func(ctx context.Context) error {
		var errs []error
		if rep.Diagnostic != nil {
			errs = append(errs, svc.cacheResult(model.KindDiagnostic, svc.d.Cache.PutDiagnostic(ctx, *rep.Diagnostic)))
		}
		if rep.Window != nil {
			errs = append(errs, svc.cacheResult(model.KindWindow, svc.d.Cache.PutWindow(ctx, *rep.Window)))
		}
		return errors.Join(errs...)
	})

	if svc.d.Publisher != nil {
		svc.runStage(ctx, &rep, "publish", func(ctx context.Context) error {
			var errs []error
			if rep.Diagnostic != nil {
				errs = append(errs, svc.d.Publisher.PublishDiagnostic(ctx, *rep.Diagnostic))
			}
			if rep.Window != nil {
				errs = append(errs, svc.d.Publisher.PublishWindow(ctx, *rep.Window))
			}
			return errors.Join(errs...)
		})
	}

	if svc.d.Alerts != nil && rep.Diagnostic != nil {
		svc.runStage(ctx, &rep, "alerts", func(ctx context.Context) error {
			n, err := svc.d.Alerts.Check(ctx, *rep.Diagnostic)
			rep.AlertsSent = n
			return err
		})
	}

	if svc.d.Metrics != nil {
		svc.d.Metrics.CycleDuration.Observe(time.Since(started).Seconds())
	}
	if svc.d.Health != nil {
		svc.d.Health.SetLastCycle(now)
	}
	log.Printf("[engine] trace=%s cycle %s done in %s with %d failed stages",
		rep.TraceID, rep.Time.Format(time.RFC3339), time.Since(started).Round(time.Millisecond), len(rep.Errors))
	return rep
}

// runStage runs fn and records its outcome. It does not recover panics.
func (svc *Service) runStage(ctx context.Context, rep *Report, name string, fn func(ctx context.Context) error) {
	if ctx.Err() != nil {
		rep.Errors[name] = ctx.Err()
		return
	}
	err := fn(ctx)
	if svc.d.Health != nil {
		svc.d.Health.SetStage(name, err == nil)
	}
	if err == nil {
		return
	}
	rep.Errors[name] = err
	if svc.d.Metrics != nil {
		svc.d.Metrics.StageErrors.WithLabelValues(name).Inc()
	}
	log.Printf("[engine] trace=%s stage %s failed: %v", rep.TraceID, name, err)
}

func (svc *Service) syncSource(ctx context.Context, src syncer.Source, now time.Time) error {
	last, err := svc.d.Sync.LastComplete(src)
	if err != nil {
		return err
	}
	if !syncer.ShouldSync(src, last, now) {
		return nil
	}
	last, err = svc.d.Sync.Sync(ctx, src)
	if svc.d.Health != nil && !last.IsZero() {
		svc.d.Health.SetLastSync(src.Name, last)
	}
	return err
}

// cacheResult counts a cache write. A rewrite rejected as inconsistent is
// counted separately.
func (svc *Service) cacheResult(kind model.Kind, err error) error {
	if svc.d.Metrics != nil {
		switch {
		case err == nil:
			svc.d.Metrics.CacheWrites.WithLabelValues(string(kind)).Inc()
		case errors.Is(err, model.ErrInconsistency):
			svc.d.Metrics.CacheInconsistencies.WithLabelValues(string(kind)).Inc()
		}
	}
	return err
}
