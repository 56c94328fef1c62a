package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"oventime/internal/clock"
	"oventime/internal/model"
)

// Backfill scores every grid step in [from, to] from the stored grid frame
// and sends the snapshots to out, which it does not close. Steps the windows
// cannot reach and undefined scores are skipped. Each snapshot carries the
// same key and source row a cycle would give it, so rewriting engine rows
// is accepted by the cache.
func (svc *Service) Backfill(ctx context.Context, from, to time.Time, out chan<- model.Snapshot) (sent, skipped int, err error) {
	frame, err := svc.d.Raw.Load(svc.d.Grid.Name, svc.d.Grid.Fields)
	if err != nil {
		return 0, 0, err
	}
	if frame.Len() == 0 {
		return 0, 0, model.ErrNoData
	}
	if from.IsZero() {
		from = frame.FirstTS()
	}
	from = clock.Floor(from.UTC(), model.GridStep)
	to = clock.Floor(to.UTC(), model.GridStep)
	created := svc.d.Now().UTC()

	for t := from; !t.After(to); t = t.Add(model.GridStep) {
		target := t
		s, err := svc.d.Scorer.ScoreAt(frame, &target)
		if err != nil {
			if !errors.Is(err, model.ErrRange) && !errors.Is(err, model.ErrDegenerate) {
				log.Printf("[backfill] %s: %v", t.Format(time.RFC3339), err)
			}
			skipped++
			continue
		}
		s.CreatedAt = created
		select {
		case out <- s:
			sent++
		case <-ctx.Done():
			return sent, skipped, ctx.Err()
		}
	}
	return sent, skipped, nil
}
