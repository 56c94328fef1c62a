package syncer

import (
	"time"

	"oventime/internal/model"
)

// Kind distinguishes sources that trail "now" from those that publish ahead of it.
type Kind int

const (
	// FixedCadence sources publish rows shortly after they happen (eco2mix).
	FixedCadence Kind = iota
	// DayAhead sources publish tomorrow's rows today (day-ahead prices).
	DayAhead
)

func (k Kind) String() string {
	if k == DayAhead {
		return "day-ahead"
	}
	return "fixed-cadence"
}

// Source describes one synchronised data source.
type Source struct {
	Name    string
	Fields  []string
	Fetcher model.Fetcher
	Kind    Kind

	Cadence   time.Duration
	Retention time.Duration

	// FixedCadence: minimum age of the last row before a fetch is attempted.
	MinStaleness time.Duration

	// DayAhead: how far past now the fetch window reaches, and how far ahead
	// the stored data must reach before a fetch is skipped.
	Overshoot    time.Duration
	MinForesight time.Duration
}

// ShouldSync reports whether new data can plausibly exist for src.
func ShouldSync(src Source, last, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	switch src.Kind {
	case DayAhead:
		return last.Before(now.Add(src.MinForesight))
	default:
		return now.Sub(last) >= src.MinStaleness
	}
}
