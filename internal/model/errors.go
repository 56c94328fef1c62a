package model

import (
	"errors"
	"fmt"
	"time"

	"oventime/internal/clock"
)

var (
	ErrRange           = errors.New("time out of range")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUpstreamFetch   = errors.New("upstream fetch failed")
	ErrDegenerate      = errors.New("degenerate computation")
	ErrInconsistency   = errors.New("inconsistent snapshot")
	ErrNotFound        = errors.New("not found")
	ErrNoData          = errors.New("no data in window")
)

// RangeError is returned when a query time has no scorable history.
// From and To bound the instants that can be queried.
type RangeError struct {
	Target time.Time
	From   time.Time
	To     time.Time
}

func (e *RangeError) Error() string {
	const layout = "2006-01-02 15:04 MST"
	if e.From.IsZero() {
		return fmt.Sprintf("no data for %s: not enough history stored yet",
			e.Target.In(clock.Paris).Format(layout))
	}
	return fmt.Sprintf("no data for %s: query a time between %s and %s",
		e.Target.In(clock.Paris).Format(layout), e.From.In(clock.Paris).Format(layout), e.To.In(clock.Paris).Format(layout))
}

func (e *RangeError) Is(target error) bool { return target == ErrRange }

// FetchError wraps a provider failure or timeout for one source.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.Source, e.Err) }

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrUpstreamFetch }
