// Package cycle places the value of a field at an instant within the range the
// field covered over a trailing window of rows.
package cycle

import (
	"fmt"
	"math"
	"time"

	"oventime/internal/model"
)

// Mode selects how a value is placed within its trailing window.
type Mode string

const (
	// MinToMax maps the window's minimum to 0 and maximum to 1.
	MinToMax Mode = "min_to_max"
	// ZeroToMax maps 0 to 0 and the window's maximum to 1.
	ZeroToMax Mode = "zero_to_max"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case MinToMax, ZeroToMax:
		return Mode(s), nil
	}
	return "", fmt.Errorf("normalization mode %q: %w", s, model.ErrInvalidArgument)
}

// Normalize returns the position of field's value at target within the last
// window rows ending at target. Missing values inside the window are ignored;
// a window with no value at all, or a flat one, yields NaN.
//
// A target that is not stored, or that has fewer than window-1 rows before
// it, yields a *model.RangeError naming the queryable range.
func Normalize(f *model.Frame, field string, target time.Time, window int, mode Mode) (float64, error) {
	if mode != MinToMax && mode != ZeroToMax {
		return math.NaN(), fmt.Errorf("normalization mode %q: %w", mode, model.ErrInvalidArgument)
	}
	if window < 1 {
		return math.NaN(), fmt.Errorf("window %d: %w", window, model.ErrInvalidArgument)
	}
	col := f.FieldIndex(field)
	if col < 0 {
		return math.NaN(), fmt.Errorf("field %q not in %s store: %w", field, f.Source, model.ErrInvalidArgument)
	}

	idx := f.IndexOf(target)
	if idx < 0 || idx < window-1 {
		return math.NaN(), QueryableRange(f, target, window)
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	last := math.NaN()
	for _, r := range f.Rows[idx-window+1 : idx+1] {
		v := r.Values[col]
		if math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
		last = v
	}
	if math.IsNaN(last) {
		return math.NaN(), nil
	}

	switch mode {
	case MinToMax:
		if hi == lo {
			return math.NaN(), nil
		}
		return (last - lo) / (hi - lo), nil
	default:
		if hi == 0 {
			return math.NaN(), nil
		}
		return last / hi, nil
	}
}

// QueryableRange builds the range error for target given a window length.
func QueryableRange(f *model.Frame, target time.Time, window int) *model.RangeError {
	e := &model.RangeError{Target: target}
	if window >= 1 && f.Len() >= window {
		e.From = f.Rows[window-1].TS
		e.To = f.LastTS()
	}
	return e
}
