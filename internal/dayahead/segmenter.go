// Package dayahead picks the best upcoming low-price window from the day-ahead
// price store.
package dayahead

import (
	"fmt"
	"math"
	"sort"
	"time"

	"oventime/internal/model"
)

// Threshold selection methods.
const (
	MethodOtsu      = "otsu"
	MethodArbitrary = "arbitrary"
)

// Params configures BestWindow.
type Params struct {
	Horizon  time.Duration
	Severity float64
	Method   string

	// arbitrary method: max(min + RelativeLow*(max-min), AbsoluteLow)
	RelativeLow float64
	AbsoluteLow float64

	GridStep      time.Duration
	SourceVersion string
}

// DefaultParams looks 24h ahead with a plain Otsu split.
func DefaultParams() Params {
	return Params{
		Horizon:       24 * time.Hour,
		Severity:      1,
		Method:        MethodOtsu,
		RelativeLow:   0.30,
		AbsoluteLow:   10,
		GridStep:      model.GridStep,
		SourceVersion: "entsoe-a44",
	}
}

// BestWindow returns the longest contiguous run of prices at or below the
// selected threshold within [now, now+Horizon].
func BestWindow(prices *model.Frame, now time.Time, p Params) (model.WindowResult, error) {
	col := prices.FieldIndex(model.FieldPrice)
	if col < 0 {
		return model.WindowResult{}, fmt.Errorf("field %s not in %s store: %w", model.FieldPrice, prices.Source, model.ErrInvalidArgument)
	}
	if p.GridStep <= 0 {
		p.GridStep = model.GridStep
	}
	now = now.UTC()

	rows := prices.Between(now, now.Add(p.Horizon))
	if len(rows) == 0 {
		return model.WindowResult{}, fmt.Errorf("prices in [%s, %s]: %w",
			now.Format(time.RFC3339), now.Add(p.Horizon).Format(time.RFC3339), model.ErrNoData)
	}
	last := rows[len(rows)-1].TS

	values := make([]float64, len(rows))
	for i, r := range rows {
		values[i] = r.Values[col]
	}

	thr, err := Threshold(values, p)
	if err != nil {
		return model.WindowResult{}, err
	}

	mask := make([]bool, len(values))
	found := false
	for i, v := range values {
		// NaN <= thr is false
		mask[i] = v <= thr
		found = found || mask[i]
	}
	if !found {
		return model.WindowResult{}, fmt.Errorf("no price at or below %.2f: %w", thr, model.ErrDegenerate)
	}

	start, n := LongestRun(mask)
	return model.WindowResult{
		Time:                  now,
		Start:                 rows[start].TS,
		End:                   rows[start+n-1].TS.Add(p.GridStep),
		Method:                p.Method,
		Severity:              p.Severity,
		Threshold:             thr,
		EffectiveHorizonHours: int(last.Sub(now) / time.Hour),
		SourceTS:              last,
		SourceVersion:         p.SourceVersion,
	}, nil
}

// Threshold selects the price threshold for values with p.Method.
func Threshold(values []float64, p Params) (float64, error) {
	switch p.Method {
	case MethodOtsu:
		return Otsu(values, p.Severity)
	case MethodArbitrary:
		lo, hi, ok := bounds(values)
		if !ok {
			return math.NaN(), model.ErrNoData
		}
		return math.Max(lo+p.RelativeLow*(hi-lo), p.AbsoluteLow), nil
	default:
		return math.NaN(), fmt.Errorf("threshold method %q: %w", p.Method, model.ErrInvalidArgument)
	}
}

// Otsu returns the value τ maximizing pL^(1/severity) * pH * (meanL - meanH)²
// where the low group is values <= τ and the high group values > τ. Ties keep
// the lowest τ. NaNs are ignored.
func Otsu(values []float64, severity float64) (float64, error) {
	if !(severity > 0) {
		return math.NaN(), fmt.Errorf("severity %v must be positive: %w", severity, model.ErrInvalidArgument)
	}

	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			sorted = append(sorted, v)
		}
	}
	if len(sorted) == 0 {
		return math.NaN(), model.ErrNoData
	}
	sort.Float64s(sorted)

	var total float64
	for _, v := range sorted {
		total += v
	}
	n := float64(len(sorted))

	best, bestScore := math.NaN(), math.Inf(-1)
	var lowSum float64
	for i := 0; i < len(sorted); i++ {
		lowSum += sorted[i]
		// only evaluate the last occurrence of each distinct value
		if i+1 < len(sorted) && sorted[i+1] == sorted[i] {
			continue
		}
		nLow := float64(i + 1)
		nHigh := n - nLow
		if nHigh == 0 {
			break
		}
		meanL := lowSum / nLow
		meanH := (total - lowSum) / nHigh
		d := meanL - meanH
		score := math.Pow(nLow/n, 1/severity) * (nHigh / n) * d * d
		if score > bestScore {
			best, bestScore = sorted[i], score
		}
	}
	if math.IsNaN(best) {
		return math.NaN(), fmt.Errorf("constant price series: %w", model.ErrDegenerate)
	}
	return best, nil
}

// LongestRun returns the start and length of the longest run of true values,
// the earliest one on ties. Length is 0 when mask has no true value.
func LongestRun(mask []bool) (start, length int) {
	cur := 0
	for i, m := range mask {
		if !m {
			cur = 0
			continue
		}
		cur++
		if cur > length {
			start, length = i-cur+1, cur
		}
	}
	return start, length
}

func bounds(values []float64) (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
		ok = true
	}
	return lo, hi, ok
}
