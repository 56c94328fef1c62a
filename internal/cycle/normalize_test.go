package cycle

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"oventime/internal/model"
)

var t0 = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

func series(vals ...float64) *model.Frame {
	f := model.NewFrame("eco2mix", []string{"X"})
	for i, v := range vals {
		f.Rows = append(f.Rows, model.Row{TS: t0.Add(time.Duration(i) * model.GridStep), Values: []float64{v}})
	}
	return f
}

func at(i int) time.Time { return t0.Add(time.Duration(i) * model.GridStep) }

func TestNormalize(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		name   string
		vals   []float64
		target int
		window int
		mode   Mode
		want   float64
	}{
		{"min_to_max middle", []float64{0, 10, 5}, 2, 3, MinToMax, 0.5},
		{"min_to_max at max", []float64{2, 4, 6}, 2, 3, MinToMax, 1},
		{"min_to_max trailing window only", []float64{100, 0, 10, 5}, 3, 3, MinToMax, 0.5},
		{"min_to_max flat", []float64{3, 3, 3}, 2, 3, MinToMax, nan},
		{"zero_to_max", []float64{0, 8, 2}, 2, 3, ZeroToMax, 0.25},
		{"zero_to_max all zero", []float64{0, 0, 0}, 2, 3, ZeroToMax, nan},
		{"missing values dropped", []float64{0, nan, 10, nan}, 3, 4, MinToMax, 1},
		{"all missing", []float64{nan, nan}, 1, 2, ZeroToMax, nan},
		{"window of one", []float64{1, 7}, 1, 1, ZeroToMax, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(series(tt.vals...), "X", at(tt.target), tt.window, tt.mode)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.IsNaN(tt.want) {
				if !math.IsNaN(got) {
					t.Errorf("got %v, want NaN", got)
				}
				return
			}
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalize_RangeErrors(t *testing.T) {
	f := series(1, 2, 3, 4, 5)

	_, err := Normalize(f, "X", at(1), 3, MinToMax)
	var re *model.RangeError
	if !errors.As(err, &re) {
		t.Fatalf("expected RangeError, got %v", err)
	}
	if !errors.Is(err, model.ErrRange) {
		t.Error("RangeError must match ErrRange")
	}
	if !re.From.Equal(at(2)) || !re.To.Equal(at(4)) {
		t.Errorf("range = [%v, %v], want [%v, %v]", re.From, re.To, at(2), at(4))
	}

	if _, err := Normalize(f, "X", at(2), 3, MinToMax); err != nil {
		t.Errorf("first queryable row rejected: %v", err)
	}
	if _, err := Normalize(f, "X", at(9), 3, MinToMax); !errors.Is(err, model.ErrRange) {
		t.Errorf("absent target: got %v", err)
	}
	if _, err := Normalize(f, "X", at(2).Add(time.Minute), 1, MinToMax); !errors.Is(err, model.ErrRange) {
		t.Errorf("off-grid target: got %v", err)
	}
}

func TestNormalize_InvalidArguments(t *testing.T) {
	f := series(1, 2, 3)
	cases := []struct {
		name   string
		field  string
		window int
		mode   Mode
	}{
		{"mode", "X", 2, Mode("zscore")},
		{"field", "Y", 2, ZeroToMax},
		{"window", "X", 0, ZeroToMax},
	}
	for _, c := range cases {
		if _, err := Normalize(f, c.field, at(2), c.window, c.mode); !errors.Is(err, model.ErrInvalidArgument) {
			t.Errorf("%s: expected ErrInvalidArgument, got %v", c.name, err)
		}
	}
	if _, err := ParseMode("max"); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("ParseMode: got %v", err)
	}
	if m, err := ParseMode("zero_to_max"); err != nil || m != ZeroToMax {
		t.Errorf("ParseMode(zero_to_max) = %v, %v", m, err)
	}
}

func TestNormalize_StaysInUnitInterval(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	vals := make([]float64, 400)
	for i := range vals {
		vals[i] = rng.Float64() * 5000
		if rng.Intn(10) == 0 {
			vals[i] = math.NaN()
		}
	}
	f := series(vals...)
	for _, mode := range []Mode{MinToMax, ZeroToMax} {
		for i := 95; i < len(vals); i++ {
			got, err := Normalize(f, "X", at(i), 96, mode)
			if err != nil {
				t.Fatalf("%s @%d: %v", mode, i, err)
			}
			if !math.IsNaN(got) && (got < 0 || got > 1) {
				t.Fatalf("%s @%d = %v, outside [0,1]", mode, i, got)
			}
		}
	}
}
