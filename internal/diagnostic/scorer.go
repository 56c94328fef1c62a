// Package diagnostic turns the grid-mix raw store into a tightness score and
// status for one instant.
package diagnostic

import (
	"errors"
	"fmt"
	"math"
	"time"

	"oventime/internal/clock"
	"oventime/internal/cycle"
	"oventime/internal/model"
)

// Thresholds are the lower (exclusive) score bounds of each status band.
// Anything at or below Red is fire.
type Thresholds struct {
	Leaf   float64 `yaml:"leaf" default:"100"`
	Green  float64 `yaml:"green" default:"70"`
	Orange float64 `yaml:"orange" default:"30"`
	Red    float64 `yaml:"red" default:"0"`
}

// DefaultThresholds returns the stock status bands.
func DefaultThresholds() Thresholds {
	return Thresholds{Leaf: 100, Green: 70, Orange: 30, Red: 0}
}

// Classify maps a score to its status band.
func Classify(score float64, th Thresholds) model.Status {
	switch {
	case score > th.Leaf:
		return model.StatusLeaf
	case score > th.Green:
		return model.StatusGreen
	case score > th.Orange:
		return model.StatusOrange
	case score > th.Red:
		return model.StatusRed
	default:
		return model.StatusFire
	}
}

// Config holds window lengths (in rows) and classification bands.
type Config struct {
	GasWindow     int
	StorageWindow int
	NuclearWindow int
	Thresholds    Thresholds
	SourceVersion string
}

// DefaultConfig scores gas and storage over 7 days and nuclear over 1.5 days.
func DefaultConfig() Config {
	return Config{
		GasWindow:     672,
		StorageWindow: 672,
		NuclearWindow: 144,
		Thresholds:    DefaultThresholds(),
		SourceVersion: "eco2mix-national-tr",
	}
}

const (
	bonusGasCeiling     = 0.1
	bonusNuclearCeiling = 0.995
	bonusCap            = 50.0
	malusGasFloor       = 0.3
	malusCap            = -50.0
)

// Scorer computes diagnostics from a grid-mix frame.
type Scorer struct {
	cfg Config
	now clock.Func
}

// NewScorer creates a Scorer. now stamps CreatedAt; nil uses the system clock.
func NewScorer(cfg Config, now clock.Func) *Scorer {
	if now == nil {
		now = clock.System
	}
	return &Scorer{cfg: cfg, now: now}
}

// Config returns the scorer's configuration.
func (s *Scorer) Config() Config { return s.cfg }

func (s *Scorer) longestWindow() int {
	w := s.cfg.GasWindow
	if s.cfg.StorageWindow > w {
		w = s.cfg.StorageWindow
	}
	if s.cfg.NuclearWindow > w {
		w = s.cfg.NuclearWindow
	}
	return w
}

// ScoreAt scores the row at target, or the last complete row when target is
// nil. The returned snapshot is keyed by the scored row: Time equals SourceTS.
func (s *Scorer) ScoreAt(f *model.Frame, target *time.Time) (model.Snapshot, error) {
	var t time.Time
	if target != nil {
		t = target.UTC()
	} else {
		t = f.LastCompleteTS()
		if t.IsZero() {
			return model.Snapshot{}, cycle.QueryableRange(f, t, s.longestWindow())
		}
	}

	norm := func(field string, window int, mode cycle.Mode) (float64, error) {
		v, err := cycle.Normalize(f, field, t, window, mode)
		if err != nil {
			if errors.Is(err, model.ErrRange) {
				// report the range every index can be computed on
				return v, cycle.QueryableRange(f, t, s.longestWindow())
			}
			return v, fmt.Errorf("%s: %w", field, err)
		}
		return v, nil
	}

	gas, err := norm(model.FieldGasCCG, s.cfg.GasWindow, cycle.ZeroToMax)
	if err != nil {
		return model.Snapshot{}, err
	}
	phase, err := norm(model.FieldStorage, s.cfg.StorageWindow, cycle.MinToMax)
	if err != nil {
		return model.Snapshot{}, err
	}
	storage, err := norm(model.FieldStorage, s.cfg.StorageWindow, cycle.ZeroToMax)
	if err != nil {
		return model.Snapshot{}, err
	}
	nuclear, err := norm(model.FieldNuclear, s.cfg.NuclearWindow, cycle.ZeroToMax)
	if err != nil {
		return model.Snapshot{}, err
	}

	score := 100 * ((2.0/3.0)*(1-gas) + (1.0/3.0)*(1-storage))

	var bonus, malus float64
	if gas <= bonusGasCeiling && nuclear <= bonusNuclearCeiling {
		bonus = math.Min(bonusCap, (1-nuclear)*1000)
		score += bonus
	}
	if gas >= malusGasFloor {
		tac := f.Value(f.IndexOf(t), model.FieldGasTAC)
		if math.IsNaN(tac) {
			return model.Snapshot{}, cycle.QueryableRange(f, t, s.longestWindow())
		}
		malus = math.Max(malusCap, -tac/10)
		score += malus
	}

	if math.IsNaN(score) {
		return model.Snapshot{}, fmt.Errorf("score at %s: gas or storage index undefined: %w",
			t.Format(time.RFC3339), model.ErrDegenerate)
	}

	return model.Snapshot{
		Time:     t,
		SourceTS: t,
		Score:    score,
		Status:   Classify(score, s.cfg.Thresholds),
		Indices: model.Indices{
			GasCCGUseRate:  gas,
			StoragePhase:   phase,
			StorageUseRate: storage,
			NuclearUseRate: nuclear,
		},
		NuclearBonus:  bonus,
		OCGTMalus:     malus,
		SourceVersion: s.cfg.SourceVersion,
		CreatedAt:     s.now(),
	}, nil
}
