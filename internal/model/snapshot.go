package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Status is the categorical grid-tightness band.
type Status string

const (
	StatusLeaf   Status = "leaf"
	StatusGreen  Status = "green"
	StatusOrange Status = "orange"
	StatusRed    Status = "red"
	StatusFire   Status = "fire"
)

// ParseStatus validates a stored status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusLeaf, StatusGreen, StatusOrange, StatusRed, StatusFire:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, s)
}

// Kind names a snapshot cache table.
type Kind string

const (
	KindDiagnostic Kind = "diagnostic"
	KindWindow     Kind = "window"
)

// Indices are the normalized sub-indices a score is built from.
type Indices struct {
	GasCCGUseRate  float64 `json:"gas_ccg_use_rate"`
	StoragePhase   float64 `json:"storage_phase"`
	StorageUseRate float64 `json:"storage_use_rate"`
	NuclearUseRate float64 `json:"nuclear_use_rate"`
}

// MarshalJSON encodes undefined (NaN) indices as null.
func (ix Indices) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		GasCCGUseRate  *float64 `json:"gas_ccg_use_rate"`
		StoragePhase   *float64 `json:"storage_phase"`
		StorageUseRate *float64 `json:"storage_use_rate"`
		NuclearUseRate *float64 `json:"nuclear_use_rate"`
	}{nullable(ix.GasCCGUseRate), nullable(ix.StoragePhase), nullable(ix.StorageUseRate), nullable(ix.NuclearUseRate)})
}

// UnmarshalJSON decodes null indices back to NaN.
func (ix *Indices) UnmarshalJSON(b []byte) error {
	var raw struct {
		GasCCGUseRate  *float64 `json:"gas_ccg_use_rate"`
		StoragePhase   *float64 `json:"storage_phase"`
		StorageUseRate *float64 `json:"storage_use_rate"`
		NuclearUseRate *float64 `json:"nuclear_use_rate"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ix.GasCCGUseRate = orNaN(raw.GasCCGUseRate)
	ix.StoragePhase = orNaN(raw.StoragePhase)
	ix.StorageUseRate = orNaN(raw.StorageUseRate)
	ix.NuclearUseRate = orNaN(raw.NuclearUseRate)
	return nil
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func orNaN(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

// Snapshot is one computed diagnostic, keyed by Time in the cache.
type Snapshot struct {
	Time          time.Time `json:"time"`
	SourceTS      time.Time `json:"source_ts"`
	Score         float64   `json:"score"`
	Status        Status    `json:"status"`
	Indices       Indices   `json:"indices"`
	NuclearBonus  float64   `json:"nuclear_bonus"`
	OCGTMalus     float64   `json:"ocgt_malus"`
	SourceVersion string    `json:"source_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// WindowResult is the longest low-price interval found ahead of Time.
type WindowResult struct {
	Time                  time.Time `json:"time"`
	Start                 time.Time `json:"start"`
	End                   time.Time `json:"end"`
	Method                string    `json:"method"`
	Severity              float64   `json:"severity"`
	Threshold             float64   `json:"threshold"`
	EffectiveHorizonHours int       `json:"effective_horizon_hours"`
	SourceTS              time.Time `json:"source_ts"`
	SourceVersion         string    `json:"source_version"`
	CreatedAt             time.Time `json:"created_at"`
}

// StatusView is the reduced record served by the status endpoint.
type StatusView struct {
	Time   time.Time `json:"time"`
	Status Status    `json:"status"`
}

// JSON returns the snapshot encoded for pubsub payloads.
func (s Snapshot) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

// JSON returns the window encoded for pubsub payloads.
func (w WindowResult) JSON() []byte {
	b, _ := json.Marshal(w)
	return b
}
