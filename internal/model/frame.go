package model

import (
	"math"
	"sort"
	"time"
)

// Grid-mix fields derived from the eco2mix feed.
const (
	FieldNuclear   = "NUCLEAR"
	FieldStorage   = "STORAGE"
	FieldGasCCG    = "GAS_CCG"
	FieldGasTAC    = "GAS_TAC"
	FieldRenewable = "RENEWABLE"
	FieldOther     = "OTHER"
	FieldLoad      = "LOAD"

	FieldPrice = "PRICE"
)

// GridFields is the column set of the grid-mix raw store.
var GridFields = []string{
	FieldNuclear, FieldStorage, FieldGasCCG, FieldGasTAC,
	FieldRenewable, FieldOther, FieldLoad,
}

// PriceFields is the column set of the day-ahead price raw store.
var PriceFields = []string{FieldPrice}

// GridStep is the native interval of every stored series.
const GridStep = 15 * time.Minute

// Observation is one raw provider row. Missing fields are absent or NaN.
type Observation struct {
	TS     time.Time
	Values map[string]float64
}

// Row is one stored row; Values[i] belongs to Frame.Fields[i], NaN = missing.
type Row struct {
	TS     time.Time
	Values []float64
}

// Complete reports whether no field of the row is missing.
func (r Row) Complete() bool {
	for _, v := range r.Values {
		if math.IsNaN(v) {
			return false
		}
	}
	return true
}

// Frame is the content of one source's raw store, ordered by TS.
type Frame struct {
	Source string
	Fields []string
	Rows   []Row
}

// NewFrame returns an empty frame for a source.
func NewFrame(source string, fields []string) *Frame {
	return &Frame{Source: source, Fields: append([]string(nil), fields...)}
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.Rows) }

// FieldIndex returns the column index of field, or -1.
func (f *Frame) FieldIndex(field string) int {
	for i, name := range f.Fields {
		if name == field {
			return i
		}
	}
	return -1
}

// RowFromObservation projects an observation onto the frame's columns.
func (f *Frame) RowFromObservation(o Observation) Row {
	vals := make([]float64, len(f.Fields))
	for i, name := range f.Fields {
		v, ok := o.Values[name]
		if !ok {
			v = math.NaN()
		}
		vals[i] = v
	}
	return Row{TS: o.TS.UTC(), Values: vals}
}

// FirstTS returns the first timestamp, zero when empty.
func (f *Frame) FirstTS() time.Time {
	if len(f.Rows) == 0 {
		return time.Time{}
	}
	return f.Rows[0].TS
}

// LastTS returns the last timestamp, zero when empty.
func (f *Frame) LastTS() time.Time {
	if len(f.Rows) == 0 {
		return time.Time{}
	}
	return f.Rows[len(f.Rows)-1].TS
}

// LastCompleteTS skips trailing incomplete rows and returns the timestamp of
// the last fully populated one, zero if there is none.
func (f *Frame) LastCompleteTS() time.Time {
	for i := len(f.Rows) - 1; i >= 0; i-- {
		if f.Rows[i].Complete() {
			return f.Rows[i].TS
		}
	}
	return time.Time{}
}

// IndexOf returns the row index holding ts, or -1.
func (f *Frame) IndexOf(ts time.Time) int {
	i := sort.Search(len(f.Rows), func(i int) bool { return !f.Rows[i].TS.Before(ts) })
	if i < len(f.Rows) && f.Rows[i].TS.Equal(ts) {
		return i
	}
	return -1
}

// Value returns the value of field at row i.
func (f *Frame) Value(i int, field string) float64 {
	j := f.FieldIndex(field)
	if j < 0 || i < 0 || i >= len(f.Rows) {
		return math.NaN()
	}
	return f.Rows[i].Values[j]
}

// Merge returns the union of f and incoming, deduplicated by timestamp with
// incoming rows winning, sorted ascending. Neither input is modified.
func (f *Frame) Merge(incoming []Row) *Frame {
	byTS := make(map[int64]Row, len(f.Rows)+len(incoming))
	for _, r := range f.Rows {
		byTS[r.TS.UnixNano()] = r
	}
	for _, r := range incoming {
		byTS[r.TS.UnixNano()] = r
	}
	out := &Frame{Source: f.Source, Fields: f.Fields, Rows: make([]Row, 0, len(byTS))}
	for _, r := range byTS {
		out.Rows = append(out.Rows, r)
	}
	sort.Slice(out.Rows, func(i, j int) bool { return out.Rows[i].TS.Before(out.Rows[j].TS) })
	return out
}

// Trim drops rows older than cutoff unless ts >= keepFrom. A zero keepFrom
// disables the carve-out.
func (f *Frame) Trim(cutoff, keepFrom time.Time) *Frame {
	out := &Frame{Source: f.Source, Fields: f.Fields, Rows: make([]Row, 0, len(f.Rows))}
	for _, r := range f.Rows {
		if r.TS.Before(cutoff) && (keepFrom.IsZero() || r.TS.Before(keepFrom)) {
			continue
		}
		out.Rows = append(out.Rows, r)
	}
	return out
}

// Between returns the rows with from <= ts <= to.
func (f *Frame) Between(from, to time.Time) []Row {
	lo := sort.Search(len(f.Rows), func(i int) bool { return !f.Rows[i].TS.Before(from) })
	hi := sort.Search(len(f.Rows), func(i int) bool { return f.Rows[i].TS.After(to) })
	if lo >= hi {
		return nil
	}
	return f.Rows[lo:hi]
}

// Equal reports whether both frames hold the same rows, NaN equal to NaN.
func (f *Frame) Equal(o *Frame) bool {
	if len(f.Rows) != len(o.Rows) || len(f.Fields) != len(o.Fields) {
		return false
	}
	for i := range f.Fields {
		if f.Fields[i] != o.Fields[i] {
			return false
		}
	}
	for i := range f.Rows {
		a, b := f.Rows[i], o.Rows[i]
		if !a.TS.Equal(b.TS) || len(a.Values) != len(b.Values) {
			return false
		}
		for j := range a.Values {
			if a.Values[j] != b.Values[j] && !(math.IsNaN(a.Values[j]) && math.IsNaN(b.Values[j])) {
				return false
			}
		}
	}
	return true
}
