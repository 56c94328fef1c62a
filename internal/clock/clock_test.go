package clock

import (
	"testing"
	"time"
)

func TestFloor(t *testing.T) {
	in := time.Date(2025, 3, 10, 10, 7, 42, 0, time.UTC)
	got := Floor(in, 15*time.Minute)
	want := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Floor = %v, want %v", got, want)
	}
}

func TestTomorrowMidnight(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		// winter: Paris = UTC+1
		{"winter", time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC), time.Date(2025, 1, 15, 23, 0, 0, 0, time.UTC)},
		// summer: Paris = UTC+2
		{"summer", time.Date(2025, 7, 15, 12, 0, 0, 0, time.UTC), time.Date(2025, 7, 15, 22, 0, 0, 0, time.UTC)},
		// 23:30 UTC is already the next day in Paris
		{"late utc", time.Date(2025, 1, 15, 23, 30, 0, 0, time.UTC), time.Date(2025, 1, 16, 23, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TomorrowMidnight(tt.in); !got.Equal(tt.want) {
				t.Errorf("TomorrowMidnight(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseQueryTime(t *testing.T) {
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	got, err := ParseQueryTime("", now)
	if err != nil || !got.Equal(now) {
		t.Errorf("empty: got %v, %v", got, err)
	}

	got, err = ParseQueryTime("2025-01-15T10:00:00Z", now)
	if err != nil || !got.Equal(time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("rfc3339: got %v, %v", got, err)
	}

	got, err = ParseQueryTime("1736935200", now)
	if err != nil || got.Unix() != 1736935200 {
		t.Errorf("unix: got %v, %v", got, err)
	}

	// 15:30 Paris in January is 14:30 UTC
	got, err = ParseQueryTime("15:30", now)
	if err != nil || !got.Equal(time.Date(2025, 1, 15, 14, 30, 0, 0, time.UTC)) {
		t.Errorf("HH:MM: got %v, %v", got, err)
	}

	got, err = ParseQueryTime("9h", now)
	if err != nil || !got.Equal(time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("9h: got %v, %v", got, err)
	}

	if _, err := ParseQueryTime("tomorrow-ish", now); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestFmtDur(t *testing.T) {
	if got := FmtDur(90 * time.Minute); got != "1h30m" {
		t.Errorf("got %s", got)
	}
	if got := FmtDur(45 * time.Minute); got != "45m" {
		t.Errorf("got %s", got)
	}
}
