// Package clock holds the time conventions of the grid data: the 15-minute
// grid, the Europe/Paris day boundaries, and parsing of user-supplied times.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Paris is the zone used for day boundaries and display.
var Paris = mustLoad("Europe/Paris")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("clock: load %s: %v", name, err))
	}
	return loc
}

// Func returns the current time. Services take one so tests can pin "now".
type Func func() time.Time

// System is the wall clock in UTC.
func System() time.Time { return time.Now().UTC() }

// Fixed returns a Func that always reports t.
func Fixed(t time.Time) Func {
	return func() time.Time { return t }
}

// Floor truncates t to the step grid, in UTC.
func Floor(t time.Time, step time.Duration) time.Time {
	return t.UTC().Truncate(step)
}

// TomorrowMidnight returns 00:00 Europe/Paris of the day after t, in UTC.
func TomorrowMidnight(t time.Time) time.Time {
	p := t.In(Paris)
	return time.Date(p.Year(), p.Month(), p.Day()+1, 0, 0, 0, 0, Paris).UTC()
}

// ParseQueryTime accepts RFC3339, unix seconds, or "HH:MM" / "HHhMM" read as
// today in Europe/Paris. An empty string yields now.
func ParseQueryTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return now.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	hm := strings.Replace(strings.ToLower(s), "h", ":", 1)
	if strings.HasSuffix(hm, ":") {
		hm += "00"
	}
	if t, err := time.Parse("15:04", hm); err == nil {
		p := now.In(Paris)
		return time.Date(p.Year(), p.Month(), p.Day(), t.Hour(), t.Minute(), 0, 0, Paris).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q (use HH:MM, RFC3339 or unix seconds)", s)
}

// Local formats t as HH:MM in Europe/Paris.
func Local(t time.Time) string {
	return t.In(Paris).Format("15:04")
}

// LocalDay formats t as DD/MM in Europe/Paris.
func LocalDay(t time.Time) string {
	return t.In(Paris).Format("02/01")
}

// FmtDur renders a duration as 1h30m / 45m.
func FmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
