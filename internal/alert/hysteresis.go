// Package alert turns scores into per-chat notifications. Each chat holds a
// HIGH and a LOW latch so that one excursion past a threshold produces one
// start message and one end message, no matter how many cycles it lasts.
package alert

import "oventime/internal/model"

// Event is the transition a score caused for one chat.
type Event string

const (
	EventNone      Event = ""
	EventHighStart Event = "high_start"
	EventHighEnd   Event = "high_end"
	EventLowStart  Event = "low_start"
	EventLowEnd    Event = "low_end"
)

// Thresholds bound the two alert bands. HIGH is active while score > High,
// LOW while score < Low.
type Thresholds struct {
	High float64 `yaml:"high" default:"100"`
	Low  float64 `yaml:"low" default:"10"`
}

// DefaultThresholds matches the bot's historical settings.
var DefaultThresholds = Thresholds{High: 100, Low: 10}

// Evaluate applies score to st and returns the updated state and the event
// to announce. Transitions are checked end-before-start, HIGH before LOW; when
// several fire in one step the last one is announced. A NaN score changes
// nothing.
func Evaluate(st model.ChatState, score float64, th Thresholds) (model.ChatState, Event) {
	ev := EventNone
	if score <= th.High && st.HighActive {
		st.HighActive = false
		ev = EventHighEnd
	}
	if score >= th.Low && st.LowActive {
		st.LowActive = false
		ev = EventLowEnd
	}
	if score > th.High && !st.HighActive {
		st.HighActive = true
		ev = EventHighStart
	}
	if score < th.Low && !st.LowActive {
		st.LowActive = true
		ev = EventLowStart
	}
	return st, ev
}
