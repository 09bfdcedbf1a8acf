package feeding

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// feed sends weights at a fixed period starting at t0 and returns the events
// together with the index of the sample that emitted each.
func feed(d *Detector, period time.Duration, weights []float64) ([]Event, []int) {
	var events []Event
	var at []int
	for i, w := range weights {
		ev, ok := d.Observe(MassReading{Grams: w, Timestamp: t0.Add(time.Duration(i) * period)})
		if ok {
			events = append(events, ev)
			at = append(at, i)
		}
	}
	return events, at
}

func repeat(w float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = w
	}
	return out
}

func TestSingleStepEvent(t *testing.T) {
	d := NewDetector(Options{})

	// 0,0 then 30 from t=0.2s onwards.
	weights := append([]float64{0, 0}, repeat(30, 40)...)
	events, at := feed(d, 100*time.Millisecond, weights)

	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
	ev := events[0]
	if ev.AmountGrams != 30 {
		t.Errorf("amount = %d, want 30", ev.AmountGrams)
	}
	if got := ev.Start.Sub(t0); got != 200*time.Millisecond {
		t.Errorf("start offset = %s, want 200ms", got)
	}
	// Quiescence measured from the last change at 0.2s: first sample at or
	// after 3.2s is index 32.
	if at[0] != 32 {
		t.Errorf("event emitted at sample %d, want 32", at[0])
	}
	if ev.Duration != 3*time.Second {
		t.Errorf("duration = %s, want 3s", ev.Duration)
	}
	if ev.DurationMinutes != 0 {
		t.Errorf("duration minutes = %d, want 0", ev.DurationMinutes)
	}
	if d.Active() {
		t.Errorf("detector should be idle after emitting")
	}
}

func TestNoEventBeforeQuiescence(t *testing.T) {
	d := NewDetector(Options{})

	weights := append([]float64{0, 0}, repeat(30, 30)...) // last sample at 3.1s
	events, _ := feed(d, 100*time.Millisecond, weights)
	if len(events) != 0 {
		t.Fatalf("expected no event yet, got %d", len(events))
	}
	if !d.Active() {
		t.Fatalf("detector should still be active")
	}
}

func TestChangesWithinWindowMerge(t *testing.T) {
	d := NewDetector(Options{})
	period := 100 * time.Millisecond

	// +10 g at t=0.1s, +15 g more at t=1.1s, then stable.
	weights := []float64{100}
	weights = append(weights, repeat(110, 10)...)
	weights = append(weights, repeat(125, 50)...)
	events, _ := feed(d, period, weights)

	if len(events) != 1 {
		t.Fatalf("expected one merged event, got %d", len(events))
	}
	if events[0].AmountGrams != 25 {
		t.Errorf("amount = %d, want 25 (net change)", events[0].AmountGrams)
	}
	if got := events[0].Start.Sub(t0); got != period {
		t.Errorf("start offset = %s, want %s", got, period)
	}
}

func TestNetChangeNotCumulative(t *testing.T) {
	d := NewDetector(Options{})

	// Down 20, back up 20: movement 40 g, net 0 g.
	weights := []float64{200, 180, 180, 200}
	weights = append(weights, repeat(200, 40)...)
	events, _ := feed(d, 100*time.Millisecond, weights)

	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].AmountGrams != 0 {
		t.Errorf("amount = %d, want 0", events[0].AmountGrams)
	}
}

func TestSmallFluctuationsIgnored(t *testing.T) {
	d := NewDetector(Options{})

	weights := []float64{50, 52, 48, 53, 49, 54, 50}
	events, _ := feed(d, 100*time.Millisecond, weights)
	if len(events) != 0 || d.Active() {
		t.Fatalf("changes within threshold must not open an event")
	}
}

func TestChangeWinsOverQuiescence(t *testing.T) {
	d := NewDetector(Options{})

	d.Observe(MassReading{Grams: 0, Timestamp: t0})
	d.Observe(MassReading{Grams: 10, Timestamp: t0.Add(time.Second)})
	// Quiescence has elapsed, but this sample is itself a change.
	if _, ok := d.Observe(MassReading{Grams: 30, Timestamp: t0.Add(5 * time.Second)}); ok {
		t.Fatalf("a fresh change must keep the event open")
	}
	ev, ok := d.Observe(MassReading{Grams: 30, Timestamp: t0.Add(8 * time.Second)})
	if !ok {
		t.Fatalf("expected event after quiescence")
	}
	if ev.AmountGrams != 30 {
		t.Errorf("amount = %d, want 30", ev.AmountGrams)
	}
}

func TestPeriodAgnostic(t *testing.T) {
	d := NewDetector(Options{})

	d.Observe(MassReading{Grams: 0, Timestamp: t0})
	d.Observe(MassReading{Grams: 40, Timestamp: t0.Add(time.Second)})
	if _, ok := d.Observe(MassReading{Grams: 40, Timestamp: t0.Add(3999 * time.Millisecond)}); ok {
		t.Fatalf("event closed before quiescence")
	}
	if _, ok := d.Observe(MassReading{Grams: 40, Timestamp: t0.Add(4 * time.Second)}); !ok {
		t.Fatalf("expected event at exactly 3s of quiescence")
	}
}

func TestDurationRoundsToNearestMinute(t *testing.T) {
	tests := []struct {
		name   string
		active time.Duration
		want   int
	}{
		{name: "under 30s", active: 26 * time.Second, want: 0},
		{name: "just over 1.5m", active: 89 * time.Second, want: 2},
		{name: "just under 2.5m", active: 146 * time.Second, want: 2},
		{name: "4m", active: 237 * time.Second, want: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(Options{})
			d.Observe(MassReading{Grams: 0, Timestamp: t0})
			// Activity starts at 1s and keeps changing every second until
			// `active`, then settles for the quiescence window.
			w := 0.0
			var last time.Duration
			for off := time.Second; off <= tt.active; off += time.Second {
				w += 6
				d.Observe(MassReading{Grams: w, Timestamp: t0.Add(off)})
				last = off
			}
			ev, ok := d.Observe(MassReading{Grams: w, Timestamp: t0.Add(last + 3*time.Second)})
			if !ok {
				t.Fatalf("expected event")
			}
			if ev.DurationMinutes != tt.want {
				t.Errorf("duration %s -> %d minutes, want %d", ev.Duration, ev.DurationMinutes, tt.want)
			}
		})
	}
}

func TestSkipDoesNotTouchTimers(t *testing.T) {
	d := NewDetector(Options{})

	d.Observe(MassReading{Grams: 0, Timestamp: t0})
	d.Observe(MassReading{Grams: 20, Timestamp: t0.Add(time.Second)})
	before := d.Snapshot()

	d.Skip(errors.New("no valid samples"))
	d.Skip(errors.New("no valid samples"))

	after := d.Snapshot()
	if after.LastChangeAt != before.LastChangeAt || after.StartedAt != before.StartedAt || after.State != StateActive {
		t.Fatalf("skip changed detector timers: before=%+v after=%+v", before, after)
	}
	if after.SkippedTicks != 2 {
		t.Errorf("skipped = %d, want 2", after.SkippedTicks)
	}

	if _, ok := d.Observe(MassReading{Grams: 20, Timestamp: t0.Add(4 * time.Second)}); !ok {
		t.Fatalf("quiescence should still be measured from the last change")
	}
}
