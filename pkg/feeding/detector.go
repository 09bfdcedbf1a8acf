package feeding

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultChangeThreshold = 5.0 // grams
	DefaultQuiescence      = 3 * time.Second
)

// State is the detector phase.
type State string

const (
	StateIdle   State = "Idle"
	StateActive State = "Active"
)

// MassReading is one calibrated weight sample.
type MassReading struct {
	Grams     float64
	Timestamp time.Time
}

// Event is a completed intake.
type Event struct {
	Start           time.Time     `json:"start"`
	End             time.Time     `json:"end"`
	Duration        time.Duration `json:"duration"`
	DurationMinutes int           `json:"durationMinutes"`
	AmountGrams     int           `json:"amountGrams"`
}

type Options struct {
	// ChangeThreshold is the minimum sample-to-sample change, in grams, that
	// counts as activity.
	ChangeThreshold float64
	// Quiescence is how long the weight must stay unchanged to close an event.
	Quiescence time.Duration
}

// Snapshot is a read-only view of the detector for status reporting.
type Snapshot struct {
	State          State     `json:"state"`
	LastWeight     float64   `json:"lastWeight"`
	BaselineWeight float64   `json:"baselineWeight,omitempty"`
	StartedAt      time.Time `json:"startedAt,omitempty"`
	LastChangeAt   time.Time `json:"lastChangeAt,omitempty"`
	SkippedTicks   int       `json:"skippedTicks"`
}

// Detector turns a periodic weight series into intake events. It is not safe
// for concurrent use; the weight loop owns it.
type Detector struct {
	opts Options

	state      State
	seeded     bool
	lastWeight float64
	baseline   float64
	start      time.Time
	lastChange time.Time
	skipped    int
}

func NewDetector(opts Options) *Detector {
	if opts.ChangeThreshold <= 0 {
		opts.ChangeThreshold = DefaultChangeThreshold
	}
	if opts.Quiescence <= 0 {
		opts.Quiescence = DefaultQuiescence
	}
	return &Detector{opts: opts, state: StateIdle}
}

// Observe feeds one reading. It returns the finished event, if this reading
// closed one.
func (d *Detector) Observe(r MassReading) (Event, bool) {
	now := r.Timestamp

	if !d.seeded {
		d.seeded = true
		d.lastWeight = r.Grams
		return Event{}, false
	}

	changed := math.Abs(r.Grams-d.lastWeight) > d.opts.ChangeThreshold
	prev := d.lastWeight
	d.lastWeight = r.Grams

	switch d.state {
	case StateIdle:
		if changed {
			d.state = StateActive
			d.start = now
			d.lastChange = now
			d.baseline = prev
			logrus.WithFields(logrus.Fields{
				"baseline": prev,
				"weight":   r.Grams,
			}).Debug("feeding activity started")
		}
	case StateActive:
		if changed {
			d.lastChange = now
			return Event{}, false
		}
		if now.Sub(d.lastChange) >= d.opts.Quiescence {
			ev := d.finish(now)
			logrus.WithFields(logrus.Fields{
				"start":    ev.Start.Format(time.RFC3339),
				"duration": ev.Duration.String(),
				"amount":   ev.AmountGrams,
			}).Info("feeding event detected")
			return ev, true
		}
	}

	return Event{}, false
}

func (d *Detector) finish(now time.Time) Event {
	duration := now.Sub(d.start)
	ev := Event{
		Start:           d.start,
		End:             now,
		Duration:        duration,
		DurationMinutes: int(math.Round(duration.Minutes())),
		AmountGrams:     int(math.Round(math.Abs(d.lastWeight - d.baseline))),
	}

	d.state = StateIdle
	d.start = time.Time{}
	d.lastChange = time.Time{}
	d.baseline = 0
	return ev
}

// Skip records a tick without a reading. State and timers are untouched.
func (d *Detector) Skip(err error) {
	d.skipped++
	logrus.WithError(err).WithFields(logrus.Fields{
		"state":   d.state,
		"skipped": d.skipped,
	}).Warn("weight tick skipped")
}

// Active reports whether an event is open.
func (d *Detector) Active() bool {
	return d.state == StateActive
}

func (d *Detector) Snapshot() Snapshot {
	s := Snapshot{
		State:        d.state,
		LastWeight:   d.lastWeight,
		SkippedTicks: d.skipped,
	}
	if d.state == StateActive {
		s.BaselineWeight = d.baseline
		s.StartedAt = d.start
		s.LastChangeAt = d.lastChange
	}
	return s
}
