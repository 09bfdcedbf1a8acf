package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pawsense/feeder/pkg/events"
	"github.com/pawsense/feeder/pkg/feeding"
	"github.com/pawsense/feeder/pkg/proximity"
	"github.com/pawsense/feeder/pkg/records"
	"github.com/pawsense/feeder/pkg/scale"
)

const (
	tickRecordCount = 600
	// tickHealthWindow is the span /status inspects for missed weight ticks.
	tickHealthWindow = 10 * time.Second
	// uncalibratedWarnEvery throttles the uncalibrated warning of the weight loop.
	uncalibratedWarnEvery = time.Minute
	deliverQueueSize      = 16
)

// TickRecorder records the last N tick times of a periodic loop.
type TickRecorder struct {
	MaxRecordCount int

	// interval is the nominal tick period. Two records 110% of interval or
	// more apart break the continuity.
	interval time.Duration

	records []time.Time
	mu      *sync.Mutex
	now     func() time.Time
}

// NewTickRecorder returns a new TickRecorder.
func NewTickRecorder(maxRecordCount int, interval time.Duration) *TickRecorder {
	return &TickRecorder{
		MaxRecordCount: maxRecordCount,
		interval:       interval,
		records:        make([]time.Time, 0, maxRecordCount),
		mu:             &sync.Mutex{},
		now:            time.Now,
	}
}

func (r *TickRecorder) maxGap() time.Duration {
	return r.interval + r.interval/10
}

// Interval returns the nominal tick period.
func (r *TickRecorder) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

// SetInterval changes the nominal tick period and drops the records taken at
// the old one.
func (r *TickRecorder) SetInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interval = d
	r.records = r.records[:0]
}

// AddRecordNow adds a new record with the current time.
func (r *TickRecorder) AddRecordNow() {
	r.AddRecord(r.now())
}

// AddRecord adds a new record.
func (r *TickRecorder) AddRecord(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Strip monotonic clock reading.
	t = t.Round(0)

	if len(r.records) >= r.MaxRecordCount {
		r.records = r.records[1:]
	}
	r.records = append(r.records, t)
}

// ClearRecords clears all records.
func (r *TickRecorder) ClearRecords() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = r.records[:0]
}

// GetRecordsIn returns the number of continuous records in the last duration.
func (r *TickRecorder) GetRecordsIn(last time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	gap := r.maxGap()

	// The newest record must be recent, or the loop is not ticking at all.
	if n := len(r.records); n == 0 || now.Sub(r.records[n-1]) >= gap {
		return 0
	}

	count := 0
	for i := len(r.records) - 1; i >= 0; i-- {
		record := r.records[i]
		if now.Sub(record) > last {
			break
		}

		after := record
		if i+1 < len(r.records) {
			after = r.records[i+1]
		}
		if after.Sub(record) >= gap {
			break
		}
		count++
	}

	return count
}

// GetLastRecords returns the records within the last duration, newest first.
func (r *TickRecorder) GetLastRecords(last time.Duration) []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []time.Time
	for i := len(r.records) - 1; i >= 0; i-- {
		if now.Sub(r.records[i]) > last {
			break
		}
		out = append(out, r.records[i])
	}
	return out
}

// GetLastRecord returns the last record.
func (r *TickRecorder) GetLastRecord() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.records) == 0 {
		return time.Time{}
	}
	return r.records[len(r.records)-1]
}

func formatRelativeTimes(now time.Time, times []time.Time) []string {
	var out []string
	for _, t := range times {
		out = append(out, now.Sub(t).Round(time.Millisecond).String())
	}
	return out
}

// checkMissedTicks reports whether fewer weight ticks than expected happened
// in the health window.
func (d *Daemon) checkMissedTicks() (count, expected int, missed bool) {
	interval := d.ticks.Interval()
	if interval <= 0 {
		return 0, 0, false
	}
	count = d.ticks.GetRecordsIn(tickHealthWindow)
	expected = int(tickHealthWindow / interval)
	if count < expected-1 {
		logrus.WithFields(logrus.Fields{
			"count":         count,
			"expected":      expected,
			"recentRecords": formatRelativeTimes(d.ticks.now(), d.ticks.GetLastRecords(tickHealthWindow)),
		}).Debug("possibly missed weight ticks")
		return count, expected, true
	}
	return count, expected, false
}

// weightLoop owns the feeding detector. Administrative calibration pauses it
// and asks for a fresh detector afterwards, since the gram scale changed.
func (d *Daemon) weightLoop(ctx context.Context) {
	logrus.Debug("weight loop starts")
	defer logrus.Debug("weight loop stopped")

	ticker := time.NewTicker(d.conf.WeightInterval())
	defer ticker.Stop()

	det := d.newDetector()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if d.weightRetime.CompareAndSwap(true, false) {
			ticker.Reset(d.conf.WeightInterval())
		}
		if d.calibrating.Load() {
			continue
		}
		if d.resync.CompareAndSwap(true, false) {
			logrus.Debug("calibration changed, restarting feeding detector")
			det = d.newDetector()
		}
		d.weightTick(ctx, det)
	}
}

func (d *Daemon) newDetector() *feeding.Detector {
	return feeding.NewDetector(feeding.Options{
		ChangeThreshold: d.conf.ChangeThresholdGrams(),
		Quiescence:      d.conf.Quiescence(),
	})
}

func (d *Daemon) weightTick(ctx context.Context, det *feeding.Detector) {
	d.ticks.AddRecordNow()

	r, err := d.scale.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		det.Skip(err)
		d.setWeightStatus(det.Snapshot(), nil, err)
		return
	}

	if !r.Calibrated {
		if now := d.now(); now.Sub(d.lastUncalibratedWarn) >= uncalibratedWarnEvery {
			d.lastUncalibratedWarn = now
			logrus.Warn(scale.UncalibratedWarning + "; feeding detection is paused")
		}
		d.setWeightStatus(det.Snapshot(), &r, nil)
		return
	}

	ev, ok := det.Observe(feeding.MassReading{Grams: r.Grams, Timestamp: r.Timestamp})
	snap := det.Snapshot()
	d.setWeightStatus(snap, &r, nil)
	d.printWeightStatus(snap)

	if ok {
		d.emitIntake(ev)
	}
}

// printWeightStatus logs the detector state only when it changed.
func (d *Daemon) printWeightStatus(s feeding.Snapshot) {
	if s.State == d.lastPrintedState {
		logrus.WithField("grams", s.LastWeight).Trace("weight tick")
		return
	}
	d.lastPrintedState = s.State
	logrus.WithFields(logrus.Fields{
		"state":    s.State,
		"grams":    s.LastWeight,
		"baseline": s.BaselineWeight,
	}).Debug("feeding detector state changed")
}

func (d *Daemon) setWeightStatus(s feeding.Snapshot, r *scale.Reading, err error) {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()

	d.detector = s
	if r != nil {
		d.lastReading = *r
		d.lastReadingOK = true
	}
	if err != nil {
		d.lastWeightErr = err.Error()
	} else {
		d.lastWeightErr = ""
	}
}

// emitIntake hands the record to the delivery goroutine so slow sinks never
// stall the weight loop.
func (d *Daemon) emitIntake(ev feeding.Event) {
	rec := records.NewIntake(d.conf.SerialNumber(), ev)

	logrus.WithFields(logrus.Fields{
		"start":    rec.Datetime,
		"minutes":  rec.Data.Duration,
		"amount":   rec.Data.Amount,
		"duration": ev.Duration,
	}).Info("feeding intake detected")

	d.statusMu.Lock()
	d.lastIntake = &rec
	d.statusMu.Unlock()

	select {
	case d.intakes <- pendingIntake{rec: rec, ev: ev}:
	default:
		logrus.WithField("start", rec.Datetime).Error("intake delivery queue is full, dropping record")
		d.publishIntake(ev, false)
	}
}

type pendingIntake struct {
	rec records.Intake
	ev  feeding.Event
}

// deliverLoop publishes intakes until the queue is closed. Records still
// queued at shutdown are delivered before it returns.
func (d *Daemon) deliverLoop() {
	for p := range d.intakes {
		d.deliver(p)
	}
}

func (d *Daemon) deliver(p pendingIntake) {
	ctx, cancel := context.WithTimeout(context.Background(), d.deliverTimeout)
	defer cancel()

	err := d.sink.Publish(ctx, p.rec)
	if err != nil {
		logrus.WithError(err).WithField("start", p.rec.Datetime).Error("failed to publish intake")
	}
	d.publishIntake(p.ev, err == nil)
}

func (d *Daemon) publishIntake(ev feeding.Event, published bool) {
	d.hub.Publish(events.FeedingIntake, events.FeedingIntakeEvent{
		Start:           ev.Start.Format(time.RFC3339),
		End:             ev.End.Format(time.RFC3339),
		DurationMinutes: ev.DurationMinutes,
		AmountGrams:     ev.AmountGrams,
		Published:       published,
	})
}

// rangingLoop feeds the proximity score to the capture scheduler.
func (d *Daemon) rangingLoop(ctx context.Context) {
	logrus.Debug("ranging loop starts")
	defer logrus.Debug("ranging loop stopped")

	ticker := time.NewTicker(d.conf.ProximityInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if d.rangingRetime.CompareAndSwap(true, false) {
			ticker.Reset(d.conf.ProximityInterval())
		}
		d.rangingTick(ctx)
	}
}

func (d *Daemon) rangingTick(ctx context.Context) {
	dist, err := d.ranger.Distance(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logrus.WithError(err).Trace("ranging tick skipped")
		}
		return
	}

	score := proximity.Score(dist, d.conf.NearThresholdMeters(), d.conf.FarThresholdMeters())

	d.statusMu.Lock()
	d.lastDistance = dist
	d.lastScore = score
	d.statusMu.Unlock()

	if d.capture.Observe(ctx, score) {
		logrus.WithFields(logrus.Fields{
			"distance": dist,
			"score":    score,
		}).Info("subject in range, capture session started")
		if s, ok := d.capture.Current(); ok {
			d.hub.Publish(events.CaptureSession, events.CaptureSessionEvent{
				ID:          s.ID,
				Phase:       "started",
				TotalFrames: s.TotalFrames,
			})
		}
	}
}

// onSessionEnd is the capture scheduler's end callback.
func (d *Daemon) onSessionEnd(s proximity.Session) {
	d.hub.Publish(events.CaptureSession, events.CaptureSessionEvent{
		ID:           s.ID,
		Phase:        "ended",
		FramesTaken:  s.FramesTaken,
		FramesFailed: s.FramesFailed,
		TotalFrames:  s.TotalFrames,
		EndReason:    string(s.EndReason),
	})
}
