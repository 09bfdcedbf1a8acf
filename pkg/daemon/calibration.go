package daemon

import (
	"context"
	"fmt"
	"math"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pawsense/feeder/pkg/calibration"
	"github.com/pawsense/feeder/pkg/events"
	"github.com/pawsense/feeder/pkg/feeding"
)

// calibrationError is returned to the operator unchanged.
type calibrationError struct{ msg string }

func (e *calibrationError) Error() string { return e.msg }

var (
	ErrCalibrationInProgress = &calibrationError{"a tare or calibration is already in progress"}
	ErrFeedingInProgress     = &calibrationError{"a feeding event is in progress"}
	ErrNotCalibrated         = &calibrationError{"scale is not calibrated"}
)

const (
	reasonTare      = "tare"
	reasonCalibrate = "calibrate"
	reasonAutoTare  = "auto-tare"
	reasonStartup   = "startup-tare"

	// startupSettle lets the load cell settle after power-on before the
	// startup tare.
	startupSettle = time.Second
)

// sleepCtx is a test seam for the settle and place delays.
var sleepCtx = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// beginCalibration pauses the weight loop for exclusive use of the load cell.
func (d *Daemon) beginCalibration() error {
	if !d.adminMu.TryLock() {
		return ErrCalibrationInProgress
	}
	d.calibrating.Store(true)
	return nil
}

// endCalibration resumes the weight loop. When the conversion changed the
// loop restarts its feeding detector, so the next reading is a fresh seed.
func (d *Daemon) endCalibration(changed bool) {
	if changed {
		d.resync.Store(true)
	}
	d.calibrating.Store(false)
	d.adminMu.Unlock()
}

// Tare re-zeroes the scale with times raw reads, or the configured default
// when times is not positive. A calibrated model is persisted afterwards.
func (d *Daemon) Tare(ctx context.Context, times int, reason string) (calibration.State, error) {
	if err := d.beginCalibration(); err != nil {
		return d.model.State(), err
	}
	changed := false
	defer func() { d.endCalibration(changed) }()

	if times <= 0 {
		times = d.conf.TareTimes()
	}

	if err := d.model.Tare(ctx, d.raw, times); err != nil {
		logrus.WithError(err).WithField("reason", reason).Error("tare failed")
		return d.model.State(), err
	}
	changed = true

	st := d.model.State()
	d.publishCalibration(reason, st)

	if !st.Calibrated {
		logrus.Warn("tare applied to an uncalibrated scale, not persisting")
		return st, nil
	}
	if err := d.model.Save(); err != nil {
		return st, pkgerrors.Wrap(err, "tare applied but not persisted")
	}
	return st, nil
}

// Calibrate runs the guided calibration. The operator has placeDelay, after
// the empty tare, to put knownMassGrams on the load cell.
func (d *Daemon) Calibrate(ctx context.Context, knownMassGrams float64, times int, placeDelay time.Duration) (calibration.State, error) {
	if err := d.beginCalibration(); err != nil {
		return d.model.State(), err
	}
	changed := false
	defer func() { d.endCalibration(changed) }()

	if times <= 0 {
		times = d.conf.TareTimes()
	}

	logrus.WithFields(logrus.Fields{
		"reference":  knownMassGrams,
		"times":      times,
		"placeDelay": placeDelay,
	}).Info("calibration started, keep the load cell empty")

	ready := func(ctx context.Context) error {
		logrus.Infof("place %gg on the load cell within %s", knownMassGrams, placeDelay)
		return sleepCtx(ctx, placeDelay)
	}

	prev := d.model.State()
	err := d.model.Calibrate(ctx, d.raw, knownMassGrams, times, ready)
	st := d.model.State()
	if err != nil {
		// Rejections leave the state untouched; only a persist failure
		// gets here with a new calibration in memory.
		if st != prev {
			changed = true
			d.publishCalibration(reasonCalibrate, st)
			return st, pkgerrors.Wrap(err, "calibration applied but not persisted")
		}
		logrus.WithError(err).Error("calibration failed, previous calibration kept")
		return st, err
	}

	changed = true
	d.publishCalibration(reasonCalibrate, st)
	return st, nil
}

func (d *Daemon) publishCalibration(reason string, st calibration.State) {
	d.hub.Publish(events.CalibrationChanged, events.CalibrationChangedEvent{
		Reason:     reason,
		Offset:     st.Offset,
		Scale:      st.Scale,
		Calibrated: st.Calibrated,
	})
}

// startupTare re-zeroes after power-on when tareOnStart is set.
func (d *Daemon) startupTare(ctx context.Context) {
	if !d.conf.TareOnStart() {
		return
	}
	if err := sleepCtx(ctx, startupSettle); err != nil {
		return
	}
	if _, err := d.Tare(ctx, 0, reasonStartup); err != nil {
		logrus.WithError(err).Warn("startup tare failed")
	}
}

// autoTarePreCheck allows the scheduled tare only when the bowl is idle and
// the scale reads close to zero, so food is never tared away.
func (d *Daemon) autoTarePreCheck() error {
	if !d.model.IsCalibrated() {
		return ErrNotCalibrated
	}

	d.statusMu.RLock()
	det := d.detector
	reading, ok := d.lastReading, d.lastReadingOK
	d.statusMu.RUnlock()

	if det.State == feeding.StateActive {
		return ErrFeedingInProgress
	}
	if !ok {
		return fmt.Errorf("no weight reading yet")
	}
	if limit := d.conf.AutoTareMaxDriftGrams(); math.Abs(reading.Grams) > limit {
		return fmt.Errorf("weight %.1fg is beyond the %.1fg auto-tare drift limit", reading.Grams, limit)
	}
	return nil
}

func (d *Daemon) autoTareTask() error {
	ctx, cancel := context.WithTimeout(d.ctx, time.Minute)
	defer cancel()

	_, err := d.Tare(ctx, 0, reasonAutoTare)
	return err
}

func (d *Daemon) newTareScheduler() *Scheduler {
	s := NewScheduler(d.autoTareTask, d.autoTarePreCheck, SchedulerOptions{
		Lead:             defaultLead,
		PreCheckRetries:  defaultPreCheckRetries,
		PreCheckInterval: defaultPreCheckInterval,
	})
	s.OnUpcoming = func(runAt time.Time) {
		d.hub.Publish(events.TareSchedule, events.TareScheduleEvent{
			Phase:   "upcoming",
			RunAt:   runAt.Unix(),
			Message: fmt.Sprintf("auto tare at %s", runAt.Format(time.DateTime)),
		})
	}
	s.OnError = func(err error) {
		logrus.WithError(err).Warn("auto tare")
		d.hub.Publish(events.TareSchedule, events.TareScheduleEvent{
			Phase:   "error",
			Message: err.Error(),
		})
	}
	return s
}
