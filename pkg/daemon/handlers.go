package daemon

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pawsense/feeder/pkg/calibration"
	"github.com/pawsense/feeder/pkg/client"
	"github.com/pawsense/feeder/pkg/config"
	"github.com/pawsense/feeder/pkg/sampling"
	"github.com/pawsense/feeder/pkg/scale"
	"github.com/pawsense/feeder/pkg/version"
)

const (
	defaultPlaceDelay = 10 * time.Second
	maxPlaceDelay     = 5 * time.Minute
	sseKeepAlive      = 15 * time.Second
)

func abortWith(c *gin.Context, code int, err error) {
	c.IndentedJSON(code, err.Error())
	_ = c.AbortWithError(code, err)
}

// errorCode maps operation errors to HTTP status codes.
func errorCode(err error) int {
	var ce *calibration.Error
	switch {
	case errors.Is(err, ErrCalibrationInProgress), errors.Is(err, ErrFeedingInProgress):
		return http.StatusConflict
	case errors.Is(err, calibration.ErrInvalidReference):
		return http.StatusBadRequest
	case errors.As(err, &ce):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sampling.ErrNoValidSamples):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (d *Daemon) getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(d.conf)
	if err != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func (d *Daemon) scheduleStatus() client.ScheduleStatus {
	next, running := d.tare.Status()
	st := client.ScheduleStatus{
		Expr:    d.tare.Expr(),
		Running: running,
	}
	st.Enabled = st.Expr != ""
	if !next.IsZero() {
		st.NextRun = &next
	}
	return st
}

func (d *Daemon) captureStatus() client.CaptureStatus {
	var st client.CaptureStatus
	if s, ok := d.capture.Current(); ok {
		st.Current = &s
	}
	if s, ok := d.capture.Last(); ok {
		st.Last = &s
	}
	return st
}

func (d *Daemon) getStatus(c *gin.Context) {
	count, expected, missed := d.checkMissedTicks()

	st := client.Status{
		SerialNumber: d.conf.SerialNumber(),
		Calibration:  d.model.State(),
		Calibrating:  d.calibrating.Load(),
		Capture:      d.captureStatus(),
		AutoTare:     d.scheduleStatus(),
		Ticks: client.TickStatus{
			Recent:         count,
			Expected:       expected,
			PossiblyMissed: missed,
			LastTick:       d.ticks.GetLastRecord(),
		},
	}

	d.statusMu.RLock()
	st.Feeding = d.detector
	if d.lastReadingOK {
		r := d.lastReading
		st.Weight = &r
	}
	st.WeightError = d.lastWeightErr
	if d.lastIntake != nil {
		rec := *d.lastIntake
		st.LastIntake = &rec
	}
	st.Ranging = client.RangingStatus{
		Source:   d.conf.RangingSource(),
		Distance: d.lastDistance,
		Score:    d.lastScore,
	}
	d.statusMu.RUnlock()

	c.IndentedJSON(http.StatusOK, st)
}

func (d *Daemon) getWeight(c *gin.Context) {
	unit := scale.Unit(c.DefaultQuery("unit", string(scale.Grams)))
	if _, err := scale.Convert(0, unit); err != nil {
		abortWith(c, http.StatusBadRequest, err)
		return
	}
	if d.calibrating.Load() {
		abortWith(c, http.StatusConflict, ErrCalibrationInProgress)
		return
	}

	v, r, err := d.scale.Weight(c.Request.Context(), unit)
	if err != nil {
		abortWith(c, errorCode(err), err)
		return
	}

	c.IndentedJSON(http.StatusOK, client.WeightResponse{Value: v, Unit: unit, Reading: r})
}

func (d *Daemon) getCalibration(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, d.model.State())
}

func (d *Daemon) postTare(c *gin.Context) {
	var req client.TareRequest
	// An empty body means defaults.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		abortWith(c, http.StatusBadRequest, err)
		return
	}
	if req.Times < 0 {
		abortWith(c, http.StatusBadRequest, fmt.Errorf("times must not be negative, got %d", req.Times))
		return
	}

	st, err := d.Tare(c.Request.Context(), req.Times, reasonTare)
	if err != nil {
		abortWith(c, errorCode(err), err)
		return
	}

	logrus.WithField("offset", st.Offset).Info("tare requested over api")
	c.IndentedJSON(http.StatusOK, st)
}

func (d *Daemon) postCalibrate(c *gin.Context) {
	var req client.CalibrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, http.StatusBadRequest, err)
		return
	}
	if req.Times < 0 {
		abortWith(c, http.StatusBadRequest, fmt.Errorf("times must not be negative, got %d", req.Times))
		return
	}

	placeDelay := defaultPlaceDelay
	if req.PlaceDelay != "" {
		var err error
		placeDelay, err = time.ParseDuration(req.PlaceDelay)
		if err != nil {
			abortWith(c, http.StatusBadRequest, fmt.Errorf("invalid placeDelay: %w", err))
			return
		}
	}
	if placeDelay < 0 || placeDelay > maxPlaceDelay {
		abortWith(c, http.StatusBadRequest, fmt.Errorf("placeDelay must be between 0 and %s, got %s", maxPlaceDelay, placeDelay))
		return
	}

	st, err := d.Calibrate(c.Request.Context(), req.KnownMassGrams, req.Times, placeDelay)
	if err != nil {
		abortWith(c, errorCode(err), err)
		return
	}

	c.IndentedJSON(http.StatusOK, st)
}

func (d *Daemon) getSchedule(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, d.scheduleStatus())
}

func (d *Daemon) setSchedule(c *gin.Context) {
	var req client.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, http.StatusBadRequest, err)
		return
	}

	if err := d.tare.Schedule(req.Cron); err != nil {
		abortWith(c, http.StatusBadRequest, err)
		return
	}

	d.conf.SetAutoTareCron(req.Cron)
	if err := d.conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		abortWith(c, http.StatusInternalServerError, err)
		return
	}

	if req.Cron == "" {
		logrus.Info("auto tare disabled")
	} else {
		logrus.Infof("auto tare scheduled at %q", req.Cron)
	}
	c.IndentedJSON(http.StatusCreated, d.scheduleStatus())
}

func (d *Daemon) skipSchedule(c *gin.Context) {
	if err := d.tare.Skip(); err != nil {
		abortWith(c, http.StatusBadRequest, err)
		return
	}
	c.IndentedJSON(http.StatusOK, d.scheduleStatus())
}

func (d *Daemon) postponeSchedule(c *gin.Context) {
	var req client.PostponeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, http.StatusBadRequest, err)
		return
	}
	dur, err := time.ParseDuration(req.Duration)
	if err != nil {
		abortWith(c, http.StatusBadRequest, fmt.Errorf("invalid duration: %w", err))
		return
	}
	if err := d.tare.Postpone(dur); err != nil {
		abortWith(c, http.StatusBadRequest, err)
		return
	}
	c.IndentedJSON(http.StatusOK, d.scheduleStatus())
}

func (d *Daemon) getCapture(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, d.captureStatus())
}

// streamEvents serves the event hub as server-sent events.
func (d *Daemon) streamEvents(c *gin.Context) {
	ch := d.hub.Subscribe()
	defer d.hub.Unsubscribe(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	_, _ = c.Writer.WriteString(": connected\n\n")
	c.Writer.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-keepAlive.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			return true
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, string(ev.Data))
			return true
		}
	})
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}
