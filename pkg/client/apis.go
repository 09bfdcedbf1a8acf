package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/pawsense/feeder/pkg/calibration"
	"github.com/pawsense/feeder/pkg/config"
	"github.com/pawsense/feeder/pkg/feeding"
	"github.com/pawsense/feeder/pkg/proximity"
	"github.com/pawsense/feeder/pkg/records"
	"github.com/pawsense/feeder/pkg/scale"
)

// calibrationSlack is added to the place delay when waiting for /calibrate.
const calibrationSlack = time.Minute

type TickStatus struct {
	Recent         int       `json:"recent"`
	Expected       int       `json:"expected"`
	PossiblyMissed bool      `json:"possiblyMissed"`
	LastTick       time.Time `json:"lastTick,omitempty"`
}

type RangingStatus struct {
	Source   string  `json:"source"`
	Distance float64 `json:"distance"`
	Score    float64 `json:"score"`
}

type CaptureStatus struct {
	Current *proximity.Session `json:"current,omitempty"`
	Last    *proximity.Session `json:"last,omitempty"`
}

type ScheduleStatus struct {
	Expr    string     `json:"expr"`
	Enabled bool       `json:"enabled"`
	Running bool       `json:"running"`
	NextRun *time.Time `json:"nextRun,omitempty"`
}

// Status is the daemon overview returned by GET /status.
type Status struct {
	SerialNumber string            `json:"serialNumber"`
	Calibration  calibration.State `json:"calibration"`
	Calibrating  bool              `json:"calibrating"`
	Weight       *scale.Reading    `json:"weight,omitempty"`
	WeightError  string            `json:"weightError,omitempty"`
	Feeding      feeding.Snapshot  `json:"feeding"`
	LastIntake   *records.Intake   `json:"lastIntake,omitempty"`
	Ranging      RangingStatus     `json:"ranging"`
	Capture      CaptureStatus     `json:"capture"`
	Ticks        TickStatus        `json:"ticks"`
	AutoTare     ScheduleStatus    `json:"autoTare"`
}

type WeightResponse struct {
	Value   float64       `json:"value"`
	Unit    scale.Unit    `json:"unit"`
	Reading scale.Reading `json:"reading"`
}

type TareRequest struct {
	Times int `json:"times,omitempty"`
}

type CalibrateRequest struct {
	KnownMassGrams float64 `json:"knownMassGrams"`
	Times          int     `json:"times,omitempty"`
	// PlaceDelay is a Go duration string, e.g. "10s".
	PlaceDelay string `json:"placeDelay,omitempty"`
}

type ScheduleRequest struct {
	Cron string `json:"cron"`
}

type PostponeRequest struct {
	Duration string `json:"duration"`
}

func decode[T any](ret string, what string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal %s", what)
	}
	return &v, nil
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *Client) GetStatus() (*Status, error) {
	ret, err := c.Get("/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get status")
	}
	return decode[Status](ret, "status")
}

func (c *Client) GetWeight(unit scale.Unit) (*WeightResponse, error) {
	path := "/weight"
	if unit != "" {
		path += "?unit=" + url.QueryEscape(string(unit))
	}
	ret, err := c.Get(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get weight")
	}
	return decode[WeightResponse](ret, "weight")
}

func (c *Client) GetCalibration() (*calibration.State, error) {
	ret, err := c.Get("/calibration")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get calibration")
	}
	return decode[calibration.State](ret, "calibration")
}

func (c *Client) Tare(times int) (*calibration.State, error) {
	body, err := encode(TareRequest{Times: times})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout+calibrationSlack)
	defer cancel()

	ret, err := c.SendContext(ctx, http.MethodPost, "/tare", body)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to tare")
	}
	return decode[calibration.State](ret, "calibration")
}

// Calibrate blocks until the daemon finished the guided calibration, which
// includes placeDelay for the operator.
func (c *Client) Calibrate(knownMassGrams float64, times int, placeDelay time.Duration) (*calibration.State, error) {
	body, err := encode(CalibrateRequest{
		KnownMassGrams: knownMassGrams,
		Times:          times,
		PlaceDelay:     placeDelay.String(),
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), placeDelay+calibrationSlack)
	defer cancel()

	ret, err := c.SendContext(ctx, http.MethodPost, "/calibrate", body)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to calibrate")
	}
	return decode[calibration.State](ret, "calibration")
}

func (c *Client) GetSchedule() (*ScheduleStatus, error) {
	ret, err := c.Get("/schedule")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get auto-tare schedule")
	}
	return decode[ScheduleStatus](ret, "schedule")
}

// SetSchedule replaces the auto-tare cron expression. Empty disables it.
func (c *Client) SetSchedule(cron string) (*ScheduleStatus, error) {
	body, err := encode(ScheduleRequest{Cron: cron})
	if err != nil {
		return nil, err
	}
	ret, err := c.Put("/schedule", body)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set auto-tare schedule")
	}
	return decode[ScheduleStatus](ret, "schedule")
}

func (c *Client) SkipSchedule() (*ScheduleStatus, error) {
	ret, err := c.Post("/schedule/skip", "")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to skip auto tare")
	}
	return decode[ScheduleStatus](ret, "schedule")
}

func (c *Client) PostponeSchedule(d time.Duration) (*ScheduleStatus, error) {
	body, err := encode(PostponeRequest{Duration: d.String()})
	if err != nil {
		return nil, err
	}
	ret, err := c.Post("/schedule/postpone", body)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to postpone auto tare")
	}
	return decode[ScheduleStatus](ret, "schedule")
}

func (c *Client) GetCapture() (*CaptureStatus, error) {
	ret, err := c.Get("/capture")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get capture status")
	}
	return decode[CaptureStatus](ret, "capture status")
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}
	return decode[config.RawFileConfig](ret, "config")
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	var v string
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to unmarshal version")
	}
	return v, nil
}
