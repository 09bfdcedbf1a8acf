package scale

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/pawsense/feeder/pkg/calibration"
	"github.com/pawsense/feeder/pkg/sampling"
)

// Unit is a mass unit accepted by Weight.
type Unit string

const (
	Grams     Unit = "g"
	Kilograms Unit = "kg"
)

// UncalibratedWarning is attached to readings taken before calibration.
const UncalibratedWarning = "scale is not calibrated, run calibration first"

// Reading is one filtered, calibrated weight measurement.
type Reading struct {
	Grams      float64   `json:"grams"`
	Raw        float64   `json:"raw"`
	Calibrated bool      `json:"calibrated"`
	Warning    string    `json:"warning,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Scale chains the sampled reader and the calibration model.
type Scale struct {
	link        sampling.RawReader
	model       *calibration.Model
	sampleCount atomic.Int64

	now func() time.Time
}

func New(link sampling.RawReader, model *calibration.Model, sampleCount int) *Scale {
	s := &Scale{
		link:  link,
		model: model,
		now:   time.Now,
	}
	s.SetSampleCount(sampleCount)
	return s
}

// SetSampleCount changes how many raw reads make one reading. Values below
// one read once.
func (s *Scale) SetSampleCount(n int) {
	if n < 1 {
		n = 1
	}
	s.sampleCount.Store(int64(n))
}

func (s *Scale) SampleCount() int {
	return int(s.sampleCount.Load())
}

// Read takes one filtered reading.
func (s *Scale) Read(ctx context.Context) (Reading, error) {
	raw, err := sampling.Sample(ctx, s.link, s.SampleCount())
	if err != nil {
		return Reading{}, err
	}

	grams, calibrated := s.model.ToGrams(raw)
	r := Reading{
		Grams:      grams,
		Raw:        raw,
		Calibrated: calibrated,
		Timestamp:  s.now(),
	}
	if !calibrated {
		r.Warning = UncalibratedWarning
	}
	return r, nil
}

// Weight returns the current weight in unit, rounded to three decimals.
func (s *Scale) Weight(ctx context.Context, unit Unit) (float64, Reading, error) {
	r, err := s.Read(ctx)
	if err != nil {
		return 0, r, err
	}

	v, err := Convert(r.Grams, unit)
	if err != nil {
		return 0, r, err
	}
	return v, r, nil
}

// Convert turns grams into unit, rounded to three decimals.
func Convert(grams float64, unit Unit) (float64, error) {
	switch unit {
	case Grams, "":
	case Kilograms:
		grams /= 1000
	default:
		return 0, fmt.Errorf("unknown unit %q", unit)
	}
	return math.Round(grams*1000) / 1000, nil
}
