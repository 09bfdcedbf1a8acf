package scale

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawsense/feeder/pkg/calibration"
	"github.com/pawsense/feeder/pkg/sampling"
)

type constReader int32

func (c constReader) ReadRaw(context.Context) (int32, error) { return int32(c), nil }

type stepReader struct {
	values []int32
	i      int
}

func (r *stepReader) ReadRaw(context.Context) (int32, error) {
	v := r.values[r.i%len(r.values)]
	r.i++
	return v, nil
}

func TestReadUncalibratedCarriesWarning(t *testing.T) {
	s := New(constReader(1234), calibration.NewModel(nil), 3)

	r, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.False(t, r.Calibrated)
	assert.Equal(t, UncalibratedWarning, r.Warning)
	assert.Equal(t, 1234.0, r.Raw)
}

func TestWeightCalibrated(t *testing.T) {
	model := calibration.NewModel(nil)
	cal := &stepReader{values: []int32{500, 500, 2500, 2500}}
	require.NoError(t, model.Calibrate(context.Background(), cal, 100, 2, nil))

	s := New(constReader(500+20*1234), model, 5)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	g, r, err := s.Weight(context.Background(), Grams)
	require.NoError(t, err)
	assert.Equal(t, 1234.0, g)
	assert.Empty(t, r.Warning)
	assert.Equal(t, fixed, r.Timestamp)

	kg, _, err := s.Weight(context.Background(), Kilograms)
	require.NoError(t, err)
	assert.Equal(t, 1.234, kg)
}

func TestConvert(t *testing.T) {
	v, err := Convert(12.34567, Grams)
	require.NoError(t, err)
	assert.Equal(t, 12.346, v)

	_, err = Convert(1, "lb")
	assert.Error(t, err)
}

func TestReadPropagatesNoValidSamples(t *testing.T) {
	s := New(failingReader{}, calibration.NewModel(nil), 3)

	_, err := s.Read(context.Background())
	assert.ErrorIs(t, err, sampling.ErrNoValidSamples)
}

type failingReader struct{}

func (failingReader) ReadRaw(context.Context) (int32, error) {
	return 0, assert.AnError
}
