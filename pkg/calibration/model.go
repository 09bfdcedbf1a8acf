package calibration

import (
	"context"
	"errors"
	"math"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// scaleEpsilon is the smallest |scale| (raw codes per gram) treated as usable.
const scaleEpsilon = 1e-9

var (
	ErrInsufficientSamples = &Error{"insufficient samples"}
	ErrInvalidReference    = &Error{"reference mass must be greater than zero"}
	ErrDegenerateScale     = &Error{"reference mass produced no detectable raw change"}
	ErrCorruptCalibration  = &Error{"calibration record is corrupt"}
)

// Error is an operator-facing calibration failure.
type Error struct{ msg string }

func (e *Error) Error() string { return e.msg }

// RawReader yields one raw code per call.
type RawReader interface {
	ReadRaw(ctx context.Context) (int32, error)
}

// ReadyFunc is called between the tare and the reference reads of Calibrate,
// e.g. to wait for an operator to place the reference mass.
type ReadyFunc func(ctx context.Context) error

// State holds the conversion parameters.
type State struct {
	Offset     float64 `json:"offset"`
	Scale      float64 `json:"scale"`
	Calibrated bool    `json:"calibrated"`
}

// Model owns the calibration State.
type Model struct {
	mu    sync.RWMutex
	st    State
	store Store
}

// NewModel returns an uncalibrated model. store may be nil.
func NewModel(store Store) *Model {
	return &Model{
		st:    State{Offset: 0, Scale: 1},
		store: store,
	}
}

// State returns a copy of the current state.
func (m *Model) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.st
}

// IsCalibrated reports whether the conversion is physically meaningful.
func (m *Model) IsCalibrated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.st.Calibrated
}

// ToGrams converts a raw (possibly averaged) code to grams. The second return
// value is false when the model is uncalibrated and the number must not be
// trusted.
func (m *Model) ToGrams(raw float64) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return (raw - m.st.Offset) / m.st.Scale, m.st.Calibrated
}

// Tare sets the offset to the mean of times raw reads.
func (m *Model) Tare(ctx context.Context, r RawReader, times int) error {
	offset, err := meanRaw(ctx, r, times)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.st.Offset = offset
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"offset": offset,
		"times":  times,
	}).Info("tare complete")

	return nil
}

// Calibrate tares, waits for ready, then derives the scale from times reads
// with knownMassGrams on the load cell. On any failure the previous offset
// and scale are kept. A successful calibration is persisted.
func (m *Model) Calibrate(ctx context.Context, r RawReader, knownMassGrams float64, times int, ready ReadyFunc) error {
	if !(knownMassGrams > 0) || math.IsInf(knownMassGrams, 0) {
		return ErrInvalidReference
	}

	offset, err := meanRaw(ctx, r, times)
	if err != nil {
		return err
	}
	logrus.WithField("offset", offset).Info("calibration tare complete")

	if ready != nil {
		if err := ready(ctx); err != nil {
			return pkgerrors.Wrap(err, "calibration aborted before reference reads")
		}
	}

	loaded, err := meanRaw(ctx, r, times)
	if err != nil {
		return err
	}

	scale := (loaded - offset) / knownMassGrams
	if math.Abs(scale) <= scaleEpsilon || math.IsNaN(scale) {
		return ErrDegenerateScale
	}

	m.mu.Lock()
	m.st = State{Offset: offset, Scale: scale, Calibrated: true}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"offset":    offset,
		"scale":     scale,
		"reference": knownMassGrams,
	}).Info("calibration complete")

	if m.store == nil {
		return nil
	}
	return m.Save()
}

// Save persists offset and scale.
func (m *Model) Save() error {
	if m.store == nil {
		return pkgerrors.New("no calibration store configured")
	}

	st := m.State()
	return m.store.Save(st.Offset, st.Scale)
}

// Load restores offset and scale from the store and marks the model
// calibrated. On any error the state is left unchanged.
func (m *Model) Load() error {
	if m.store == nil {
		return pkgerrors.New("no calibration store configured")
	}

	offset, scale, err := m.store.Load()
	if err != nil {
		return err
	}
	if !validScale(scale) || math.IsNaN(offset) || math.IsInf(offset, 0) {
		return ErrCorruptCalibration
	}

	m.mu.Lock()
	m.st = State{Offset: offset, Scale: scale, Calibrated: true}
	m.mu.Unlock()

	return nil
}

func validScale(s float64) bool {
	return !math.IsNaN(s) && !math.IsInf(s, 0) && math.Abs(s) > scaleEpsilon
}

// meanRaw averages the successful reads out of times attempts.
func meanRaw(ctx context.Context, r RawReader, times int) (float64, error) {
	if times < 1 {
		return 0, ErrInsufficientSamples
	}

	var (
		sum     float64
		n       int
		lastErr error
	)
	for i := 0; i < times; i++ {
		v, err := r.ReadRaw(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return 0, err
			}
			lastErr = err
			continue
		}
		sum += float64(v)
		n++
	}

	if n == 0 {
		logrus.WithError(lastErr).WithField("times", times).Warn("every calibration read failed")
		return 0, ErrInsufficientSamples
	}

	return sum / float64(n), nil
}
