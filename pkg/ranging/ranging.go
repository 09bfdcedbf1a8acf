// Package ranging measures the distance to the nearest object in front of the
// feeder.
package ranging

import (
	"context"
	"errors"
)

var (
	// ErrNoEcho means the sensor produced no usable echo within its window.
	ErrNoEcho = errors.New("ranging: no echo")
	// ErrBadFrame means a serial frame failed its checksum.
	ErrBadFrame = errors.New("ranging: bad frame")
)

// Sensor returns one distance in meters per call.
type Sensor interface {
	Distance(ctx context.Context) (float64, error)
	Close() error
}
