// Package camera defines the capture command interface used by capture
// sessions, and a driver that shells out to a still-capture program.
package camera

import (
	"context"
	"errors"
	"time"
)

// ErrCapture is returned (wrapped) when a single frame could not be taken.
var ErrCapture = errors.New("capture failed")

// SessionHandle identifies one open capture session.
type SessionHandle struct {
	ID        string    `json:"id"`
	Dir       string    `json:"dir,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// ImageRef points at a stored frame.
type ImageRef struct {
	Path    string    `json:"path"`
	Frame   int       `json:"frame"`
	TakenAt time.Time `json:"takenAt"`
}

// Driver is implemented by camera backends.
type Driver interface {
	StartSession(ctx context.Context) (SessionHandle, error)
	CaptureFrame(ctx context.Context, h SessionHandle) (ImageRef, error)
	EndSession(ctx context.Context, h SessionHandle) error
}
