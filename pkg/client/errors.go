package client

import "errors"

var (
	// ErrDaemonNotRunning means the feeder socket does not exist.
	ErrDaemonNotRunning = errors.New("feeder daemon not running")

	// ErrPermissionDenied means the socket exists but this user may not use it.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned when the daemon answers 404, usually because it
	// is older than this client.
	ErrNotFound = errors.New("404 not found")

	// ErrBusy is returned when the daemon rejects a request with 409 because
	// a tare or calibration is running, or a feeding event is open.
	ErrBusy = errors.New("feeder busy")
)
