// Package sink delivers intake records to storage and messaging collaborators.
package sink

import (
	"context"
	"errors"

	"github.com/pawsense/feeder/pkg/records"
)

// Sink persists or forwards intake records.
type Sink interface {
	Publish(ctx context.Context, rec records.Intake) error
	Close() error
	Name() string
}

// Multi fans a record out to every sink. All sinks are attempted; their
// errors are joined.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, rec records.Intake) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, rec); err != nil {
			errs = append(errs, &Error{Sink: s.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, &Error{Sink: s.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Name() string { return "multi" }

// Error tags a failure with the sink that produced it.
type Error struct {
	Sink string
	Err  error
}

func (e *Error) Error() string { return e.Sink + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }
