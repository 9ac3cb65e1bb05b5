package openfda

import (
	"errors"
	"fmt"

	"github.com/elonfeng/drugradar/pkg/event"
)

// Kind classifies an upstream failure.
type Kind string

const (
	KindNotFound  Kind = "not_found"
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
)

// Error is returned for every failed upstream request.
type Error struct {
	Kind     Kind
	Endpoint string
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("openfda %s: %s", e.Endpoint, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes not-found errors match event.ErrNotFound.
func (e *Error) Is(target error) bool {
	return e.Kind == KindNotFound && target == event.ErrNotFound
}

// Transient reports whether retrying the request may succeed.
func (e *Error) Transient() bool { return e.Kind == KindTransient }

// IsTransient reports whether err is a transient upstream failure.
func IsTransient(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Transient()
}
