package telemetry

import (
	"errors"
	"fmt"
)

// Write failure kinds. Match with errors.Is.
var (
	ErrRejected = errors.New("write rejected")
	ErrTimeout  = errors.New("write timed out")
	ErrBusy     = errors.New("adjustment in progress")
)

// ParseError reports a malformed key or value received from the store.
type ParseError struct {
	Field string
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s %q: %v", e.Field, e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// WriteError reports a failed user-initiated write. Kind is one of
// ErrRejected, ErrTimeout or ErrBusy.
type WriteError struct {
	Kind  error
	Field Field
	Err   error
}

func (e *WriteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Field, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Field, e.Kind, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Is(target error) bool {
	return target == e.Kind
}

// SubscriptionError reports that a store feed failed. It is terminal for
// subscribers of the engine.
type SubscriptionError struct {
	Feed string
	Err  error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s failed: %v", e.Feed, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
