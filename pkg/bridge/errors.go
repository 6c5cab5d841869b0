package bridge

import (
	"errors"
	"fmt"
)

// Code is the stable error code reported to API callers.
type Code string

const (
	CodeSessionNotFound Code = "SessionNotFound"
	CodeBindingUnusable Code = "BindingUnusable"
	CodeRateLimited     Code = "RateLimited"
	CodeSessionClosed   Code = "SessionClosed"
	CodeInvalidRequest  Code = "InvalidRequest"
)

var (
	// ErrSessionNotFound is returned when no session has the requested name.
	ErrSessionNotFound = errors.New("session not found")
	// ErrBindingUnusable is matched by every BindingError.
	ErrBindingUnusable = errors.New("binding unusable")
	// ErrRateLimited is returned when a session's outbound queue is full.
	ErrRateLimited = errors.New("rate limited")
	// ErrSessionClosed is returned for commands on a stopped session, and for
	// queued commands discarded at shutdown.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidCommand is returned for malformed outbound commands.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrUnknownBinding is the cause of a BindingError for an unconfigured binding id.
	ErrUnknownBinding = errors.New("no such binding")
)

// BindingError is a per-binding failure. It never affects other bindings.
type BindingError struct {
	Session   string
	BindingID string
	Err       error
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("binding %q of session %q is unusable: %v", e.BindingID, e.Session, e.Err)
}

func (e *BindingError) Unwrap() error { return e.Err }

// Is makes every BindingError match ErrBindingUnusable.
func (e *BindingError) Is(target error) bool { return target == ErrBindingUnusable }

// CodeOf maps an error to its API code. Unrecognized errors return "".
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrBindingUnusable):
		return CodeBindingUnusable
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrSessionClosed):
		return CodeSessionClosed
	case errors.Is(err, ErrInvalidCommand):
		return CodeInvalidRequest
	default:
		return ""
	}
}
