package clock_client

import (
	"errors"
	"fmt"
)

type (
	// ConnectionError reports a transport failure: a failed dial or a socket
	// error during send or receive. The connection is closed when one occurs.
	ConnectionError struct {
		Op  string
		Err error
	}

	// ProtocolError reports a malformed or unsupported frame. The connection
	// is closed rather than resynchronized.
	ProtocolError struct {
		Reason string
		Type   frameType
		Err    error
	}

	// StateError reports a call made in the wrong connection state. It is
	// always returned synchronously by the call that caused it.
	StateError struct {
		Op     string
		Reason string
	}

	// ServiceError carries the message of an error-response sent by the
	// clock service for a specific request.
	ServiceError struct {
		Message string
	}
)

var (
	ErrNotOpen        = &StateError{Op: "request", Reason: "connection is not open"}
	ErrAlreadyOpen    = &StateError{Op: "open", Reason: "connection is already open"}
	ErrCallInProgress = &StateError{Op: "request", Reason: "a call of this kind is already in progress"}
	ErrConcurrentPoll = &StateError{Op: "poll", Reason: "poll is already running"}

	ErrInvalidDuration = errors.New("duration must not be negative")
	ErrRequestTimeout  = errors.New("request timed out")
	ErrFrameTooLarge   = errors.New("frame exceeds the size limit")
)

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %s", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + e.Reason
	if e.Type != 0 {
		msg += " (" + e.Type.String() + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *ServiceError) Error() string {
	return "service error: " + e.Message
}

// IsFatal reports whether err leaves the connection in its terminal closed
// state, i.e. it is a ConnectionError or a ProtocolError.
func IsFatal(err error) bool {
	var ce *ConnectionError
	var pe *ProtocolError
	return errors.As(err, &ce) || errors.As(err, &pe)
}
