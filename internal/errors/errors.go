package errors

import (
	"context"
	"errors"
	"io"
	"net"
)

// Engine errors.
var (
	ErrOffline       = errors.New("device is offline")
	ErrCycleInFlight = errors.New("sync cycle already in flight")
	ErrEntryNotFound = errors.New("outbox entry not found")
	ErrDeadLettered  = errors.New("outbox entry is dead-lettered")
	ErrUnknownAction = errors.New("unknown mutation action")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")

	// ErrSubscribeRejected means the change feed refused the subscribe
	// handshake (bad scope or token). Retrying immediately will not help.
	ErrSubscribeRejected = errors.New("change feed subscription rejected")
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is network-class: a TransientError, a
// net.Error, a deadline, a truncated read, or ErrOffline. Mutations that
// fail this way fall back to the outbox instead of surfacing to the caller.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, ErrOffline)
}
