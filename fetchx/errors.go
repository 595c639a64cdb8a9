package fetchx

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors, checkable with errors.Is. Every error leaving
// Session.Do wraps exactly one of these.
var (
	ErrResolution       = errors.New("fetchx: hostname resolution failed")
	ErrConnect          = errors.New("fetchx: connect failed")
	ErrTransport        = errors.New("fetchx: transport failure")
	ErrProtocol         = errors.New("fetchx: protocol violation")
	ErrPoolClosed       = errors.New("fetchx: connector is closed")
	ErrTooManyRedirects = errors.New("fetchx: too many redirects")
	ErrCancelled        = errors.New("fetchx: request cancelled")
	ErrTimeout          = errors.New("fetchx: request timed out")
)

// Phase names the stage of a request in which an error occurred. Retry
// policy is a caller decision; the phase gives it the needed context.
type Phase string

const (
	PhaseResolve Phase = "resolve"
	PhaseConnect Phase = "connect"
	PhaseSend    Phase = "send"
	PhaseReceive Phase = "receive"
)

// RequestError tags a failure with the request it belongs to and the
// phase in which it occurred. It wraps the underlying error unmodified.
type RequestError struct {
	Phase  Phase
	Method string
	URL    string
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("fetchx: %s %s failed during %s: %v", e.Method, e.URL, e.Phase, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// mapContextErr rewrites context errors into the taxonomy; other errors
// pass through.
func mapContextErr(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return err
	}
}
