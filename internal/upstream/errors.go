package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrCanceled is returned when the caller's context ends the request.
// It is never an upstream fault.
var ErrCanceled = errors.New("upstream request canceled")

// errIdleTimeout is the cancel cause set when a stream stalls.
var errIdleTimeout = errors.New("stream idle timeout")

// errHandleClosed is the cancel cause set by StreamHandle.Close.
var errHandleClosed = errors.New("stream handle closed")

// UnavailableError reports a transport failure or malformed response.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("upstream unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// RejectedError carries an upstream error response verbatim.
type RejectedError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// TimeoutError reports that the upstream sent nothing within a bound.
type TimeoutError struct {
	Phase string
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream timeout (%s): %v", e.Phase, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// classify maps a transport or read error onto the upstream error kinds.
// ctx is the caller's context; streamCtx, if set, is the per-stream
// context whose cause distinguishes idle timeouts and local closes.
func classify(ctx, streamCtx context.Context, phase string, err error) error {
	if streamCtx != nil {
		switch cause := context.Cause(streamCtx); {
		case errors.Is(cause, errIdleTimeout):
			return &TimeoutError{Phase: "stream idle", Err: cause}
		case errors.Is(cause, errHandleClosed) && ctx.Err() == nil:
			return fmt.Errorf("%w: %w", ErrCanceled, cause)
		}
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Phase: phase, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Phase: phase, Err: err}
	}
	return &UnavailableError{Err: err}
}
