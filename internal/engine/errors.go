package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/shadowsync/shadowsync/internal/models"
)

// Common errors
var (
	// ErrAborted resolves outstanding exchanges when the session is
	// closed, so callers never hang on shutdown.
	ErrAborted = errors.New("session closed")

	// ErrBusy is returned when a get or report is requested while
	// another correlated exchange is still in flight.
	ErrBusy = errors.New("another shadow exchange is in flight")

	// ErrNoPendingDelta is returned by ApplyDelta and DismissDelta
	// when there is nothing to resolve.
	ErrNoPendingDelta = errors.New("no pending delta")
)

// RemoteRejection reports that the shadow service rejected a get or
// update. Non-fatal; the engine returns to idle.
type RemoteRejection struct {
	Op      string
	Code    int
	Message string
}

// Error implements the error interface
func (e *RemoteRejection) Error() string {
	return fmt.Sprintf("shadow %s rejected (code %d): %s", e.Op, e.Code, e.Message)
}

// Informational reports whether the rejection is an expected
// condition rather than a failure. A 404 on get only means no shadow
// document exists yet; the first update will create one.
func (e *RemoteRejection) Informational() bool {
	return e.Op == "get" && e.Code == models.NoShadowCode
}

// TimeoutError reports that a correlated exchange received no
// accepted or rejected message within the bound. Treated identically
// to a rejection.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

// Error implements the error interface
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("shadow %s received no response within %s", e.Op, e.Timeout)
}
