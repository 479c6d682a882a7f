package mcphub

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors returned by Manager and connection operations. Callers
// should match them with errors.Is; most are returned wrapped with the
// backend or capability name that triggered them.
var (
	// ErrConnectionFailed reports a failed spawn or MCP handshake.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrNotConnected reports an operation attempted against a backend that
	// is neither connected nor degraded.
	ErrNotConnected = errors.New("backend not connected")
	// ErrToolNotFound reports a namespaced tool absent from the catalog.
	ErrToolNotFound = errors.New("tool not found")
	// ErrResourceNotFound reports a namespaced resource URI absent from the
	// catalog.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrPromptNotFound reports a namespaced prompt absent from the catalog.
	ErrPromptNotFound = errors.New("prompt not found")
	// ErrDuplicateBackend reports an AddBackend with a name that is already
	// registered.
	ErrDuplicateBackend = errors.New("duplicate backend")
	// ErrTimeout reports an operation that exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrClosed reports an operation on a manager that has been closed.
	ErrClosed = errors.New("manager closed")
)

// BackendError wraps an error reported by a backend for a forwarded call,
// read, or prompt request, preserving the backend's own message.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %q: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// wrapForwardError classifies an error from a forwarded backend request:
// deadline expiry becomes ErrTimeout, everything else is attributed to the
// backend via BackendError.
func wrapForwardError(backend, kind, name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %q on %q", ErrTimeout, kind, name, backend)
	}
	return &BackendError{Backend: backend, Err: err}
}
