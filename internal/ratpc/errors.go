package ratpc

import (
	"errors"
	"fmt"
)

// Protocol and decode errors. These always close the connection without
// writing a response frame (spec.md §7).
var (
	ErrBadMagic            = errors.New("ratpc: bad magic header")
	ErrUnsupportedVersion  = errors.New("ratpc: unsupported protocol version")
	ErrFrameTooLarge       = errors.New("ratpc: frame exceeds maximum size")
	ErrUnknownCompression  = errors.New("ratpc: unknown compression algorithm")
	ErrConnectionClosed    = errors.New("ratpc: connection closed")
	ErrServerStopped       = errors.New("ratpc: server stopped")
	ErrServerAlreadyRunning = errors.New("ratpc: server already running")
)

// ErrResponseTooLarge is the dedicated, non-retryable error reported on a
// reply frame (not a disconnect) when a Call's cumulative response size
// would exceed the configured ceiling (spec.md §4.3, §7).
var ErrResponseTooLarge = errors.New("ratpc: response size exceeds ceiling")

// ClassifiedError lets application errors supply their own wire class
// name (spec.md §4.3/§6 field 6's "fully-qualified error class name").
// Errors that don't implement it fall back to their concrete Go type
// name, the closest idiomatic analogue Go has to a Java class name.
type ClassifiedError interface {
	error
	Class() string
}

// errorClassName returns the wire class name for err.
func errorClassName(err error) string {
	var ce ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class()
	}
	return fmt.Sprintf("%T", err)
}
