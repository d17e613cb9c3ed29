package ratpc

import (
	"bytes"
	"time"
)

// RequestDecoder decodes a request object's application-defined payload.
// The core treats the request as an opaque decodable type parameterized
// at server construction (spec.md §9 Design Notes): the application
// supplies the decode/encode pair, the core only moves bytes.
type RequestDecoder func(r *bytes.Reader) (any, error)

// ResponseEncoder serializes a dispatcher's response object onto w.
type ResponseEncoder func(w *bytes.Buffer, resp any) error

// Dispatcher maps a decoded request object to a response object. It is the
// application-level collaborator named but not specified by spec.md §1; the
// core only requires that it be safely callable from many Handler
// goroutines concurrently and that it return an error (rather than panic)
// for ordinary application failures.
type Dispatcher interface {
	Dispatch(ctx *CallContext, req any) (resp any, err error)
}

// DispatcherFunc adapts a plain function to the Dispatcher interface.
type DispatcherFunc func(ctx *CallContext, req any) (any, error)

func (f DispatcherFunc) Dispatch(ctx *CallContext, req any) (any, error) {
	return f(ctx, req)
}

// CallContext carries the handler-scoped data spec.md's source exposed via
// thread-locals ("current call" / "current user") as an explicit value
// threaded through the Dispatcher call instead (spec.md §9 Design Notes).
type CallContext struct {
	CallID           int32
	Connection       *Connection
	Version          uint8
	Tag              string
	ProfileRequested bool
	Identity         []byte
	ReceivedAt       time.Time

	responseBudget *responseBudget
}

// RemoteAddr returns the originating connection's cached remote address.
func (c *CallContext) RemoteAddr() string {
	if c.Connection == nil {
		return ""
	}
	return c.Connection.RemoteAddr()
}

// CheckResponseBudget consults the per-call cumulative response-size
// counter against the server's global response-size ceiling (spec.md
// §4.3). Application code that accumulates result bytes incrementally
// should call this before appending more; exceeding the ceiling returns
// ErrResponseTooLarge, which the Handler reports as an ordinary error
// frame rather than a protocol-level disconnect.
func (c *CallContext) CheckResponseBudget(n int) error {
	if c.responseBudget == nil {
		return nil
	}
	return c.responseBudget.add(n)
}

// responseBudget is a simple, non-atomic counter: a Call is only ever
// handled by a single Handler goroutine at a time, so no synchronization
// is required.
type responseBudget struct {
	ceiling int
	soFar   int
}

func (b *responseBudget) add(n int) error {
	b.soFar += n
	if b.ceiling > 0 && b.soFar > b.ceiling {
		return ErrResponseTooLarge
	}
	return nil
}

// Call is one pending or in-flight RPC request/response pair tied to one
// Connection (spec.md §3).
//
// ReceivedAt and EnqueuedAt are kept as two distinct fields rather than
// the single reused "timestamp" field the original source used for both
// receive-time and serve-time (spec.md §9 Open Question): the purge sweep
// in the Writer only ever inspects EnqueuedAt.
type Call struct {
	ID         int32
	Conn       *Connection
	ReceivedAt time.Time
	EnqueuedAt time.Time

	Version       uint8
	RequestCodec  Compression
	ResponseCodec Compression
	Profile       bool
	Tag           string

	Request  any
	Response []byte // fully serialized response frame bytes, once ready
	written  int    // bytes of Response already flushed to the socket

	ProfilingData []byte

	budget *responseBudget
}

// size returns the byte count this Call currently holds against the
// global Throttler: zero until Response has been serialized, and the
// length of the serialized frame afterward.
func (c *Call) size() int {
	return len(c.Response)
}
