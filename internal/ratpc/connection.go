package ratpc

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Connection is one accepted TCP socket plus the framing scratchpad,
// response queue, and identity spec.md §3 requires survive the lifetime
// of the socket.
//
// Invariants (spec.md §3): outstanding == number of Calls enqueued or
// in-flight for this connection not yet fully written; once closed is
// true, no further Call is accepted onto the response queue; the framing
// scratchpad parses at most one frame per read-loop iteration before the
// loop re-checks whether the connection is closed or the server is
// stopping.
type Connection struct {
	ID         string
	conn       net.Conn
	remoteAddr string

	lastContactMs atomic.Int64
	outstanding   atomic.Int32
	closed        atomic.Bool

	identityMu sync.RWMutex
	identity   []byte

	framing framingState

	respMu      sync.Mutex
	respQueue   []*Call
	writerAlive bool

	server *Server
}

func newConnection(server *Server, c net.Conn) *Connection {
	remote := ""
	if a := c.RemoteAddr(); a != nil {
		remote = a.String()
	}
	conn := &Connection{
		ID:         uuid.NewString(),
		conn:       c,
		remoteAddr: remote,
		server:     server,
	}
	conn.touch()
	conn.framing.conn = conn
	return conn
}

// RemoteAddr returns the cached remote address, surviving close.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// Identity returns the opaque authenticated-identity blob received during
// the handshake, or nil before it has arrived.
func (c *Connection) Identity() []byte {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.identity
}

func (c *Connection) setIdentity(b []byte) {
	c.identityMu.Lock()
	c.identity = b
	c.identityMu.Unlock()
}

func (c *Connection) touch() {
	c.lastContactMs.Store(time.Now().UnixMilli())
}

// LastContact returns the last-contact timestamp in milliseconds since
// the epoch.
func (c *Connection) LastContact() int64 { return c.lastContactMs.Load() }

// Outstanding returns the number of Calls enqueued or in-flight for this
// connection that have not yet been fully written.
func (c *Connection) Outstanding() int32 { return c.outstanding.Load() }

// Closed reports whether this connection has already been torn down.
func (c *Connection) Closed() bool { return c.closed.Load() }

// Close tears down the connection: marks it closed, drains any queued
// responses (refunding their bytes to the Throttler in one batched call,
// per spec.md §3's ownership rule), closes the socket, and removes the
// connection from the registry.
func (c *Connection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.respMu.Lock()
	var refund int64
	for _, call := range c.respQueue {
		refund += int64(call.size())
	}
	c.respQueue = nil
	c.respMu.Unlock()

	if refund > 0 && c.server != nil {
		c.server.throttler.Decrease(refund)
	}

	_ = c.conn.Close()
	if c.server != nil {
		c.server.registry.remove(c)
		c.server.metrics.observeConnectionClosed()
	}
}
