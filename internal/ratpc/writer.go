package ratpc

import (
	"fmt"
	"time"
)

// enqueueResponse is the Writer role's entry point (spec.md §4.4): append
// call's serialized frame to this connection's response queue, then
// either write it immediately via a non-blocking fast path or hand it
// off to a dedicated per-connection writer goroutine.
//
// Go's net.Conn has no non-blocking Write, so the fast path emulates the
// reference design's selector-driven non-blocking write with a write
// deadline of fastWriteWindow (a deadline already in the past would make
// Write fail before trying the socket at all): the kernel either accepts
// the bytes into its send buffer at once and Write succeeds, or Write
// gives up with a timeout after at most fastWriteWindow instead of
// blocking the Handler goroutine that called enqueueResponse. Only the
// first response queued on an otherwise-idle connection is eligible for
// the fast path.
//
// If the connection is already closed, the response is not queued: its
// bytes are refunded to the Throttler and outstanding is decremented at
// once, since Close() has already drained (or, waiting on respMu, is
// about to drain) the queue without it.
//
// Claiming writerAlive happens in the same critical section that decides
// fast-path eligibility, before the (unlocked) write itself runs: two
// Handler goroutines finishing concurrently for the same connection must
// never both believe they own the head of respQueue, or their two Writes
// on one socket could interleave and corrupt the frame stream.
func (c *Connection) enqueueResponse(call *Call) {
	c.respMu.Lock()
	if c.Closed() {
		c.respMu.Unlock()
		c.outstanding.Add(-1)
		if c.server != nil {
			c.server.throttler.Decrease(int64(call.size()))
		}
		return
	}
	fastPathEligible := len(c.respQueue) == 0 && !c.writerAlive
	c.respQueue = append(c.respQueue, call)
	if fastPathEligible {
		c.writerAlive = true
	}
	c.respMu.Unlock()

	if !fastPathEligible {
		return
	}

	ok := c.tryFastWrite(call)
	if ok {
		c.finishHead(call)
	}

	c.respMu.Lock()
	if ok && len(c.respQueue) == 0 {
		c.writerAlive = false
		c.respMu.Unlock()
		return
	}
	c.respMu.Unlock()
	// Either the write didn't fully complete, or more responses arrived
	// while it ran: hand off to the writer goroutine, which continues
	// from wherever this write left off. writerAlive is already true
	// from the claim above.
	go c.writerLoop()
}

// fastWriteWindow is the write deadline tryFastWrite allows the socket.
const fastWriteWindow = time.Millisecond

// tryFastWrite attempts a write of call's whole frame bounded by
// fastWriteWindow. It returns false (leaving call queued for the writer
// goroutine) on any error, including the write-deadline timeout used to
// detect backpressure.
func (c *Connection) tryFastWrite(call *Call) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(fastWriteWindow))
	n, err := c.conn.Write(call.Response)
	_ = c.conn.SetWriteDeadline(time.Time{})
	if n > 0 {
		call.written = n
	}
	return err == nil && call.written == len(call.Response)
}

// writerLoop is the dedicated per-connection Writer goroutine (spec.md
// §4.4), draining the response queue in order until it is empty, at
// which point the goroutine exits; enqueueResponse restarts it if work
// arrives after it has gone idle.
func (c *Connection) writerLoop() {
	for {
		c.respMu.Lock()
		if len(c.respQueue) == 0 {
			c.writerAlive = false
			c.respMu.Unlock()
			return
		}
		call := c.respQueue[0]
		c.respMu.Unlock()

		err := c.writeRemaining(call)
		// finishHead dequeues and refunds whether or not the write
		// succeeded: a response
		// that failed to write is not retried on this (about to be
		// closed) connection, so its bytes must still be returned to
		// the Throttler rather than leaking against the ceiling.
		c.finishHead(call)
		if err != nil {
			c.Close()
			return
		}
	}
}

// writeRemaining blocks until call's frame (resuming from any bytes the
// fast path already sent) is fully written or the socket errors, issuing
// Writes of at most WriteChunkSize bytes each.
func (c *Connection) writeRemaining(call *Call) error {
	chunk := DefaultWriteChunkSize
	if c.server != nil {
		chunk = c.server.cfg.WriteChunkSize()
	}
	_ = c.conn.SetWriteDeadline(time.Time{})
	for call.written < len(call.Response) {
		end := call.written + chunk
		if end > len(call.Response) {
			end = len(call.Response)
		}
		n, err := c.conn.Write(call.Response[call.written:end])
		call.written += n
		if err != nil {
			return fmt.Errorf("ratpc: write response: %w", err)
		}
	}
	return nil
}

// finishHead pops call off the head of the response queue, decrements
// outstanding, and refunds its bytes to the Throttler. If call is no
// longer at the head because Close() has already drained and refunded
// the queue, finishHead does nothing, so no byte is refunded twice.
func (c *Connection) finishHead(call *Call) {
	c.respMu.Lock()
	popped := len(c.respQueue) > 0 && c.respQueue[0] == call
	if popped {
		c.respQueue = c.respQueue[1:]
	}
	c.respMu.Unlock()
	if !popped {
		return
	}

	c.outstanding.Add(-1)
	if c.server != nil {
		c.server.throttler.Decrease(int64(call.size()))
	}
}

// purgeStale closes the connection outright if its head Call has sat in
// the response queue longer than maxAge (spec.md §4.4, S6: "the
// connection is closed"), and otherwise drops queued-but-unwritten
// responses older than maxAge from everything after the head.
//
// The head may be mid-write inside writerLoop without holding respMu, so
// it is never spliced out of respQueue directly here -- Close() is safe
// to call concurrently with an in-flight Write because closing the
// socket makes that Write fail, and writerLoop's own finishHead/Close
// call then becomes a no-op against the already-closed connection.
func (c *Connection) purgeStale(maxAge time.Duration) {
	c.respMu.Lock()
	if len(c.respQueue) == 0 {
		c.respMu.Unlock()
		return
	}
	head := c.respQueue[0]
	headStale := !head.EnqueuedAt.IsZero() && time.Since(head.EnqueuedAt) > maxAge
	if headStale {
		c.respMu.Unlock()
		c.Close()
		return
	}
	if len(c.respQueue) <= 1 {
		c.respMu.Unlock()
		return
	}
	now := time.Now()
	rest := c.respQueue[1:]
	kept := rest[:0]
	var refund int64
	var dropped int32
	for _, call := range rest {
		if !call.EnqueuedAt.IsZero() && now.Sub(call.EnqueuedAt) > maxAge {
			refund += int64(call.size())
			dropped++
			continue
		}
		kept = append(kept, call)
	}
	c.respQueue = append(c.respQueue[:1], kept...)
	c.respMu.Unlock()

	if dropped > 0 {
		c.outstanding.Add(-dropped)
		if c.server != nil {
			c.server.throttler.Decrease(refund)
		}
	}
}

// purgeLoop runs the server-wide ticker that sweeps every connection's
// response queue for stale entries (spec.md §4.4).
func (s *Server) purgeLoop() {
	ticker := time.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			for _, c := range s.registry.snapshot() {
				c.purgeStale(s.cfg.PurgeInterval)
			}
		}
	}
}
