package ratpc

import "sync"

// Throttler is the global Response-Bytes Throttler (spec.md §3, §4.4): an
// integer counter of total queued response bytes with a configured
// ceiling. Increase blocks until the ceiling would not be crossed;
// Decrease subtracts and wakes any blocked waiters.
//
// A plain buffered-channel semaphore cannot express "block until n more
// bytes fit", since n varies per call and a burst of small decreases must
// wake a blocked large increase -- so, mirroring the mutex-protected
// counter shape of the teacher's TokenBucketRateLimiter, a sync.Cond over
// a plain int64 counter is used instead.
type Throttler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current int64
	ceiling int64
	closed  bool
}

// NewThrottler creates a Throttler with the given byte ceiling. A
// non-positive ceiling disables the bound (Increase never blocks).
func NewThrottler(ceiling int64) *Throttler {
	t := &Throttler{ceiling: ceiling}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Increase blocks until current+n <= ceiling, then adds n to the counter.
// Returns ErrServerStopped if the Throttler was closed while waiting.
func (t *Throttler) Increase(n int64) error {
	if n <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.ceiling > 0 && t.current+n > t.ceiling && !t.closed {
		t.cond.Wait()
	}
	if t.closed {
		return ErrServerStopped
	}
	t.current += n
	return nil
}

// Decrease subtracts n from the counter and wakes any blocked Increase
// callers. Every byte counted on a successful Increase must be returned
// through exactly one Decrease call -- on full write, or in one batched
// call summing the remainder of a closed connection's response queue
// (spec.md §3 invariants).
func (t *Throttler) Decrease(n int64) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.current -= n
	if t.current < 0 {
		t.current = 0
	}
	t.mu.Unlock()
	t.cond.Broadcast()
}

// Current returns the current queued byte count.
func (t *Throttler) Current() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Ceiling returns the configured byte ceiling.
func (t *Throttler) Ceiling() int64 {
	return t.ceiling
}

// Close unblocks every goroutine parked in Increase so that lifecycle
// shutdown is not held up by a caller waiting on space that will never
// free (e.g. because the drain side has already stopped).
func (t *Throttler) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cond.Broadcast()
}
