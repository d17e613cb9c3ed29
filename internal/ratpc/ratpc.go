// Package ratpc implements a length-framed request/response RPC server.
//
// Goroutine Model:
//
// The server spawns multiple goroutines coordinated through a shared
// context and a handful of shared, lock-protected structures:
//   - Acceptor: 1 goroutine per listener (one per GOMAXPROCS, SO_REUSEPORT)
//   - Connection: 1 read goroutine per accepted socket, doing inline framing
//   - Deserialization pool: a small bounded pool of workers doing the
//     CPU-bound half of framing (decompression + request decode)
//   - Handler pool: a fixed number of goroutines popping Calls off the
//     Call Queue and invoking the application Dispatcher
//   - Writer: 1 goroutine per connection with a queued response, draining
//     its response queue; a single shared ticker purges stale queues
//
// Backpressure:
//
// Three points cooperate to keep a slow client or a slow dispatcher from
// exhausting memory: the bounded Call Queue (handlerCount * perHandlerLimit),
// the global Throttler (a ceiling on bytes queued for write across all
// connections), and the OS TCP receive window, which stalls once a
// connection's read goroutine stops calling Read because the Call Queue
// send is blocked.
//
// Error Handling:
//
// Protocol and decode errors close the connection without a response.
// Errors from the application Dispatcher are never silently dropped --
// they are always serialized onto the reply frame for their call id.
// Errors are wrapped with context using fmt.Errorf("...: %w", err) throughout.
package ratpc

import "time"

// Protocol version constants (spec.md §6).
const (
	// MinVersion is the oldest wire version this server accepts.
	MinVersion = 3
	// CurrentVersion is the newest wire version this server speaks.
	CurrentVersion = 4
)

// wireMagic is the 4-byte ASCII handshake magic every connection opens with.
const wireMagic = "hrpc"

// pingSentinel is the reserved length-prefix value denoting a keepalive
// frame carrying no payload. It is chosen outside the range a real
// payload length could plausibly need while still fitting an int32.
const pingSentinel int32 = -1

// Defaults for Config fields left unset by the caller. DefaultIdleThreshold
// and DefaultAcceptBatch have no matching Config field and are not read by
// the server.
const (
	DefaultHandlerCount        = 32
	DefaultPerHandlerLimit     = 100
	DefaultResponseQueueMaxBytes = 1 << 30 // 1 GiB
	DefaultIdleThreshold       = 4000
	DefaultMaxEvictionsPerSweep = 10
	DefaultMaxIdleTime         = 5 * time.Minute
	DefaultSweepInterval       = 10 * time.Second
	DefaultPurgeInterval       = 15 * time.Minute
	DefaultListenBacklog       = 128
	DefaultWriteChunkSize      = 8 << 10 // 8 KiB
	DefaultAcceptBatch         = 10
)
