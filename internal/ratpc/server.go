package ratpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/jroosing/hrpcd/internal/helpers"
)

// Config holds the tunables of spec.md §3-4's Server, Throttler, Call
// Queue, Deserialization Pool, and idle-sweep/purge components.
// normalize() fills in unset counts, sizes and durations, mostly from the
// Default* constants of ratpc.go; ListenAddr, MaxFrameBytes,
// MaxResponseBytes, the codec pair and the optional collaborators are
// used as given.
type Config struct {
	// ListenAddr is the host:port the Acceptor binds (spec.md §4.1).
	ListenAddr string
	// Listeners is the number of SO_REUSEPORT listener sockets opened on
	// ListenAddr. Zero means one per GOMAXPROCS, mirroring the teacher's
	// tcp_server.go.
	Listeners int
	// ListenBacklog is defaulted by normalize() but not applied to the
	// listener sockets, which use the net package's default accept
	// backlog.
	ListenBacklog int

	// HandlerCount is the fixed size of the Handler pool (spec.md §4.3).
	HandlerCount int
	// PerHandlerLimit bounds the Call Queue at HandlerCount*PerHandlerLimit
	// (spec.md §3's Call Queue capacity invariant).
	PerHandlerLimit int

	// ResponseQueueMaxBytes is the Throttler's global byte ceiling
	// (spec.md §3, §4.4). Zero selects DefaultResponseQueueMaxBytes; a
	// negative value disables the bound.
	ResponseQueueMaxBytes int64
	// MaxFrameBytes bounds a single inbound frame's declared length
	// (spec.md §6); non-positive disables the bound.
	MaxFrameBytes int
	// MaxResponseBytes bounds a single call's cumulative response size
	// (spec.md §4.3); non-positive disables the bound.
	MaxResponseBytes int

	// DeserializeCore/DeserializeMax/DeserializeIdle size the
	// Deserialization Pool (spec.md §4.2).
	DeserializeCore int
	DeserializeMax  int
	DeserializeIdle time.Duration

	// MaxEvictionsPerSweep and MaxIdleTime govern the idle-connection
	// sweep (spec.md §4.1); SweepInterval is how often it runs.
	MaxEvictionsPerSweep int
	MaxIdleTime          time.Duration
	SweepInterval        time.Duration

	// PurgeInterval is how often the Writer's stale-response-queue purge
	// runs (spec.md §4.4, §9 Open Question).
	PurgeInterval time.Duration

	// WriteChunkSizeBytes sizes each connection's read bufio.Reader and
	// caps the size of each Write the per-connection writer goroutine
	// issues.
	WriteChunkSizeBytes int

	// DecodeRequest/EncodeResponse are the application-supplied codec
	// pair spec.md §9 Design Notes names but does not specify (the core
	// only moves bytes).
	DecodeRequest  RequestDecoder
	EncodeResponse ResponseEncoder

	// Namespace prefixes the server's prometheus metric names.
	Namespace string
	// Registerer receives the server's prometheus collectors. Nil skips
	// registration (useful in tests that construct multiple servers).
	Registerer prometheus.Registerer

	// Observer, if set, is notified after every completed call. Nil
	// disables auditing entirely with no extra cost.
	Observer CallObserver
}

// WriteChunkSize returns the configured read-buffer and write-chunk size, or
// DefaultWriteChunkSize if unset.
func (c Config) WriteChunkSize() int {
	if c.WriteChunkSizeBytes > 0 {
		return c.WriteChunkSizeBytes
	}
	return DefaultWriteChunkSize
}

func (c Config) normalize() Config {
	if c.Listeners <= 0 {
		c.Listeners = runtime.GOMAXPROCS(0)
		if c.Listeners < 1 {
			c.Listeners = 1
		}
	}
	if c.ListenBacklog <= 0 {
		c.ListenBacklog = DefaultListenBacklog
	}
	if c.HandlerCount <= 0 {
		c.HandlerCount = DefaultHandlerCount
	}
	if c.PerHandlerLimit <= 0 {
		c.PerHandlerLimit = DefaultPerHandlerLimit
	}
	if c.ResponseQueueMaxBytes == 0 {
		c.ResponseQueueMaxBytes = DefaultResponseQueueMaxBytes
	}
	if c.DeserializeCore <= 0 {
		c.DeserializeCore = 1
	}
	if c.DeserializeMax <= 0 {
		c.DeserializeMax = runtime.NumCPU() + 1
	}
	// Core workers can never exceed the pool's own max, however the
	// two were configured.
	c.DeserializeCore = helpers.ClampInt(c.DeserializeCore, 1, c.DeserializeMax)
	if c.DeserializeIdle <= 0 {
		c.DeserializeIdle = 60 * time.Second
	}
	if c.MaxEvictionsPerSweep <= 0 {
		c.MaxEvictionsPerSweep = DefaultMaxEvictionsPerSweep
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = DefaultMaxIdleTime
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = DefaultPurgeInterval
	}
	if c.WriteChunkSizeBytes <= 0 {
		c.WriteChunkSizeBytes = DefaultWriteChunkSize
	}
	return c
}

// Server is the length-framed request/response RPC server of spec.md
// §1-4: an Acceptor (one goroutine per SO_REUSEPORT listener), a
// per-connection read goroutine doing inline framing, a bounded
// Deserialization Pool, a fixed Handler pool dispatching onto the
// application Dispatcher, and a per-connection Writer with a shared
// purge ticker.
type Server struct {
	cfg        Config
	dispatcher Dispatcher
	logger     *slog.Logger

	listeners []net.Listener

	registry        *registry
	throttler       *Throttler
	deserializePool *deserializePool
	callQueue       chan *Call
	metrics         *metricsSet

	wg        sync.WaitGroup
	shutdownCh chan struct{}
	shutdownOnce sync.Once
	running   atomic.Bool
	busyHandlers atomic.Int32
}

// New constructs a Server. The Dispatcher and Config.DecodeRequest /
// Config.EncodeResponse must be non-nil; Start returns an error
// otherwise.
func New(cfg Config, dispatcher Dispatcher, logger *slog.Logger) *Server {
	cfg = cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		registry:   newRegistry(),
		throttler:  NewThrottler(cfg.ResponseQueueMaxBytes),
		metrics:    newMetricsSet(cfg.Registerer, cfg.Namespace),
		callQueue:  make(chan *Call, cfg.HandlerCount*cfg.PerHandlerLimit),
		shutdownCh: make(chan struct{}),
	}
}

// Start binds the listeners and spawns the Acceptor, Handler pool, and
// background sweep/purge goroutines. It returns once listening has
// succeeded; connection handling continues in the background until Stop
// is called.
func (s *Server) Start() error {
	if s.dispatcher == nil {
		return errors.New("ratpc: dispatcher is nil")
	}
	if s.cfg.DecodeRequest == nil || s.cfg.EncodeResponse == nil {
		return errors.New("ratpc: DecodeRequest and EncodeResponse must be set")
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}

	s.deserializePool = newDeserializePool(s.cfg.DeserializeCore, s.cfg.DeserializeMax, s.cfg.DeserializeIdle)

	for i := 0; i < s.cfg.Listeners; i++ {
		ln, err := listenReusePort(s.cfg.ListenAddr, s.cfg.ListenBacklog)
		if err != nil {
			for _, l := range s.listeners {
				_ = l.Close()
			}
			s.running.Store(false)
			return fmt.Errorf("ratpc: listen %s: %w", s.cfg.ListenAddr, err)
		}
		s.listeners = append(s.listeners, ln)
	}

	for _, ln := range s.listeners {
		listener := ln
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptLoop(listener)
		}()
	}

	for i := 0; i < s.cfg.HandlerCount; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handlerLoop()
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.purgeLoop()
	}()

	s.logger.Info("ratpc: server started",
		slog.String("addr", s.cfg.ListenAddr),
		slog.Int("listeners", len(s.listeners)),
		slog.Int("handlers", s.cfg.HandlerCount),
	)
	return nil
}

// Stop closes the listeners, signals every running goroutine to exit,
// closes all live connections, and waits for shutdown to complete or ctx
// to expire.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.shutdownOnce.Do(func() { close(s.shutdownCh) })

	for _, ln := range s.listeners {
		_ = ln.Close()
	}

	s.throttler.Close()
	for _, c := range s.registry.snapshot() {
		c.Close()
	}
	s.deserializePool.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ratpc: stop: %w", ctx.Err())
	}
}

// stopping reports whether shutdown has been signaled.
func (s *Server) stopping() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

// ConnectionCount returns the number of currently registered connections.
func (s *Server) ConnectionCount() int { return s.registry.len() }

// CallQueueDepth returns the number of calls currently buffered in the
// Call Queue, waiting for a free Handler.
func (s *Server) CallQueueDepth() int { return len(s.callQueue) }

// ThrottlerBytes returns the current and ceiling byte totals reserved
// against the response-bytes Throttler.
func (s *Server) ThrottlerBytes() (current, ceiling int64) {
	return s.throttler.Current(), s.throttler.Ceiling()
}

// HandlerCount returns the configured size of the fixed Handler pool.
func (s *Server) HandlerCount() int { return s.cfg.HandlerCount }

// HandlersBusy returns the number of Handler-pool workers currently
// dispatching a call.
func (s *Server) HandlersBusy() int { return int(s.busyHandlers.Load()) }

// listenReusePort binds a TCP listener with SO_REUSEPORT set, matching
// the teacher's listenTCPReusePort (internal/server/tcp_server.go) so
// multiple listener goroutines can share one address across cores.
func listenReusePort(addr string, backlog int) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctlErr error
			err := c.Control(func(fd uintptr) {
				ctlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return ctlErr
		},
	}
	_ = backlog // kernel backlog tuning left at Go's net package default
	return lc.Listen(context.Background(), "tcp", addr)
}
