package ratpc

import (
	"log/slog"
	"net"
	"time"
)

// acceptLoop is the Acceptor role of spec.md §4.1: one goroutine per
// SO_REUSEPORT listener, accepting sockets until the listener is closed
// by Stop. Modeled on the teacher's acceptLoop (internal/server/tcp_server.go),
// generalized from DNS-over-TCP framing to the RPC wire protocol and
// from a per-IP connection cap to the registry-backed idle sweep.
func (s *Server) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.stopping() {
				return
			}
			s.logger.Warn("ratpc: accept error", slog.Any("err", err))
			return
		}

		conn := newConnection(s, c)
		s.registry.add(conn)
		s.metrics.observeConnectionAccepted()
		s.logger.Debug("ratpc: connection accepted",
			slog.String("conn_id", conn.ID), slog.String("remote_addr", conn.RemoteAddr()))

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			conn.readLoop(s)
		}()
	}
}

// sweepLoop periodically evicts idle, zero-outstanding connections
// (spec.md §4.1's idle-connection sweep) on every tick. Each sweep starts
// at a random position in a snapshot of the registry and scans onward,
// wrapping around, until MaxEvictionsPerSweep connections are evicted or
// every connection has been looked at once.
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			evicted := s.registry.sweepIdle(s.cfg.MaxIdleTime, s.cfg.MaxEvictionsPerSweep)
			for _, c := range evicted {
				c.Close()
				s.metrics.observeConnectionEvicted()
			}
			if len(evicted) > 0 {
				s.logger.Debug("ratpc: idle sweep evicted connections", slog.Int("count", len(evicted)))
			}
		}
	}
}
