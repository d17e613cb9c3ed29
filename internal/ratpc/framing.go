package ratpc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// framingState is the per-socket scratchpad spec.md §3 requires survive
// across partial reads: whether the magic/version header has been seen,
// whether the identity header has been seen, and the bufio.Reader that
// buffers the underlying socket.
//
// In the reference design this struct exists so a Java NIO selector
// thread can resume a frame mid-read after a short read. Go's io.ReadFull
// already blocks the connection's own goroutine until a frame is
// complete or the socket errors, which collapses most of that state
// machine -- but the struct is kept anyway (not simplified into a single
// loop with local variables) specifically so the idle sweep and an
// external Close() can interrupt a stalled read between frames without
// losing whether the handshake/identity steps have already happened
// (spec.md §4.2).
type framingState struct {
	conn        *Connection
	r           *bufio.Reader
	versionSeen bool
	headerSeen  bool
	version     uint8
}

// readLoop is the Reader role of spec.md §4.2, folded into the
// connection's own goroutine (SPEC_FULL.md §B): it runs the framing state
// machine for this connection's socket until the connection is closed,
// handing the CPU-bound half of each call's parse (decompression +
// request decode) to the server's bounded deserialization pool before
// performing the load-bearing blocking send onto the Call Queue.
func (c *Connection) readLoop(srv *Server) {
	defer c.Close()

	c.framing.r = bufio.NewReaderSize(c.conn, srv.cfg.WriteChunkSize())

	if err := c.framing.readHandshake(); err != nil {
		srv.logProtocolError(c, err)
		return
	}
	c.touch()

	for {
		if c.Closed() || srv.stopping() {
			return
		}

		payload, isPing, err := c.framing.readFrame(srv.cfg.MaxFrameBytes)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedConnErr(err) {
				srv.logProtocolError(c, err)
			}
			return
		}
		c.touch()

		if isPing {
			srv.metrics.observePing()
			continue
		}

		if !c.framing.headerSeen {
			c.setIdentity(payload)
			c.framing.headerSeen = true
			continue
		}

		if err := srv.parseAndEnqueue(c, payload); err != nil {
			srv.logProtocolError(c, err)
			return
		}
	}
}

// readHandshake reads the one-time magic+version header (spec.md §4.2
// step 2): 4 bytes ASCII magic, then 1 version byte.
func (f *framingState) readHandshake() error {
	var hdr [5]byte
	if _, err := io.ReadFull(f.r, hdr[:]); err != nil {
		return fmt.Errorf("ratpc: read handshake: %w", err)
	}
	if string(hdr[:4]) != wireMagic {
		return fmt.Errorf("%w: got %q", ErrBadMagic, hdr[:4])
	}
	version := hdr[4]
	if version < MinVersion || version > CurrentVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	f.version = version
	f.versionSeen = true
	return nil
}

// readFrame reads one length-prefixed frame (spec.md §4.2 steps 3-4).
// A length equal to pingSentinel denotes a keepalive with no payload.
func (f *framingState) readFrame(maxFrameBytes int) (payload []byte, isPing bool, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f.r, lenBuf[:]); err != nil {
		return nil, false, err
	}
	length := int32(binary.BigEndian.Uint32(lenBuf[:]))
	if length == pingSentinel {
		return nil, true, nil
	}
	if length < 0 || (maxFrameBytes > 0 && int(length) > maxFrameBytes) {
		return nil, false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return nil, false, fmt.Errorf("ratpc: read payload: %w", err)
	}
	return buf, false, nil
}

// parseAndEnqueue performs the Call-parse step of spec.md §4.2: decode
// the uncompressed call id and (version>=4) options record inline -- both
// are a handful of bytes already sitting in payload -- then hand the
// CPU-bound remainder (decompression + request decode) to the
// deserialization pool, which performs the load-bearing blocking send
// onto the Call Queue once the Call is built.
//
// This call blocks its connection's read goroutine until that pool task
// completes (decode finished and the Call either reached the Call Queue
// or the connection was closed on decode failure): spec.md §5 and §8
// property 2 require pipelined requests on one connection to reach the
// application dispatcher in arrival order, and two frames from the same
// connection handed to two different pool workers could otherwise
// finish decoding and enqueue out of order. The pool still bounds the
// CPU-bound decode work by worker count across every connection at
// once; only the ordering within a single connection is now serialized
// by having its read goroutine wait here before reading the next frame.
func (s *Server) parseAndEnqueue(c *Connection, payload []byte) error {
	r := bytes.NewReader(payload)

	var idBuf [4]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return fmt.Errorf("ratpc: read call id: %w", err)
	}
	callID := int32(binary.BigEndian.Uint32(idBuf[:]))

	opts := callOptions{Tx: CompressionNone, Rx: CompressionNone}
	if c.framing.version >= 4 {
		var err error
		opts, err = decodeCallOptions(r)
		if err != nil {
			return err
		}
	}

	remaining := make([]byte, r.Len())
	_, _ = io.ReadFull(r, remaining)

	now := time.Now()
	done := make(chan struct{})
	s.deserializePool.Submit(func() {
		defer close(done)
		s.decodeAndEnqueue(c, callID, opts, remaining, now)
	})
	select {
	case <-done:
	case <-s.shutdownCh:
	}
	return nil
}

// decodeAndEnqueue runs on a deserialization pool worker: it decompresses
// and decodes the request object, builds the Call, and performs the
// blocking send onto the Call Queue. Any decode failure here closes the
// connection (spec.md §4.2 error semantics) since it cannot be reported
// to the peer without a corresponding call id having been accepted.
func (s *Server) decodeAndEnqueue(c *Connection, callID int32, opts callOptions, body []byte, received time.Time) {
	stream, err := decompressReader(opts.Tx, bytes.NewReader(body))
	if err != nil {
		s.logProtocolError(c, err)
		c.Close()
		return
	}
	decoded, err := io.ReadAll(stream)
	if err != nil {
		s.logProtocolError(c, fmt.Errorf("ratpc: decompress request: %w", err))
		c.Close()
		return
	}
	req, err := s.cfg.DecodeRequest(bytes.NewReader(decoded))
	if err != nil {
		s.logProtocolError(c, fmt.Errorf("ratpc: decode request: %w", err))
		c.Close()
		return
	}

	call := &Call{
		ID:            callID,
		Conn:          c,
		ReceivedAt:    received,
		Version:       c.framing.version,
		RequestCodec:  opts.Tx,
		ResponseCodec: opts.Rx,
		Profile:       opts.Profile,
		Tag:           opts.Tag,
		Request:       req,
		budget:        &responseBudget{ceiling: s.cfg.MaxResponseBytes},
	}

	select {
	case s.callQueue <- call:
		c.outstanding.Add(1)
		s.metrics.observeCallAccepted()
	case <-s.shutdownCh:
	}
}

func isClosedConnErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

func (s *Server) logProtocolError(c *Connection, err error) {
	if s.logger == nil {
		return
	}
	s.logger.Debug("ratpc: connection closed on protocol error",
		slog.String("remote", c.RemoteAddr()),
		slog.Any("err", err),
	)
}
