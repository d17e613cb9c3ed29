package ratpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoDecode/echoEncode treat the request/response body as a length-
// prefixed UTF-8 string (spec.md §9 leaves the application codec to the
// caller; a self-delimiting encoding is what lets a response frame carry
// trailing protocol fields -- profiled bool, profiling record -- after
// the application payload without either side needing to guess where the
// payload ends).
func echoDecode(r *bytes.Reader) (any, error) {
	return readUTF(r)
}

func echoEncode(w *bytes.Buffer, resp any) error {
	return writeUTF(w, resp.(string))
}

// rawDecode/rawEncode are a bare passthrough codec (no self-delimiting
// length prefix) for tests that drive raw socket backpressure and never
// parse a response frame back out.
func rawDecode(r *bytes.Reader) (any, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func rawEncode(w *bytes.Buffer, resp any) error {
	w.WriteString(resp.(string))
	return nil
}

func newTestServer(t *testing.T, dispatcher Dispatcher) (*Server, string) {
	t.Helper()
	srv := New(Config{
		ListenAddr:      "127.0.0.1:0",
		Listeners:       1,
		HandlerCount:    4,
		PerHandlerLimit: 8,
		DecodeRequest:   echoDecode,
		EncodeResponse:  echoEncode,
	}, dispatcher, nil)

	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, srv.listeners[0].Addr().String()
}

func dialAndHandshake(t *testing.T, addr string, version byte) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = conn.Write(append([]byte(wireMagic), version))
	require.NoError(t, err)
	// Identity blob frame (empty), required once per connection before
	// any call frame (spec.md §4.2).
	writeFrame(t, conn, nil)
	return conn
}

func writeFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	_, err := conn.Write(lenBuf[:])
	require.NoError(t, err)
	if len(payload) > 0 {
		_, err = conn.Write(payload)
		require.NoError(t, err)
	}
}

// writeCallFrame writes a version>=4 call frame with an options_record.
func writeCallFrame(t *testing.T, conn net.Conn, callID int32, opts callOptions, body string) {
	t.Helper()
	var payload bytes.Buffer
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], uint32(callID))
	payload.Write(idBuf[:])
	encodeCallOptions(&payload, opts)
	require.NoError(t, writeUTF(&payload, body))
	writeFrame(t, conn, payload.Bytes())
}

// writeCallFrameV3 writes a version-3 call frame: no options_record at
// all (spec.md §8 property 8 -- a v3 peer never has one read or written).
func writeCallFrameV3(t *testing.T, conn net.Conn, callID int32, body string) {
	t.Helper()
	var payload bytes.Buffer
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], uint32(callID))
	payload.Write(idBuf[:])
	require.NoError(t, writeUTF(&payload, body))
	writeFrame(t, conn, payload.Bytes())
}

// responseFrame is the test client's decoded view of a reply frame,
// covering every field spec.md §6 names.
type responseFrame struct {
	CallID          int32
	IsErr           bool
	CompressionName string
	ErrClass        string
	ErrMessage      string
	Body            []byte
	Profiled        bool
	ProfilingRecord []byte
}

// readResponseFrame decodes a full reply frame per spec.md §4.3/§6,
// including the version>=4 response_compression_name field, the
// error-class/error-message pair on the error path, and the
// profiled/profiling_record pair on the success path.
func readResponseFrame(t *testing.T, r *bufio.Reader, version byte) responseFrame {
	t.Helper()
	var lenBuf [4]byte
	_, err := io.ReadFull(r, lenBuf[:])
	require.NoError(t, err)
	length := binary.BigEndian.Uint32(lenBuf[:])
	frame := make([]byte, length)
	_, err = io.ReadFull(r, frame)
	require.NoError(t, err)

	br := bytes.NewReader(frame)

	var idBuf [4]byte
	_, err = io.ReadFull(br, idBuf[:])
	require.NoError(t, err)
	out := responseFrame{CallID: int32(binary.BigEndian.Uint32(idBuf[:]))}

	var errByte [1]byte
	_, err = io.ReadFull(br, errByte[:])
	require.NoError(t, err)
	out.IsErr = errByte[0] != 0

	codec := CompressionNone
	if version >= 4 {
		out.CompressionName, err = readUTF(br)
		require.NoError(t, err)
		codec, err = ParseCompression(out.CompressionName)
		require.NoError(t, err)
	}

	stream, err := decompressReader(codec, br)
	require.NoError(t, err)

	if out.IsErr {
		out.ErrClass, err = readUTF(stream)
		require.NoError(t, err)
		out.ErrMessage, err = readUTF(stream)
		require.NoError(t, err)
		return out
	}

	body, err := readUTF(stream)
	require.NoError(t, err)
	out.Body = []byte(body)

	if version >= 4 {
		var profiledByte [1]byte
		_, err = io.ReadFull(stream, profiledByte[:])
		require.NoError(t, err)
		out.Profiled = profiledByte[0] != 0
		if out.Profiled {
			out.ProfilingRecord, err = readByteBlock(stream)
			require.NoError(t, err)
		}
	}
	return out
}

func TestServer_RoundTripEcho(t *testing.T) {
	dispatcher := DispatcherFunc(func(ctx *CallContext, req any) (any, error) {
		return req.(string) + "-pong", nil
	})
	_, addr := newTestServer(t, dispatcher)

	conn := dialAndHandshake(t, addr, CurrentVersion)
	defer conn.Close()
	r := bufio.NewReader(conn)

	writeCallFrame(t, conn, 1, callOptions{Tx: CompressionNone, Rx: CompressionNone}, "ping")

	resp := readResponseFrame(t, r, CurrentVersion)
	require.Equal(t, int32(1), resp.CallID)
	require.False(t, resp.IsErr)
	require.Equal(t, "NONE", resp.CompressionName)
	require.Equal(t, "ping-pong", string(resp.Body))
	require.False(t, resp.Profiled)
}

func TestServer_CompressedResponseAnnouncesCodecName(t *testing.T) {
	// S2: rx=GZ on the request negotiates the response codec; the reply
	// frame must announce "GZ" in the clear before the gzip-compressed
	// body, or no conforming client could decompress it.
	dispatcher := DispatcherFunc(func(ctx *CallContext, req any) (any, error) {
		return req.(string) + "-pong", nil
	})
	_, addr := newTestServer(t, dispatcher)

	conn := dialAndHandshake(t, addr, CurrentVersion)
	defer conn.Close()
	r := bufio.NewReader(conn)

	writeCallFrame(t, conn, 7, callOptions{Tx: CompressionNone, Rx: CompressionGZIP}, "ping")

	resp := readResponseFrame(t, r, CurrentVersion)
	require.Equal(t, int32(7), resp.CallID)
	require.False(t, resp.IsErr)
	require.Equal(t, "GZ", resp.CompressionName)
	require.Equal(t, "ping-pong", string(resp.Body))
}

func TestServer_DispatcherErrorReportedOnReplyFrame(t *testing.T) {
	dispatcher := DispatcherFunc(func(ctx *CallContext, req any) (any, error) {
		return nil, errBoom
	})
	_, addr := newTestServer(t, dispatcher)

	conn := dialAndHandshake(t, addr, CurrentVersion)
	defer conn.Close()
	r := bufio.NewReader(conn)

	writeCallFrame(t, conn, 7, callOptions{Tx: CompressionNone, Rx: CompressionNone}, "whatever")

	resp := readResponseFrame(t, r, CurrentVersion)
	require.Equal(t, int32(7), resp.CallID)
	require.True(t, resp.IsErr)
	require.NotEmpty(t, resp.ErrClass)
	require.Equal(t, "boom", resp.ErrMessage)

	// The connection must remain usable for a subsequent call (spec.md
	// §7, S3).
	writeCallFrame(t, conn, 8, callOptions{Tx: CompressionNone, Rx: CompressionNone}, "whatever")
	resp2 := readResponseFrame(t, r, CurrentVersion)
	require.Equal(t, int32(8), resp2.CallID)
	require.True(t, resp2.IsErr)
}

func TestServer_ErrorFrameCarriesClassifiedClassAndMessage(t *testing.T) {
	// S3: a dispatcher error that supplies its own wire class name
	// (ClassifiedError) round-trips that name, distinct from the message.
	dispatcher := DispatcherFunc(func(ctx *CallContext, req any) (any, error) {
		return nil, illegalArgumentError{msg: "bad"}
	})
	_, addr := newTestServer(t, dispatcher)

	conn := dialAndHandshake(t, addr, CurrentVersion)
	defer conn.Close()
	r := bufio.NewReader(conn)

	writeCallFrame(t, conn, 7, callOptions{Tx: CompressionNone, Rx: CompressionNone}, "whatever")

	resp := readResponseFrame(t, r, CurrentVersion)
	require.True(t, resp.IsErr)
	require.Equal(t, "IllegalArgument", resp.ErrClass)
	require.Equal(t, "bad", resp.ErrMessage)
}

func TestServer_DispatcherPanicRecoveredAsError(t *testing.T) {
	dispatcher := DispatcherFunc(func(ctx *CallContext, req any) (any, error) {
		panic("kaboom")
	})
	_, addr := newTestServer(t, dispatcher)

	conn := dialAndHandshake(t, addr, CurrentVersion)
	defer conn.Close()
	r := bufio.NewReader(conn)

	writeCallFrame(t, conn, 3, callOptions{Tx: CompressionNone, Rx: CompressionNone}, "x")

	resp := readResponseFrame(t, r, CurrentVersion)
	require.Equal(t, int32(3), resp.CallID)
	require.True(t, resp.IsErr)
	require.Contains(t, resp.ErrMessage, "kaboom")
}

func TestServer_ProfilingRecordWrittenWhenRequested(t *testing.T) {
	dispatcher := DispatcherFunc(func(ctx *CallContext, req any) (any, error) {
		return req.(string) + "-pong", nil
	})
	_, addr := newTestServer(t, dispatcher)

	conn := dialAndHandshake(t, addr, CurrentVersion)
	defer conn.Close()
	r := bufio.NewReader(conn)

	writeCallFrame(t, conn, 11, callOptions{Tx: CompressionNone, Rx: CompressionNone, Profile: true}, "ping")

	resp := readResponseFrame(t, r, CurrentVersion)
	require.False(t, resp.IsErr)
	require.Equal(t, "ping-pong", string(resp.Body))
	require.True(t, resp.Profiled)
	require.Len(t, resp.ProfilingRecord, 8)
}

func TestServer_VersionThreeSkipsOptionsAndProfiling(t *testing.T) {
	// Property 8: a v3 peer never has an options record or a profiling
	// bool read or written.
	dispatcher := DispatcherFunc(func(ctx *CallContext, req any) (any, error) {
		return req.(string) + "-pong", nil
	})
	_, addr := newTestServer(t, dispatcher)

	conn := dialAndHandshake(t, addr, 3)
	defer conn.Close()
	r := bufio.NewReader(conn)

	writeCallFrameV3(t, conn, 5, "ping")

	resp := readResponseFrame(t, r, 3)
	require.Equal(t, int32(5), resp.CallID)
	require.False(t, resp.IsErr)
	require.Equal(t, "", resp.CompressionName)
	require.False(t, resp.Profiled)
	require.Equal(t, "ping-pong", string(resp.Body))
}

func TestServer_PipelinedRequestsReachDispatcherInSendOrder(t *testing.T) {
	// Property 2: N pipelined requests on one connection must all reach
	// the application dispatcher in send order. A single Handler makes
	// the observed dispatch order unambiguous.
	var mu sync.Mutex
	var seen []int32
	dispatcher := DispatcherFunc(func(ctx *CallContext, req any) (any, error) {
		mu.Lock()
		seen = append(seen, ctx.CallID)
		mu.Unlock()
		return req, nil
	})

	srv := New(Config{
		ListenAddr:      "127.0.0.1:0",
		Listeners:       1,
		HandlerCount:    1,
		PerHandlerLimit: 32,
		DecodeRequest:   echoDecode,
		EncodeResponse:  echoEncode,
	}, dispatcher, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	addr := srv.listeners[0].Addr().String()

	conn := dialAndHandshake(t, addr, CurrentVersion)
	defer conn.Close()
	r := bufio.NewReader(conn)

	const n = 20
	for i := int32(1); i <= n; i++ {
		writeCallFrame(t, conn, i, callOptions{Tx: CompressionNone, Rx: CompressionNone}, fmt.Sprintf("req-%d", i))
	}
	for i := 0; i < n; i++ {
		readResponseFrame(t, r, CurrentVersion)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, n)
	for i, id := range seen {
		assert.Equal(t, int32(i+1), id)
	}
}

func TestServer_ResponseOrderFollowsCompletionNotArrival(t *testing.T) {
	// Property 3 / the companion to S3's framing: if call 1 ("slow")
	// finishes dispatch after call 2 ("fast"), the Writer must emit
	// call 2's frame first.
	dispatcher := DispatcherFunc(func(ctx *CallContext, req any) (any, error) {
		body := req.(string)
		if body == "slow" {
			time.Sleep(150 * time.Millisecond)
		}
		return body, nil
	})

	srv := New(Config{
		ListenAddr:      "127.0.0.1:0",
		Listeners:       1,
		HandlerCount:    2,
		PerHandlerLimit: 8,
		DecodeRequest:   echoDecode,
		EncodeResponse:  echoEncode,
	}, dispatcher, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	addr := srv.listeners[0].Addr().String()

	conn := dialAndHandshake(t, addr, CurrentVersion)
	defer conn.Close()
	r := bufio.NewReader(conn)

	writeCallFrame(t, conn, 1, callOptions{Tx: CompressionNone, Rx: CompressionNone}, "slow")
	writeCallFrame(t, conn, 2, callOptions{Tx: CompressionNone, Rx: CompressionNone}, "fast")

	first := readResponseFrame(t, r, CurrentVersion)
	assert.Equal(t, int32(2), first.CallID)

	second := readResponseFrame(t, r, CurrentVersion)
	assert.Equal(t, int32(1), second.CallID)
}

func TestServer_ThrottlerAndCallQueueBlockUnderSaturation(t *testing.T) {
	// S5: a client that never drains its socket must eventually push the
	// Throttler to its ceiling (a producing Handler blocked in Increase)
	// and then the bounded Call Queue to capacity (the connection's read
	// goroutine blocked on the queue send), never silently dropping work.
	const respSize = 256 * 1024
	big := strings.Repeat("x", respSize)

	dispatcher := DispatcherFunc(func(ctx *CallContext, req any) (any, error) {
		return big, nil
	})

	srv := New(Config{
		ListenAddr:            "127.0.0.1:0",
		Listeners:             1,
		HandlerCount:          2,
		PerHandlerLimit:       2,
		ResponseQueueMaxBytes: respSize + 1024,
		DecodeRequest:         rawDecode,
		EncodeResponse:        rawEncode,
	}, dispatcher, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	addr := srv.listeners[0].Addr().String()

	conn := dialAndHandshake(t, addr, CurrentVersion)
	defer conn.Close()

	// The client deliberately never reads a single response byte, so
	// every handled call's response queues up behind the Throttler and
	// the socket's own send buffer. A single ~256KiB response already
	// consumes nearly all of the ceiling, so after the first Handler's
	// response is admitted, every other Handler's own Increase call for
	// its own response blocks forever (S5: "assert the producing
	// Handler is blocked").
	for i := int32(1); i <= 8; i++ {
		writeCallFrame(t, conn, i, callOptions{Tx: CompressionNone, Rx: CompressionNone}, fmt.Sprintf("req-%d", i))
	}

	require.Eventually(t, func() bool {
		current, _ := srv.ThrottlerBytes()
		return current > 0
	}, 5*time.Second, 20*time.Millisecond, "throttler never admitted a response")

	current, _ := srv.ThrottlerBytes()
	time.Sleep(200 * time.Millisecond)
	stalled, _ := srv.ThrottlerBytes()
	assert.Equal(t, current, stalled, "throttler kept advancing -- no Handler ever blocked in Increase")

	require.Eventually(t, func() bool {
		return srv.CallQueueDepth() >= srv.cfg.HandlerCount*srv.cfg.PerHandlerLimit
	}, 5*time.Second, 20*time.Millisecond, "call queue never saturated")
}

func TestServer_PingKeepaliveDoesNotProduceResponse(t *testing.T) {
	dispatcher := DispatcherFunc(func(ctx *CallContext, req any) (any, error) {
		return req, nil
	})
	_, addr := newTestServer(t, dispatcher)

	conn := dialAndHandshake(t, addr, CurrentVersion)
	defer conn.Close()
	r := bufio.NewReader(conn)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(pingSentinel))
	_, err := conn.Write(lenBuf[:])
	require.NoError(t, err)

	writeCallFrame(t, conn, 9, callOptions{Tx: CompressionNone, Rx: CompressionNone}, "still-alive")

	resp := readResponseFrame(t, r, CurrentVersion)
	require.Equal(t, int32(9), resp.CallID)
	require.False(t, resp.IsErr)
	require.Equal(t, "still-alive", string(resp.Body))
}

func TestServer_BadMagicClosesConnection(t *testing.T) {
	dispatcher := DispatcherFunc(func(ctx *CallContext, req any) (any, error) { return req, nil })
	_, addr := newTestServer(t, dispatcher)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("nope!"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err) // connection closed without a response
}

var errBoom = boomError{}

type boomError struct{}

func (boomError) Error() string { return "boom" }

type illegalArgumentError struct{ msg string }

func (e illegalArgumentError) Error() string { return e.msg }
func (e illegalArgumentError) Class() string { return "IllegalArgument" }
