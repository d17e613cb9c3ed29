package ratpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jroosing/hrpcd/internal/pool"
)

// bufferPool reuses the scratch buffers buildResponseFrame needs per
// call, avoiding an allocation pair on every response under load.
var bufferPool = pool.New(func() *bytes.Buffer { return new(bytes.Buffer) })

// handlerLoop is one Handler-pool worker of spec.md §4.3: pop a Call off
// the Call Queue, invoke the application Dispatcher, serialize the
// result (or error) onto the reply frame, and hand the frame to the
// owning Connection's response queue. A fixed number of these goroutines
// run for the server's lifetime.
func (s *Server) handlerLoop() {
	for {
		select {
		case <-s.shutdownCh:
			return
		case call, ok := <-s.callQueue:
			if !ok {
				return
			}
			s.busyHandlers.Add(1)
			s.metrics.incHandlerBusy()
			s.handleOne(call)
			s.metrics.decHandlerBusy()
			s.busyHandlers.Add(-1)
		}
	}
}

// handleOne dispatches a single Call and enqueues its response frame. A
// panic inside the application Dispatcher is recovered and reported as
// an ordinary call error (spec.md §7: a misbehaving handler must not
// take down the server), matching the teacher's never-let-one-query-crash
// posture in query_handler.go.
func (s *Server) handleOne(call *Call) {
	resp, dispatchErr := s.dispatchRecovered(call)

	frame, err := s.buildResponseFrame(call, resp, dispatchErr)
	if err != nil {
		s.logger.Warn("ratpc: failed to serialize response, closing connection",
			slog.Int64("call_id", int64(call.ID)), slog.Any("err", err))
		call.Conn.Close()
		return
	}

	if err := s.throttler.Increase(int64(len(frame))); err != nil {
		// Server stopped while waiting for throttle headroom; drop the
		// response rather than block a handler goroutine past shutdown.
		return
	}
	call.Response = frame
	call.EnqueuedAt = time.Now()

	s.metrics.observeCallCompleted(dispatchErr != nil)
	s.observeCall(call, dispatchErr)
	call.Conn.enqueueResponse(call)
}

// observeCall reports a completed call to the configured Observer, if
// any. Runs on the Handler goroutine, so a slow Observer throttles
// that handler's throughput (internal/audit, for one, writes its row
// before returning).
func (s *Server) observeCall(call *Call, dispatchErr error) {
	if s.cfg.Observer == nil {
		return
	}
	rec := CallRecord{
		CallID:        call.ID,
		ConnectionID:  call.Conn.ID,
		RemoteAddr:    call.Conn.RemoteAddr(),
		Identity:      string(call.Conn.Identity()),
		Tag:           call.Tag,
		ReceivedAt:    call.ReceivedAt,
		Duration:      time.Since(call.ReceivedAt),
		ResponseBytes: len(call.Response),
		Failed:        dispatchErr != nil,
	}
	if dispatchErr != nil {
		rec.ErrorMessage = dispatchErr.Error()
	}
	s.cfg.Observer.ObserveCall(rec)
}

func (s *Server) dispatchRecovered(call *Call) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ratpc: handler panic: %v", r)
		}
	}()

	ctx := &CallContext{
		CallID:           call.ID,
		Connection:       call.Conn,
		Version:          call.Version,
		Tag:              call.Tag,
		ProfileRequested: call.Profile,
		Identity:         call.Conn.Identity(),
		ReceivedAt:       call.ReceivedAt,
		responseBudget:   call.budget,
	}
	resp, err = s.dispatcher.Dispatch(ctx, call.Request)
	return resp, err
}

// buildResponseFrame serializes the reply frame for call (spec.md §4.3,
// §6): call id, a status byte, (version>=4) the UTF-8 name of the
// response compression algorithm in the clear, then the compressed body
// -- either the error class and message, or the response object followed
// by the optional profiling fields.
func (s *Server) buildResponseFrame(call *Call, resp any, dispatchErr error) ([]byte, error) {
	body := bufferPool.Get()
	body.Reset()
	defer bufferPool.Put(body)

	cw, err := compressWriteCloser(call.ResponseCodec, body)
	if err != nil {
		return nil, err
	}

	if dispatchErr != nil {
		if err := writeUTF(cw, errorClassName(dispatchErr)); err != nil {
			return nil, fmt.Errorf("ratpc: write error class: %w", err)
		}
		if err := writeUTF(cw, dispatchErr.Error()); err != nil {
			return nil, fmt.Errorf("ratpc: write error message: %w", err)
		}
	} else {
		payload := bufferPool.Get()
		payload.Reset()
		if err := s.cfg.EncodeResponse(payload, resp); err != nil {
			bufferPool.Put(payload)
			return nil, fmt.Errorf("ratpc: encode response: %w", err)
		}
		_, werr := cw.Write(payload.Bytes())
		bufferPool.Put(payload)
		if werr != nil {
			return nil, fmt.Errorf("ratpc: write response body: %w", werr)
		}
		if call.Version >= 4 {
			if err := writeProfilingFields(cw, call); err != nil {
				return nil, err
			}
		}
	}
	if err := cw.Close(); err != nil {
		return nil, fmt.Errorf("ratpc: close compressor: %w", err)
	}

	frame := bufferPool.Get()
	frame.Reset()
	defer bufferPool.Put(frame)

	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], uint32(call.ID))
	frame.Write(idBuf[:])
	if dispatchErr != nil {
		frame.WriteByte(1)
	} else {
		frame.WriteByte(0)
	}
	if call.Version >= 4 {
		if err := writeUTF(frame, call.ResponseCodec.String()); err != nil {
			return nil, fmt.Errorf("ratpc: write response compression name: %w", err)
		}
	}
	frame.Write(body.Bytes())

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(frame.Len()))

	out := make([]byte, 0, 4+frame.Len())
	out = append(out, lenBuf[:]...)
	out = append(out, frame.Bytes()...)
	return out, nil
}

// writeProfilingFields writes the success-path `profiled bool,
// [profiling_record]` tail (spec.md §4.3 field 5, §6) when the caller
// requested profiling on the call's options_record. The dispatcher may
// populate Call.ProfilingData itself; if it didn't but profiling was
// requested, the core falls back to a minimal record of its own: the
// elapsed microseconds between the call's receipt and response framing.
func writeProfilingFields(w io.Writer, call *Call) error {
	if !call.Profile {
		_, err := w.Write([]byte{0})
		return err
	}
	if _, err := w.Write([]byte{1}); err != nil {
		return fmt.Errorf("ratpc: write profiled flag: %w", err)
	}
	record := call.ProfilingData
	if record == nil {
		record = defaultProfilingRecord(call)
	}
	if err := writeByteBlock(w, record); err != nil {
		return fmt.Errorf("ratpc: write profiling record: %w", err)
	}
	return nil
}

// defaultProfilingRecord is the core's own minimal profiling record when
// a call requests profiling but the Dispatcher never set
// Call.ProfilingData: 8 bytes, big-endian microseconds elapsed between
// ReceivedAt and response serialization.
func defaultProfilingRecord(call *Call) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(time.Since(call.ReceivedAt).Microseconds()))
	return buf[:]
}
