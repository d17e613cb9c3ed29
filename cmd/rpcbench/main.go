// Command rpcbench load-tests a running hrpcd server: it opens a pool
// of TCP connections, performs the length-framed handshake, then fires
// a configurable number of echo-style calls per connection and reports
// latency percentiles and throughput.
package main

import (
	"bufio"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"
)

func main() {
	var (
		server      = flag.String("server", "127.0.0.1:16020", "hrpcd server HOST:PORT")
		payload     = flag.String("payload", "ping", "Request body sent on every call")
		concurrency = flag.Int("concurrency", 50, "Number of concurrent connections")
		requests    = flag.Int("requests", 20000, "Total number of calls across all connections")
		timeout     = flag.Duration("timeout", 5*time.Second, "Per-call read/write deadline")
	)
	flag.Parse()

	conc := *concurrency
	if conc < 1 {
		conc = 1
	}
	total := *requests
	if total < 1 {
		total = 1
	}
	per := total / conc
	rem := total % conc

	var lat []float64
	var latMu sync.Mutex
	var failures int64
	var failMu sync.Mutex

	t0 := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < conc; i++ {
		n := per
		if i < rem {
			n++
		}
		if n <= 0 {
			continue
		}
		wg.Add(1)
		go func(num int) {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", *server, *timeout)
			if err != nil {
				failMu.Lock()
				failures += int64(num)
				failMu.Unlock()
				return
			}
			defer conn.Close()

			if err := handshake(conn); err != nil {
				failMu.Lock()
				failures += int64(num)
				failMu.Unlock()
				return
			}
			r := bufio.NewReader(conn)

			for j := 0; j < num; j++ {
				callID := int32(j + 1)
				start := time.Now()
				_ = conn.SetDeadline(time.Now().Add(*timeout))
				if err := writeCall(conn, callID, *payload); err != nil {
					recordFailure(&failures, &failMu)
					continue
				}
				if _, _, _, err := readResponse(r); err != nil {
					recordFailure(&failures, &failMu)
					continue
				}
				ms := float64(time.Since(start).Microseconds()) / 1000.0
				latMu.Lock()
				lat = append(lat, ms)
				latMu.Unlock()
			}
		}(n)
	}
	wg.Wait()
	elapsed := time.Since(t0).Seconds()

	if len(lat) == 0 {
		fmt.Printf("no successful calls (failures=%d)\n", failures)
		return
	}
	sort.Float64s(lat)
	qps := float64(len(lat)) / elapsed

	fmt.Printf("server=%s concurrency=%d requests=%d failures=%d\n", *server, conc, len(lat), failures)
	fmt.Printf("elapsed_s=%.3f qps=%.1f\n", elapsed, qps)
	fmt.Printf("latency_ms p50=%.3f p95=%.3f p99=%.3f min=%.3f max=%.3f\n",
		percentile(lat, 50), percentile(lat, 95), percentile(lat, 99), lat[0], lat[len(lat)-1])
}

func recordFailure(failures *int64, mu *sync.Mutex) {
	mu.Lock()
	*failures++
	mu.Unlock()
}

// wire constants mirror internal/ratpc's handshake and frame layout;
// duplicated here because ratpc's framing is an unexported protocol
// detail of the server, not a client library this command can import.
const (
	wireMagic      = "hrpc"
	currentVersion = 4
)

func handshake(conn net.Conn) error {
	if _, err := conn.Write(append([]byte(wireMagic), currentVersion)); err != nil {
		return err
	}
	// Empty identity blob frame, required once per connection.
	return writeFrame(conn, nil)
}

func writeFrame(conn net.Conn, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		_, err := conn.Write(payload)
		return err
	}
	return nil
}

func writeCall(conn net.Conn, callID int32, body string) error {
	var buf []byte
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], uint32(callID))
	buf = append(buf, idBuf[:]...)
	// options_record: tx=none, rx=none, profile=false, no tag.
	buf = append(buf, 0, 0, 0, 0)
	buf = append(buf, body...)
	return writeFrame(conn, buf)
}

func readResponse(r *bufio.Reader) (callID int32, isErr bool, body []byte, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, false, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	frame := make([]byte, length)
	if _, err = io.ReadFull(r, frame); err != nil {
		return 0, false, nil, err
	}
	callID = int32(binary.BigEndian.Uint32(frame[0:4]))
	isErr = frame[4] != 0
	return callID, isErr, frame[5:], nil
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	idx := int(float64(len(sorted))*float64(p)/100.0) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
