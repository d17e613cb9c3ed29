package ratpc

import (
	"fmt"
	"io"

	kpgzip "github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies a wire-negotiable compression algorithm for a
// call's request or response body. It is a fixed, wire-compatible tagged
// enum (spec.md §9 Design Notes) -- never a dynamically resolved class name.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionGZIP
	CompressionLZ4
)

// String returns the UTF-8 name written into the wire's
// response_compression_name field (spec.md §6).
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "NONE"
	case CompressionGZIP:
		return "GZ"
	case CompressionLZ4:
		return "LZ4"
	default:
		return "UNKNOWN"
	}
}

// ParseCompression maps a wire name back to a Compression value.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "NONE", "":
		return CompressionNone, nil
	case "GZ":
		return CompressionGZIP, nil
	case "LZ4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
}

// compressionFromByte maps the single-byte wire enum used in the
// options_record (spec.md §6) to a Compression value.
func compressionFromByte(b byte) (Compression, error) {
	switch b {
	case 0:
		return CompressionNone, nil
	case 1:
		return CompressionGZIP, nil
	case 2:
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("%w: byte %d", ErrUnknownCompression, b)
	}
}

func (c Compression) byte() byte {
	return byte(c)
}

// decompressReader wraps r in a decompression stream for c, or returns r
// unmodified for CompressionNone.
func decompressReader(c Compression, r io.Reader) (io.Reader, error) {
	switch c {
	case CompressionNone:
		return r, nil
	case CompressionGZIP:
		return kpgzip.NewReader(r)
	case CompressionLZ4:
		return lz4.NewReader(r), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCompression, c)
	}
}

// compressWriteCloser wraps w in a compression stream for c. Callers must
// Close the returned writer to flush trailing bytes before the underlying
// buffer is read back, even for CompressionNone (a no-op close).
func compressWriteCloser(c Compression, w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionGZIP:
		return kpgzip.NewWriter(w), nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCompression, c)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
