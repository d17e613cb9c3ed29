package ratpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// callOptions is the options_record wire structure negotiated on every
// call when version >= 4 (spec.md §6): {tx_compression, rx_compression,
// profile, optional tag}. The exact byte layout is this core's own
// concrete encoding of the fields spec.md names (no original HBase IPC
// source bytes were available to reproduce verbatim -- see DESIGN.md).
type callOptions struct {
	Tx      Compression
	Rx      Compression
	Profile bool
	Tag     string
	HasTag  bool
}

func decodeCallOptions(r io.Reader) (callOptions, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return callOptions{}, fmt.Errorf("ratpc: read options header: %w", err)
	}
	tx, err := compressionFromByte(hdr[0])
	if err != nil {
		return callOptions{}, err
	}
	rx, err := compressionFromByte(hdr[1])
	if err != nil {
		return callOptions{}, err
	}
	opts := callOptions{Tx: tx, Rx: rx, Profile: hdr[2] != 0}

	var hasTag [1]byte
	if _, err := io.ReadFull(r, hasTag[:]); err != nil {
		return callOptions{}, fmt.Errorf("ratpc: read options tag flag: %w", err)
	}
	if hasTag[0] != 0 {
		tag, err := readUTF(r)
		if err != nil {
			return callOptions{}, fmt.Errorf("ratpc: read options tag: %w", err)
		}
		opts.Tag = tag
		opts.HasTag = true
	}
	return opts, nil
}

func encodeCallOptions(w *bytes.Buffer, opts callOptions) {
	w.WriteByte(opts.Tx.byte())
	w.WriteByte(opts.Rx.byte())
	if opts.Profile {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	if opts.Tag != "" {
		w.WriteByte(1)
		_ = writeUTF(w, opts.Tag) // *bytes.Buffer.Write never errors
	} else {
		w.WriteByte(0)
	}
}

// readUTF reads a uint16-big-endian-length-prefixed UTF-8 string.
func readUTF(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// writeUTF writes a uint16-big-endian-length-prefixed UTF-8 string. It
// takes a plain io.Writer (rather than *bytes.Buffer) so the same helper
// can write into a compression stream as well as a plain buffer.
func writeUTF(w io.Writer, s string) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// writeByteBlock writes a uint32-big-endian-length-prefixed byte blob,
// used for the profiling record (spec.md §4.3/§6), whose contents are
// opaque to the core.
func writeByteBlock(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

// readByteBlock reads a uint32-big-endian-length-prefixed byte blob.
func readByteBlock(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
