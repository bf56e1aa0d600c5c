// Package wire defines the newline-delimited JSON framing used between the
// streamer and its listeners. A message is one JSON document followed by a
// single line feed; the line feed is the only framing signal on the stream.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Delimiter terminates every encoded message. JSON encoding never emits a
// raw line feed inside a document, so the byte is unambiguous on the stream.
const Delimiter = '\n'

// DefaultMaxMessageSize caps a single framed message. A stream that exceeds
// it without a delimiter is malformed or hostile.
const DefaultMaxMessageSize = 8 * 1024 * 1024

const readChunkSize = 4096

// Encode serializes a frame and appends the delimiter.
func Encode(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return append(data, Delimiter), nil
}

// Decode parses a single message without its delimiter.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return &f, nil
}

// Reader splits a byte stream into delimiter-framed messages. Empty
// candidates (two delimiters back to back) are skipped silently. A decode
// failure of one message never affects the buffer state for the next one:
// Reader only frames, it does not parse.
type Reader struct {
	r       io.Reader
	buf     []byte
	chunk   []byte
	maxSize int
	err     error
}

// NewReader wraps an ordered byte stream.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:       r,
		chunk:   make([]byte, readChunkSize),
		maxSize: DefaultMaxMessageSize,
	}
}

// Next blocks until a complete non-empty message is available and returns it
// without the delimiter. The returned slice is a copy and stays valid across
// subsequent calls. Stream errors (including io.EOF on remote close) are
// returned as-is.
func (r *Reader) Next() ([]byte, error) {
	for {
		if i := bytes.IndexByte(r.buf, Delimiter); i >= 0 {
			line := r.buf[:i]
			r.buf = r.buf[i+1:]
			if len(line) == 0 {
				continue
			}
			msg := make([]byte, len(line))
			copy(msg, line)
			return msg, nil
		}

		// Buffered messages drain before a stream error is surfaced.
		if r.err != nil {
			return nil, r.err
		}

		if len(r.buf) > r.maxSize {
			return nil, fmt.Errorf("message exceeds %d bytes without delimiter", r.maxSize)
		}

		n, err := r.r.Read(r.chunk)
		if n > 0 {
			r.buf = append(r.buf, r.chunk[:n]...)
		}
		if err != nil {
			r.err = err
		}
	}
}
