package eventstream

import (
	"errors"
	"fmt"
	"io"
)

// readChunkSize is the size of each read from the underlying byte source.
const readChunkSize = 32 * 1024

// Reader decodes a finite sequence of frames from a chunked byte source such
// as an HTTPS response body. It keeps a rolling buffer across reads; a decode
// error is terminal and the reader never attempts to resync.
type Reader struct {
	source  io.Reader
	decoder *Decoder
	buf     []byte
	err     error
	eof     bool
}

// NewReader wraps a byte source with a frame decoder.
func NewReader(source io.Reader, decoder *Decoder) *Reader {
	if decoder == nil {
		decoder = NewDecoder(0)
	}
	return &Reader{source: source, decoder: decoder}
}

// Next returns the next decoded frame. It returns (nil, io.EOF) when the
// source closes with the buffer fully drained. Any decode error or a source
// that ends mid-frame is terminal.
func (r *Reader) Next() (*Frame, error) {
	if r.err != nil {
		return nil, r.err
	}

	for {
		frame, consumed, err := r.decoder.DecodeOne(r.buf)
		if err != nil {
			r.err = err
			return nil, err
		}
		if frame != nil {
			r.consume(consumed)
			return frame, nil
		}

		if r.eof {
			if len(r.buf) > 0 {
				r.err = fmt.Errorf("eventstream: stream ended with %d trailing bytes", len(r.buf))
				return nil, r.err
			}
			r.err = io.EOF
			return nil, io.EOF
		}

		if err := r.fill(); err != nil {
			r.err = err
			return nil, err
		}
	}
}

// fill appends the next chunk from the source onto the rolling buffer.
func (r *Reader) fill() error {
	chunk := make([]byte, readChunkSize)
	n, err := r.source.Read(chunk)
	if n > 0 {
		r.buf = append(r.buf, chunk[:n]...)
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.eof = true
			return nil
		}
		return fmt.Errorf("eventstream: read failed: %w", err)
	}
	return nil
}

// consume drops a decoded prefix from the rolling buffer.
func (r *Reader) consume(n int) {
	remaining := len(r.buf) - n
	if remaining == 0 {
		r.buf = r.buf[:0]
		return
	}
	copy(r.buf, r.buf[n:])
	r.buf = r.buf[:remaining]
}
