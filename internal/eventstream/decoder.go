// Package eventstream implements the AWS event-stream framing used by the
// Kiro upstream: length-prefixed, CRC-verified binary frames carrying typed
// headers and a JSON payload.
package eventstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

// DefaultMaxFrameSize caps the accepted total frame length.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// preludeSize is the fixed byte count before the headers: total_len (4) +
// header_len (4) + prelude CRC (4).
const preludeSize = 12

// frameOverhead is the non-payload byte count of a frame: the prelude plus
// the trailing message CRC.
const frameOverhead = preludeSize + 4

// Decode failure modes. A failed decode never consumes input.
var (
	ErrCorruptPrelude  = errors.New("eventstream: prelude CRC mismatch")
	ErrCorruptFrame    = errors.New("eventstream: message CRC mismatch")
	ErrMalformedHeader = errors.New("eventstream: malformed header block")
	ErrLengthOverflow  = errors.New("eventstream: frame length exceeds cap")
)

// Header value type tags on the wire.
const (
	headerTypeBoolTrue  = 0
	headerTypeBoolFalse = 1
	headerTypeByte      = 2
	headerTypeShort     = 3
	headerTypeInt       = 4
	headerTypeLong      = 5
	headerTypeByteArray = 6
	headerTypeString    = 7
	headerTypeTimestamp = 8
	headerTypeUUID      = 9
)

// HeaderValue is one decoded typed header value.
type HeaderValue struct {
	Bool      bool
	Int       int64
	Bytes     []byte
	String    string
	UUID      uuid.UUID
	Timestamp int64
	Type      int
}

// StringHeader builds a string-typed header value.
func StringHeader(s string) HeaderValue {
	return HeaderValue{Type: headerTypeString, String: s}
}

// Frame is one decoded event-stream record. HeaderNames preserves wire
// order; Headers indexes the same values by name.
type Frame struct {
	HeaderNames []string
	Headers     map[string]HeaderValue
	Payload     []byte
}

// NewEventFrame builds a frame with an ":event-type" header and payload.
// Intended for tests and synthetic event injection.
func NewEventFrame(eventType string, payload []byte) *Frame {
	return &Frame{
		HeaderNames: []string{":event-type"},
		Headers:     map[string]HeaderValue{":event-type": StringHeader(eventType)},
		Payload:     payload,
	}
}

// NewExceptionFrame builds a frame carrying an ":exception-type" header.
func NewExceptionFrame(exceptionType string, payload []byte) *Frame {
	return &Frame{
		HeaderNames: []string{":exception-type"},
		Headers:     map[string]HeaderValue{":exception-type": StringHeader(exceptionType)},
		Payload:     payload,
	}
}

// EventType returns the ":event-type" header value, or "".
func (f *Frame) EventType() string {
	return f.stringHeader(":event-type")
}

// ContentType returns the ":content-type" header value, or "".
func (f *Frame) ContentType() string {
	return f.stringHeader(":content-type")
}

// ExceptionType returns the ":exception-type" header value, or "". A
// non-empty value marks an upstream error frame.
func (f *Frame) ExceptionType() string {
	return f.stringHeader(":exception-type")
}

func (f *Frame) stringHeader(name string) string {
	if v, ok := f.Headers[name]; ok && v.Type == headerTypeString {
		return v.String
	}
	return ""
}

// Decoder parses frames from byte slices. Zero value is not usable; use
// NewDecoder.
type Decoder struct {
	maxFrameSize int
}

// NewDecoder creates a Decoder with the given frame size cap. A cap of zero
// or less selects DefaultMaxFrameSize.
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{maxFrameSize: maxFrameSize}
}

// DecodeOne attempts to decode a single frame from the front of buf.
//
// It returns (nil, 0, nil) when buf does not yet hold a complete frame. On
// success it returns the frame and the consumed byte count, which always
// equals the frame's total length. On failure nothing is consumed.
func (d *Decoder) DecodeOne(buf []byte) (*Frame, int, error) {
	if len(buf) < preludeSize {
		return nil, 0, nil
	}

	totalLen := binary.BigEndian.Uint32(buf[0:4])
	headerLen := binary.BigEndian.Uint32(buf[4:8])
	preludeCRC := binary.BigEndian.Uint32(buf[8:12])

	// The prelude CRC covers the two length fields; verify it before
	// trusting them.
	if crc32.ChecksumIEEE(buf[0:8]) != preludeCRC {
		return nil, 0, ErrCorruptPrelude
	}

	if int64(totalLen) > int64(d.maxFrameSize) {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrLengthOverflow, totalLen, d.maxFrameSize)
	}
	if totalLen < frameOverhead || headerLen > totalLen-frameOverhead {
		return nil, 0, fmt.Errorf("%w: total=%d headers=%d", ErrMalformedHeader, totalLen, headerLen)
	}

	if len(buf) < int(totalLen) {
		return nil, 0, nil
	}

	frame := buf[:totalLen]
	messageCRC := binary.BigEndian.Uint32(frame[totalLen-4:])
	if crc32.ChecksumIEEE(frame[:totalLen-4]) != messageCRC {
		return nil, 0, ErrCorruptFrame
	}

	names, headers, err := decodeHeaders(frame[preludeSize : preludeSize+headerLen])
	if err != nil {
		return nil, 0, err
	}

	payload := make([]byte, totalLen-frameOverhead-headerLen)
	copy(payload, frame[preludeSize+headerLen:totalLen-4])

	return &Frame{HeaderNames: names, Headers: headers, Payload: payload}, int(totalLen), nil
}

// decodeHeaders parses the header block: repeated records of name_len (u8),
// name, type tag (u8), and a type-dependent body.
func decodeHeaders(block []byte) ([]string, map[string]HeaderValue, error) {
	var names []string
	headers := make(map[string]HeaderValue)
	offset := 0

	for offset < len(block) {
		nameLen := int(block[offset])
		offset++
		if nameLen == 0 || offset+nameLen > len(block) {
			return nil, nil, fmt.Errorf("%w: header name out of bounds", ErrMalformedHeader)
		}
		name := string(block[offset : offset+nameLen])
		offset += nameLen

		if offset >= len(block) {
			return nil, nil, fmt.Errorf("%w: missing type tag for %q", ErrMalformedHeader, name)
		}
		tag := int(block[offset])
		offset++

		value := HeaderValue{Type: tag}
		switch tag {
		case headerTypeBoolTrue:
			value.Bool = true
		case headerTypeBoolFalse:
			value.Bool = false
		case headerTypeByte:
			if offset+1 > len(block) {
				return nil, nil, truncatedHeader(name)
			}
			value.Int = int64(int8(block[offset]))
			offset++
		case headerTypeShort:
			if offset+2 > len(block) {
				return nil, nil, truncatedHeader(name)
			}
			value.Int = int64(int16(binary.BigEndian.Uint16(block[offset:])))
			offset += 2
		case headerTypeInt:
			if offset+4 > len(block) {
				return nil, nil, truncatedHeader(name)
			}
			value.Int = int64(int32(binary.BigEndian.Uint32(block[offset:])))
			offset += 4
		case headerTypeLong:
			if offset+8 > len(block) {
				return nil, nil, truncatedHeader(name)
			}
			value.Int = int64(binary.BigEndian.Uint64(block[offset:]))
			offset += 8
		case headerTypeByteArray, headerTypeString:
			if offset+2 > len(block) {
				return nil, nil, truncatedHeader(name)
			}
			valueLen := int(binary.BigEndian.Uint16(block[offset:]))
			offset += 2
			if offset+valueLen > len(block) {
				return nil, nil, truncatedHeader(name)
			}
			body := block[offset : offset+valueLen]
			if tag == headerTypeString {
				value.String = string(body)
			} else {
				value.Bytes = append([]byte(nil), body...)
			}
			offset += valueLen
		case headerTypeTimestamp:
			if offset+8 > len(block) {
				return nil, nil, truncatedHeader(name)
			}
			value.Timestamp = int64(binary.BigEndian.Uint64(block[offset:]))
			offset += 8
		case headerTypeUUID:
			if offset+16 > len(block) {
				return nil, nil, truncatedHeader(name)
			}
			copy(value.UUID[:], block[offset:offset+16])
			offset += 16
		default:
			return nil, nil, fmt.Errorf("%w: unknown type tag %d for %q", ErrMalformedHeader, tag, name)
		}

		names = append(names, name)
		headers[name] = value
	}

	return names, headers, nil
}

func truncatedHeader(name string) error {
	return fmt.Errorf("%w: truncated value for %q", ErrMalformedHeader, name)
}
