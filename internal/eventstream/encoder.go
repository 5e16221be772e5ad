package eventstream

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Encode renders the frame back into wire format: headers in HeaderNames
// order, both CRCs recomputed. Decoding a well-formed frame and re-encoding
// it reproduces the original bytes.
func (f *Frame) Encode() ([]byte, error) {
	headerBlock, err := f.encodeHeaders()
	if err != nil {
		return nil, err
	}

	totalLen := frameOverhead + len(headerBlock) + len(f.Payload)
	out := make([]byte, 0, totalLen)

	prelude := make([]byte, 8)
	binary.BigEndian.PutUint32(prelude[0:4], uint32(totalLen))
	binary.BigEndian.PutUint32(prelude[4:8], uint32(len(headerBlock)))
	out = append(out, prelude...)
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(prelude))

	out = append(out, headerBlock...)
	out = append(out, f.Payload...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out)), nil
}

func (f *Frame) encodeHeaders() ([]byte, error) {
	var block []byte
	for _, name := range f.HeaderNames {
		value, ok := f.Headers[name]
		if !ok {
			return nil, fmt.Errorf("eventstream: header %q listed but missing", name)
		}
		if len(name) == 0 || len(name) > 255 {
			return nil, fmt.Errorf("eventstream: invalid header name length %d", len(name))
		}
		block = append(block, byte(len(name)))
		block = append(block, name...)
		block = append(block, byte(value.Type))

		switch value.Type {
		case headerTypeBoolTrue, headerTypeBoolFalse:
		case headerTypeByte:
			block = append(block, byte(int8(value.Int)))
		case headerTypeShort:
			block = binary.BigEndian.AppendUint16(block, uint16(value.Int))
		case headerTypeInt:
			block = binary.BigEndian.AppendUint32(block, uint32(value.Int))
		case headerTypeLong:
			block = binary.BigEndian.AppendUint64(block, uint64(value.Int))
		case headerTypeByteArray:
			if len(value.Bytes) > 0xFFFF {
				return nil, fmt.Errorf("eventstream: header %q byte value too long", name)
			}
			block = binary.BigEndian.AppendUint16(block, uint16(len(value.Bytes)))
			block = append(block, value.Bytes...)
		case headerTypeString:
			if len(value.String) > 0xFFFF {
				return nil, fmt.Errorf("eventstream: header %q string value too long", name)
			}
			block = binary.BigEndian.AppendUint16(block, uint16(len(value.String)))
			block = append(block, value.String...)
		case headerTypeTimestamp:
			block = binary.BigEndian.AppendUint64(block, uint64(value.Timestamp))
		case headerTypeUUID:
			block = append(block, value.UUID[:]...)
		default:
			return nil, fmt.Errorf("eventstream: unknown header type %d for %q", value.Type, name)
		}
	}
	return block, nil
}
