// Package encoding implements order-preserving byte encodings. Values
// encoded with the Ascending functions compare with bytes.Compare in the
// same order as the values they were encoded from, and concatenations of
// them compare like the tuples they represent.
package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	// bytesMarker prefixes every encoded byte string.
	bytesMarker byte = 0x12

	escape      byte = 0x00
	escapedTerm byte = 0x01
	escaped00   byte = 0xff

	uint64Len = 8
)

var (
	ErrShortBuffer  = errors.New("encoding: buffer too short")
	ErrBadMarker    = errors.New("encoding: unexpected bytes marker")
	ErrBadEscape    = errors.New("encoding: malformed escape sequence")
	ErrNoTerminator = errors.New("encoding: missing bytes terminator")
)

// EncodeUint64Ascending appends the big-endian form of v to b.
func EncodeUint64Ascending(b []byte, v uint64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// DecodeUint64Ascending decodes a value written by EncodeUint64Ascending
// and returns the remaining bytes.
func DecodeUint64Ascending(b []byte) ([]byte, uint64, error) {
	if len(b) < uint64Len {
		return nil, 0, ErrShortBuffer
	}
	return b[uint64Len:], binary.BigEndian.Uint64(b), nil
}

// EncodeBytesAscending appends a self-delimiting encoding of data to b.
// Every 0x00 in data is written as 0x00 0xff and the string is terminated
// by 0x00 0x01, so no encoded string is a prefix of a different one.
func EncodeBytesAscending(b []byte, data []byte) []byte {
	b = append(b, bytesMarker)
	return encodeEscaped(b, data, true)
}

// EncodeBytesPrefixAscending is EncodeBytesAscending without the
// terminator. The result is a byte prefix of the encoding of every string
// that starts with data.
func EncodeBytesPrefixAscending(b []byte, data []byte) []byte {
	b = append(b, bytesMarker)
	return encodeEscaped(b, data, false)
}

func encodeEscaped(b, data []byte, terminate bool) []byte {
	for {
		i := bytes.IndexByte(data, escape)
		if i == -1 {
			break
		}
		b = append(b, data[:i]...)
		b = append(b, escape, escaped00)
		data = data[i+1:]
	}
	b = append(b, data...)
	if terminate {
		b = append(b, escape, escapedTerm)
	}
	return b
}

// DecodeBytesAscending decodes one string written by EncodeBytesAscending,
// appending it to r. It returns the bytes following the terminator.
func DecodeBytesAscending(b []byte, r []byte) ([]byte, []byte, error) {
	if len(b) == 0 {
		return nil, nil, ErrShortBuffer
	}
	if b[0] != bytesMarker {
		return nil, nil, ErrBadMarker
	}
	b = b[1:]
	if r == nil {
		r = []byte{}
	}
	for {
		i := bytes.IndexByte(b, escape)
		if i == -1 {
			return nil, nil, ErrNoTerminator
		}
		if i+1 >= len(b) {
			return nil, nil, ErrBadEscape
		}
		switch b[i+1] {
		case escapedTerm:
			r = append(r, b[:i]...)
			return b[i+2:], r, nil
		case escaped00:
			r = append(r, b[:i]...)
			r = append(r, 0x00)
			b = b[i+2:]
		default:
			return nil, nil, ErrBadEscape
		}
	}
}
