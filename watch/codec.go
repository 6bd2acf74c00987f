package watch

import (
	"fmt"

	"github.com/l-dswatch/pkg/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// keyTag is the first byte of every encoded watch key.
	keyTag byte = 1

	// keyPrefixLen is the tag byte plus the 8-byte table id.
	keyPrefixLen = 1 + 8

	valueVersionField protowire.Number = 2
	valueValueField   protowire.Number = 3
	valueExtendField  protowire.Number = 4
)

// EncodeKey encodes the table id and key columns into an order-preserving
// byte key: tuples that sort before each other produce encoded keys that
// sort before each other under bytes.Compare.
func EncodeKey(tableID uint64, keys [][]byte) ([]byte, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyKey
	}
	buf := make([]byte, 0, keyPrefixLen+encodedLen(keys))
	buf = append(buf, keyTag)
	buf = encoding.EncodeUint64Ascending(buf, tableID)
	for _, k := range keys {
		buf = encoding.EncodeBytesAscending(buf, k)
	}
	return buf, nil
}

// EncodePrefix encodes a prefix watch target. All columns but the last are
// encoded as in EncodeKey; the last one is left open so that the result
// is a byte prefix of every key whose last column starts with it.
func EncodePrefix(tableID uint64, keys [][]byte) ([]byte, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyKey
	}
	buf := make([]byte, 0, keyPrefixLen+encodedLen(keys))
	buf = append(buf, keyTag)
	buf = encoding.EncodeUint64Ascending(buf, tableID)
	last := len(keys) - 1
	for _, k := range keys[:last] {
		buf = encoding.EncodeBytesAscending(buf, k)
	}
	return encoding.EncodeBytesPrefixAscending(buf, keys[last]), nil
}

func encodedLen(keys [][]byte) int {
	n := 0
	for _, k := range keys {
		// marker + terminator, escapes are rare
		n += len(k) + 3
	}
	return n
}

// DecodeKey reverses EncodeKey.
func DecodeKey(buf []byte) (tableID uint64, keys [][]byte, err error) {
	if len(buf) <= keyPrefixLen {
		return 0, nil, fmt.Errorf("%w: key of %d bytes", ErrMalformedEncoding, len(buf))
	}
	if buf[0] != keyTag {
		return 0, nil, fmt.Errorf("%w: key tag %#x", ErrMalformedEncoding, buf[0])
	}
	b, tableID, err := encoding.DecodeUint64Ascending(buf[1:])
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	for len(b) > 0 {
		var k []byte
		if b, k, err = encoding.DecodeBytesAscending(b, nil); err != nil {
			return 0, nil, fmt.Errorf("%w: key column %d: %v", ErrMalformedEncoding, len(keys), err)
		}
		keys = append(keys, k)
	}
	return tableID, keys, nil
}

// EncodeValue encodes a stored value as tagged fields: version (2),
// value (3) and extend (4). Readers skip field numbers they do not know.
func EncodeValue(version int64, value, extend []byte) []byte {
	buf := make([]byte, 0, len(value)+len(extend)+24)
	buf = protowire.AppendTag(buf, valueVersionField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(version))
	buf = protowire.AppendTag(buf, valueValueField, protowire.BytesType)
	buf = protowire.AppendBytes(buf, value)
	buf = protowire.AppendTag(buf, valueExtendField, protowire.BytesType)
	buf = protowire.AppendBytes(buf, extend)
	return buf
}

// DecodeValue reverses EncodeValue. The returned slices are copies.
func DecodeValue(buf []byte) (version int64, value, extend []byte, err error) {
	if len(buf) == 0 {
		return 0, nil, nil, fmt.Errorf("%w: empty value", ErrMalformedEncoding)
	}

	b := buf
	if b, err = consumeUntil(b, valueVersionField, protowire.VarintType); err != nil {
		return 0, nil, nil, err
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, nil, nil, fieldError(valueVersionField, n)
	}
	version = protowire.DecodeZigZag(v)
	b = b[n:]

	if value, b, err = consumeBytesField(b, valueValueField); err != nil {
		return 0, nil, nil, err
	}
	if extend, _, err = consumeBytesField(b, valueExtendField); err != nil {
		return 0, nil, nil, err
	}
	return version, value, extend, nil
}

func consumeBytesField(b []byte, num protowire.Number) ([]byte, []byte, error) {
	b, err := consumeUntil(b, num, protowire.BytesType)
	if err != nil {
		return nil, nil, err
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, nil, fieldError(num, n)
	}
	return append([]byte{}, v...), b[n:], nil
}

// consumeUntil skips unknown fields until the tag of field num and returns
// the bytes following that tag.
func consumeUntil(b []byte, num protowire.Number, typ protowire.Type) ([]byte, error) {
	for len(b) > 0 {
		gotNum, gotTyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fieldError(num, n)
		}
		b = b[n:]
		if gotNum == num {
			if gotTyp != typ {
				return nil, fmt.Errorf("%w: field %d has wire type %d", ErrMalformedEncoding, num, gotTyp)
			}
			return b, nil
		}
		if gotNum > num {
			break
		}
		m := protowire.ConsumeFieldValue(gotNum, gotTyp, b)
		if m < 0 {
			return nil, fieldError(gotNum, m)
		}
		b = b[m:]
	}
	return nil, fmt.Errorf("%w: missing field %d", ErrMalformedEncoding, num)
}

func fieldError(num protowire.Number, n int) error {
	return fmt.Errorf("%w: field %d: %v", ErrMalformedEncoding, num, protowire.ParseError(n))
}
