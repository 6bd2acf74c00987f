package encoding

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUint64AscendingOrder(t *testing.T) {
	vals := []uint64{0, 1, 255, 256, 1 << 32, 1<<64 - 1}
	var prev []byte
	for _, v := range vals {
		enc := EncodeUint64Ascending(nil, v)
		require.Len(t, enc, 8)
		if prev != nil {
			require.Equal(t, -1, bytes.Compare(prev, enc), "value %d", v)
		}
		rest, got, err := DecodeUint64Ascending(enc)
		require.NoError(t, err)
		require.Empty(t, rest)
		require.Equal(t, v, got)
		prev = enc
	}

	_, _, err := DecodeUint64Ascending([]byte{1, 2, 3})
	require.Equal(t, ErrShortBuffer, err)
}

func TestBytesAscendingRoundTrip(t *testing.T) {
	tests := [][]byte{
		{},
		[]byte("a"),
		{0x00},
		{0x00, 0x00},
		{0xff},
		[]byte("a\x00b\x01c\xff"),
	}
	for _, tt := range tests {
		enc := EncodeBytesAscending(nil, tt)
		rest, got, err := DecodeBytesAscending(enc, nil)
		require.NoError(t, err, "%q", tt)
		require.Empty(t, rest)
		require.Equal(t, tt, got)
	}
}

func TestBytesAscendingOrder(t *testing.T) {
	sorted := [][]byte{
		{},
		{0x00},
		{0x00, 0x00},
		{0x00, 0x01},
		[]byte("a"),
		[]byte("a\x00"),
		[]byte("ab"),
		[]byte("b"),
		{0xff},
		{0xff, 0x00},
	}
	for i := 1; i < len(sorted); i++ {
		a := EncodeBytesAscending(nil, sorted[i-1])
		b := EncodeBytesAscending(nil, sorted[i])
		require.Equal(t, -1, bytes.Compare(a, b), "%q < %q", sorted[i-1], sorted[i])
	}
}

func TestBytesPrefixAscending(t *testing.T) {
	prefix := EncodeBytesPrefixAscending(nil, []byte("a\x00"))
	require.True(t, bytes.HasPrefix(EncodeBytesAscending(nil, []byte("a\x00")), prefix))
	require.True(t, bytes.HasPrefix(EncodeBytesAscending(nil, []byte("a\x00z")), prefix))
	require.False(t, bytes.HasPrefix(EncodeBytesAscending(nil, []byte("a")), prefix))
	require.False(t, bytes.HasPrefix(EncodeBytesAscending(nil, []byte("b\x00")), prefix))
}

func TestDecodeBytesAscendingMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		err  error
	}{
		{"empty", nil, ErrShortBuffer},
		{"marker", []byte{0x13, 'a', 0x00, 0x01}, ErrBadMarker},
		{"no terminator", []byte{bytesMarker, 'a', 'b'}, ErrNoTerminator},
		{"truncated escape", []byte{bytesMarker, 'a', 0x00}, ErrBadEscape},
		{"bad escape", []byte{bytesMarker, 'a', 0x00, 0x07}, ErrBadEscape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeBytesAscending(tt.in, nil)
			require.Equal(t, tt.err, err)
		})
	}
}
