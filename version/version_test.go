package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAPI(t *testing.T) {
	tests := []struct {
		v, w string
	}{
		{"0.1.0", "0.1"},
		{"3.4.2-alpha", "3.4"},
		{"1.2", "1.2"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.w, API(tt.v))
	}
	require.Equal(t, API(Version), APIVersion)
}

func TestCompatible(t *testing.T) {
	tests := []struct {
		v string
		w bool
	}{
		{"0.1", true},
		{"0.1.3", true},
		{"0.2.0", true},
		{"0.0.9", false},
		{"1.0.0", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.w, Compatible(tt.v), tt.v)
	}
}
