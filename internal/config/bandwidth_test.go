package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBandwidth(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "0", want: 0},
		{in: "100k", want: 100_000},
		{in: "5M", want: 5_000_000},
		{in: " 1.5g ", want: 1_500_000_000},
		{in: "10", wantErr: true},
		{in: "m", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "fastm", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseBandwidth(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseMbps(t *testing.T) {
	v, err := ParseMbps("12m")
	require.NoError(t, err)
	assert.Equal(t, 12.0, v)

	v, err = ParseMbps("750k")
	require.NoError(t, err)
	assert.Equal(t, 0.75, v)

	_, err = ParseMbps("12")
	assert.Error(t, err)
}
