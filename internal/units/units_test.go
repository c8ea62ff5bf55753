package units

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		wei  string
		want string
	}{
		{"2910000000000000000", "2.91"},
		{"1000000000000000000", "1"},
		{"1", "0.000000000000000001"},
		{"0", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.wei, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(uint256.MustFromDecimal(tt.wei), EtherDecimals))
		})
	}
	assert.InDelta(t, 2.91, Float(uint256.MustFromDecimal("2910000000000000000"), EtherDecimals), 1e-12)
}

func TestParse(t *testing.T) {
	v, err := Parse("1.5", EtherDecimals)
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", v.Dec())

	_, err = Parse("-1", EtherDecimals)
	require.Error(t, err)

	_, err = Parse("0.0000000000000000001", EtherDecimals)
	require.Error(t, err)

	_, err = Parse("abc", EtherDecimals)
	require.Error(t, err)
}
