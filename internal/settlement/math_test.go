package settlement

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func TestDeviation(t *testing.T) {
	tests := []struct {
		name                     string
		predicted, actual, start uint64
		want                     uint64
	}{
		{"forecast below actual", 46000, 46100, 45000, 0},
		{"forecast above actual", 48000, 46000, 45000, 4},
		{"exact hit", 46000, 46000, 45000, 0},
		{"exactly three percent", 46000, 47350, 45000, 3},
		{"truncates", 100, 119, 100, 19},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Deviation(u(tt.predicted), u(tt.actual), u(tt.start))
			assert.Equal(t, tt.want, got.Uint64())
		})
	}
}

func TestIsAccurate_BoundaryIsInclusive(t *testing.T) {
	assert.True(t, IsAccurate(u(46000), u(47350), u(45000), 3))
	assert.False(t, IsAccurate(u(46000), u(47350), u(45000), 2))
	assert.False(t, IsAccurate(u(46000), u(48000), u(45000), 3))
	assert.True(t, IsAccurate(u(46000), u(46100), u(45000), 5))
	assert.True(t, IsAccurate(u(46000), u(46000), u(45000), 0))
}

func TestRewardPoolAndFee(t *testing.T) {
	pool := ether(3)
	assert.Equal(t, "2910000000000000000", RewardPool(pool, 3).Dec())
	assert.Equal(t, "90000000000000000", Fee(pool, 3).Dec())

	assert.Equal(t, pool.Dec(), RewardPool(pool, 0).Dec())
	assert.Equal(t, uint64(16), RewardPool(u(17), 3).Uint64())
	assert.Equal(t, uint64(1), Fee(u(17), 3).Uint64())
}

func TestReward(t *testing.T) {
	assert.Equal(t, "2910000000000000000", Reward(RewardPool(ether(3), 3), ether(1), ether(1)).Dec())
	assert.Equal(t, uint64(2), Reward(u(16), u(1), u(7)).Uint64())
	assert.True(t, Reward(u(16), u(1), u(0)).IsZero())
}

func TestReward_SumNeverExceedsPool(t *testing.T) {
	pool := u(16)
	winners := []uint64{1, 2, 4}
	var total uint64
	for _, w := range winners {
		total += w
	}
	var paid uint256.Int
	for _, w := range winners {
		paid.Add(&paid, Reward(pool, u(w), u(total)))
	}
	assert.False(t, paid.Gt(pool))
	assert.Equal(t, uint64(15), paid.Uint64())

	// Exact division pays the whole pool.
	paid.Clear()
	for _, w := range []uint64{1, 3} {
		paid.Add(&paid, Reward(u(40), u(w), u(4)))
	}
	assert.Equal(t, uint64(40), paid.Uint64())
}
