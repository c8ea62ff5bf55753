package settlement

import "github.com/holiman/uint256"

var hundred = uint256.NewInt(100)

// Deviation returns |predicted - actual| * 100 / referenceAtStart with
// truncating division. referenceAtStart must be non-zero.
func Deviation(predicted, actual, referenceAtStart *uint256.Int) *uint256.Int {
	diff := new(uint256.Int)
	if predicted.Cmp(actual) >= 0 {
		diff.Sub(predicted, actual)
	} else {
		diff.Sub(actual, predicted)
	}
	dev, overflow := new(uint256.Int).MulDivOverflow(diff, hundred, referenceAtStart)
	if overflow {
		// Saturate; any threshold rejects this.
		return new(uint256.Int).SetAllOne()
	}
	return dev
}

// IsAccurate reports whether the forecast lands within threshold percent of
// the reference recorded at round start. The boundary is inclusive.
func IsAccurate(predicted, actual, referenceAtStart *uint256.Int, threshold uint8) bool {
	dev := Deviation(predicted, actual, referenceAtStart)
	return !dev.Gt(uint256.NewInt(uint64(threshold)))
}

// RewardPool returns totalPool * (100 - feePercent) / 100.
func RewardPool(totalPool *uint256.Int, feePercent uint8) *uint256.Int {
	keep := uint256.NewInt(100 - uint64(feePercent))
	pool, overflow := new(uint256.Int).MulDivOverflow(totalPool, keep, hundred)
	if overflow {
		// Unreachable: keep/100 <= 1.
		return new(uint256.Int).Set(totalPool)
	}
	return pool
}

// Fee returns the part of totalPool retained by the protocol.
func Fee(totalPool *uint256.Int, feePercent uint8) *uint256.Int {
	return new(uint256.Int).Sub(totalPool, RewardPool(totalPool, feePercent))
}

// Reward returns rewardPool * amount / winningTotal. A zero winningTotal
// yields zero.
func Reward(rewardPool, amount, winningTotal *uint256.Int) *uint256.Int {
	if winningTotal.IsZero() {
		return new(uint256.Int)
	}
	r, overflow := new(uint256.Int).MulDivOverflow(rewardPool, amount, winningTotal)
	if overflow {
		// amount <= winningTotal keeps the quotient within rewardPool.
		return new(uint256.Int).Set(rewardPool)
	}
	return r
}
