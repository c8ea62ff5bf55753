package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Side is the outcome a wager backs.
type Side string

const (
	// SideCorrect backs the forecast landing within the accuracy threshold.
	SideCorrect Side = "correct"
	// SideIncorrect backs the forecast missing the threshold.
	SideIncorrect Side = "incorrect"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideCorrect || s == SideIncorrect
}

// RoundState is the lifecycle position of a round at a given instant.
type RoundState string

const (
	RoundOpen                  RoundState = "open"
	RoundClosedUnresolved      RoundState = "closed_unresolved"
	RoundResolvedUndistributed RoundState = "resolved_undistributed"
	RoundResolvedDistributed   RoundState = "resolved_distributed"
)

// Round is one forecast-vs-reality contest. Rounds are permanent records.
type Round struct {
	ID               uint64
	PredictionID     uint64
	PredictedValue   uint256.Int
	ReferenceAtStart uint256.Int
	ReferenceAtEnd   uint256.Int
	Confidence       uint8
	StartTime        time.Time
	EndTime          time.Time
	Resolved         bool
	ForecastCorrect  bool  // only meaningful when Resolved
	FeePercent       uint8 // fee locked in at resolution
	TotalCorrect     uint256.Int
	TotalIncorrect   uint256.Int
	AnalysisRef      string
	Distributed      bool
}

// TotalPool is the pre-fee pool: the sum of both side totals.
func (r Round) TotalPool() uint256.Int {
	var total uint256.Int
	total.Add(&r.TotalCorrect, &r.TotalIncorrect)
	return total
}

// RewardableSide reports whether a wager on s is on the winning side.
func (r Round) RewardableSide(s Side) bool {
	return r.Resolved && r.WinningSide() == s
}

// WinningSide returns the side matching the outcome. Callers must check Resolved.
func (r Round) WinningSide() Side {
	if r.ForecastCorrect {
		return SideCorrect
	}
	return SideIncorrect
}

// WinningTotal is the amount staked on the winning side.
func (r Round) WinningTotal() uint256.Int {
	if r.ForecastCorrect {
		return r.TotalCorrect
	}
	return r.TotalIncorrect
}

// SideTotal returns the running total for s.
func (r Round) SideTotal(s Side) uint256.Int {
	if s == SideCorrect {
		return r.TotalCorrect
	}
	return r.TotalIncorrect
}

// Ended reports whether the betting window is closed at now.
func (r Round) Ended(now time.Time) bool {
	return !now.Before(r.EndTime)
}

// State derives the lifecycle state at now.
func (r Round) State(now time.Time) RoundState {
	switch {
	case r.Resolved && r.Distributed:
		return RoundResolvedDistributed
	case r.Resolved:
		return RoundResolvedUndistributed
	case r.Ended(now):
		return RoundClosedUnresolved
	default:
		return RoundOpen
	}
}

// Wager is one participant's stake in one round.
type Wager struct {
	RoundID     uint64
	Participant common.Address
	Amount      uint256.Int
	Side        Side
	Claimed     bool
	PlacedAt    time.Time
	DepositRef  string // funding transfer, empty when custody is bookkeeping only
}

// Distribution is the bookkeeping finalized when a round is swept.
type Distribution struct {
	RoundID       uint64
	RewardPool    uint256.Int
	Fee           uint256.Int
	WinningTotal  uint256.Int
	DistributedAt time.Time
}

// Settings are the process-wide protocol parameters.
type Settings struct {
	FeePercent        uint8
	AccuracyThreshold uint8
	AutoDistribute    bool
	MinStake          uint256.Int
	MaxStake          uint256.Int
	RoundDuration     time.Duration
	MaxForecastAge    time.Duration
	MinConfidence     uint8
	Paused            bool
	Operator          common.Address
	UpdatedAt         time.Time
}

// Bounds enforced on operator-adjustable settings.
const (
	MaxFeePercent        = 30
	MaxAccuracyThreshold = 20
	// MaxSweepBatch caps both CheckUpkeep output and PerformUpkeep input.
	MaxSweepBatch = 50
)

// Treasury summarizes the pooled balance backing all rounds.
type Treasury struct {
	Held   uint256.Int
	Locked uint256.Int
	Free   uint256.Int
}
