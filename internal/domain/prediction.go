package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Prediction is a timestamped forecast submitted by an authorized forecaster.
type Prediction struct {
	ID          uint64
	Forecaster  common.Address
	Value       uint256.Int
	Confidence  uint8
	AnalysisRef string // opaque pointer to the supporting analysis, e.g. an IPFS CID
	SubmittedAt time.Time
	Active      bool
}

// PricePoint is one reading of the external reference price.
type PricePoint struct {
	Value      uint256.Int
	ObservedAt time.Time
	Source     string
}

// DataSource is weighted metadata about an input to the forecasting process.
// It gates nothing in settlement.
type DataSource struct {
	Name      string
	WeightBps uint16
	Active    bool
	UpdatedAt time.Time
}

// Confidence bounds accepted by the registry.
const (
	MinForecastConfidence = 50
	MaxForecastConfidence = 100
	// MaxTotalWeightBps caps the summed weight of active data sources.
	MaxTotalWeightBps = 10_000
)
