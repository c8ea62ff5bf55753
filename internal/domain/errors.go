package domain

import "errors"

// Storage and infrastructure.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrLockHeld      = errors.New("lock already held")
)

// Timing.
var (
	ErrRoundNotOpen            = errors.New("round not open for wagers")
	ErrDepositUnconfirmed      = errors.New("deposit not yet confirmed")
	ErrRoundNotEnded           = errors.New("round has not ended")
	ErrPreviousRoundUnfinished = errors.New("previous round not finished")
)

// Authorization.
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotOperator   = errors.New("caller is not the operator")
	ErrNotForecaster = errors.New("caller is not an authorized forecaster")
	ErrBadSignature  = errors.New("invalid signature")
)

// Validation.
var (
	ErrStakeOutOfBounds      = errors.New("stake amount out of bounds")
	ErrConfidenceOutOfBounds = errors.New("confidence out of bounds")
	ErrEmptyAnalysisRef      = errors.New("analysis reference is empty")
	ErrFeeOutOfBounds        = errors.New("fee percent out of bounds")
	ErrThresholdOutOfBounds  = errors.New("accuracy threshold out of bounds")
	ErrInvalidSide           = errors.New("invalid wager side")
	ErrInvalidPrice          = errors.New("invalid price value")
	ErrInvalidWeight         = errors.New("invalid data source weight")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrDepositRequired       = errors.New("wager requires a deposit reference")
	ErrInvalidDeposit        = errors.New("deposit does not fund this wager")
)

// State conflict.
var (
	ErrDoubleStake      = errors.New("participant already staked in this round")
	ErrAlreadyClaimed   = errors.New("reward already claimed")
	ErrAlreadyResolved  = errors.New("round already resolved")
	ErrRoundNotResolved = errors.New("round not resolved")
	ErrLosingSide       = errors.New("wager is on the losing side")
	ErrNoWager          = errors.New("no wager for participant in this round")
	ErrClaimIneligible  = errors.New("round not yet distributed; claim ineligible")
	ErrPaused           = errors.New("participant operations are paused")
	ErrReentrantCall    = errors.New("reentrant call during transfer")
	ErrDepositUsed      = errors.New("deposit already funds another wager")
)

// External data.
var (
	ErrStaleForecast = errors.New("forecast is stale")
	ErrLowConfidence = errors.New("forecast confidence below minimum")
	ErrNoForecast    = errors.New("no valid forecast available")
	ErrStalePrice    = errors.New("reference price is stale")
	ErrNoPrice       = errors.New("no reference price available")
)

// Transfer.
var (
	ErrTransferFailed          = errors.New("transfer failed")
	ErrInsufficientFreeBalance = errors.New("amount exceeds free balance")
)

// ErrorCategory groups sentinel errors for transport-level mapping.
type ErrorCategory string

const (
	CategoryUnknown      ErrorCategory = "unknown"
	CategoryNotFound     ErrorCategory = "not_found"
	CategoryTiming       ErrorCategory = "timing"
	CategoryAuth         ErrorCategory = "authorization"
	CategoryValidation   ErrorCategory = "validation"
	CategoryState        ErrorCategory = "state_conflict"
	CategoryExternalData ErrorCategory = "external_data"
	CategoryTransfer     ErrorCategory = "transfer"
	CategoryPaused       ErrorCategory = "paused"
	CategoryRateLimited  ErrorCategory = "rate_limited"
)

var categories = []struct {
	cat  ErrorCategory
	errs []error
}{
	{CategoryNotFound, []error{ErrNotFound}},
	{CategoryPaused, []error{ErrPaused}},
	{CategoryRateLimited, []error{ErrRateLimited}},
	{CategoryTiming, []error{ErrRoundNotOpen, ErrRoundNotEnded, ErrPreviousRoundUnfinished, ErrDepositUnconfirmed}},
	{CategoryAuth, []error{ErrUnauthorized, ErrNotOperator, ErrNotForecaster, ErrBadSignature}},
	{CategoryValidation, []error{
		ErrStakeOutOfBounds, ErrConfidenceOutOfBounds, ErrEmptyAnalysisRef, ErrFeeOutOfBounds,
		ErrThresholdOutOfBounds, ErrInvalidSide, ErrInvalidPrice, ErrInvalidWeight, ErrInvalidAmount,
		ErrDepositRequired, ErrInvalidDeposit,
	}},
	{CategoryState, []error{
		ErrDoubleStake, ErrAlreadyClaimed, ErrAlreadyResolved, ErrRoundNotResolved, ErrLosingSide,
		ErrNoWager, ErrClaimIneligible, ErrReentrantCall, ErrDepositUsed, ErrAlreadyExists, ErrLockHeld,
	}},
	{CategoryExternalData, []error{ErrStaleForecast, ErrLowConfidence, ErrNoForecast, ErrStalePrice, ErrNoPrice}},
	{CategoryTransfer, []error{ErrTransferFailed, ErrInsufficientFreeBalance}},
}

// Category classifies err by the first sentinel it wraps.
func Category(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	for _, c := range categories {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.cat
			}
		}
	}
	return CategoryUnknown
}
