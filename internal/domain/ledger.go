package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LedgerKind classifies a movement of the pooled balance.
type LedgerKind string

const (
	LedgerStake      LedgerKind = "stake"
	LedgerPayout     LedgerKind = "payout"
	LedgerWithdrawal LedgerKind = "withdrawal"
)

// Inflow reports whether the entry increases the held balance.
func (k LedgerKind) Inflow() bool {
	return k == LedgerStake
}

// LedgerStatus tracks an outflow through its transfer. Stakes are recorded
// settled; payouts and withdrawals start pending and end settled or reversed.
type LedgerStatus string

const (
	LedgerPending  LedgerStatus = "pending"
	LedgerSettled  LedgerStatus = "settled"
	LedgerReversed LedgerStatus = "reversed"
)

// LedgerEntry records funds entering or leaving custody. Only the status of
// a pending entry ever changes.
type LedgerEntry struct {
	ID        string
	Kind      LedgerKind
	Status    LedgerStatus
	RoundID   uint64 // zero for withdrawals
	Account   common.Address
	Amount    uint256.Int
	CreatedAt time.Time
}

// Counts reports whether the entry moves the held balance. Reversed entries
// never left custody.
func (e LedgerEntry) Counts() bool {
	return e.Status != LedgerReversed
}

// Transferer moves funds out of custody to an external account.
type Transferer interface {
	Transfer(ctx context.Context, to common.Address, amount uint256.Int, memo string) error
}

// DepositVerifier confirms that a participant moved amount into custody with
// the transfer identified by ref. Each ref funds at most one wager.
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, ref string, from common.Address, amount uint256.Int) error
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
