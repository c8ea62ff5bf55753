package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// SettlementStore persists rounds, wagers, distributions, settings and the
// pooled-balance ledger. Reads outside Atomic see committed state only.
type SettlementStore interface {
	GetRound(ctx context.Context, id uint64) (Round, error)
	LatestRound(ctx context.Context) (Round, error)
	// ListRounds returns rounds newest first.
	ListRounds(ctx context.Context, opts ListOpts) ([]Round, error)
	// ListUndistributed returns resolved, undistributed rounds with a non-zero
	// pool in ascending id order.
	ListUndistributed(ctx context.Context, limit int) ([]Round, error)
	// ListDistributedBefore returns distributed rounds with id above afterID
	// whose end time precedes before, in ascending id order.
	ListDistributedBefore(ctx context.Context, before time.Time, afterID uint64, limit int) ([]Round, error)
	GetWager(ctx context.Context, roundID uint64, participant common.Address) (Wager, error)
	ListWagers(ctx context.Context, roundID uint64) ([]Wager, error)
	GetDistribution(ctx context.Context, roundID uint64) (Distribution, error)
	Settings(ctx context.Context) (Settings, error)
	Treasury(ctx context.Context) (Treasury, error)
	ListLedger(ctx context.Context, opts ListOpts) ([]LedgerEntry, error)

	// Atomic runs fn as one all-or-nothing unit. Any error returned by fn
	// discards every write made through tx.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx SettlementTx) error) error
}

// SettlementTx is the write surface available inside SettlementStore.Atomic.
type SettlementTx interface {
	NextRoundID(ctx context.Context) (uint64, error)
	LatestRound(ctx context.Context) (Round, error)
	GetRound(ctx context.Context, id uint64) (Round, error)
	PutRound(ctx context.Context, r Round) error
	GetWager(ctx context.Context, roundID uint64, participant common.Address) (Wager, error)
	// InsertWager fails with ErrAlreadyExists when the key is taken and with
	// ErrDepositUsed when a non-empty DepositRef funds another wager.
	InsertWager(ctx context.Context, w Wager) error
	MarkClaimed(ctx context.Context, roundID uint64, participant common.Address) error
	// UnmarkClaimed clears the claimed flag after a failed payout.
	UnmarkClaimed(ctx context.Context, roundID uint64, participant common.Address) error
	PutDistribution(ctx context.Context, d Distribution) error
	// LockedTotal sums both side totals of every unresolved round.
	LockedTotal(ctx context.Context) (uint256.Int, error)
	// HeldBalance is stakes minus payouts minus withdrawals, ignoring
	// reversed entries. Pending outflows count as paid.
	HeldBalance(ctx context.Context) (uint256.Int, error)
	AppendLedger(ctx context.Context, e LedgerEntry) error
	// SetLedgerStatus resolves a pending entry. It fails with ErrNotFound
	// when no pending entry has the id.
	SetLedgerStatus(ctx context.Context, id string, status LedgerStatus) error
	Settings(ctx context.Context) (Settings, error)
	PutSettings(ctx context.Context, s Settings) error
}

// PredictionStore persists forecasts. Insert assigns the next monotonic id.
type PredictionStore interface {
	Insert(ctx context.Context, p Prediction) (Prediction, error)
	Get(ctx context.Context, id uint64) (Prediction, error)
	LatestActive(ctx context.Context) (Prediction, error)
	Deactivate(ctx context.Context, id uint64) error
	List(ctx context.Context, opts ListOpts) ([]Prediction, error)
}

// ForecasterStore persists the set of addresses allowed to submit forecasts.
type ForecasterStore interface {
	Authorize(ctx context.Context, addr common.Address) error
	Revoke(ctx context.Context, addr common.Address) error
	IsAuthorized(ctx context.Context, addr common.Address) (bool, error)
	List(ctx context.Context) ([]common.Address, error)
}

// DataSourceStore persists weighted data-source metadata.
type DataSourceStore interface {
	Put(ctx context.Context, ds DataSource) error
	Get(ctx context.Context, name string) (DataSource, error)
	List(ctx context.Context) ([]DataSource, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
