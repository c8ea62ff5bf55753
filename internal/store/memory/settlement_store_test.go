package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

var (
	alice = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000002")
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func seed(t *testing.T, s *SettlementStore, ref string) {
	t.Helper()
	err := s.Atomic(context.Background(), func(ctx context.Context, tx domain.SettlementTx) error {
		require.NoError(t, tx.PutRound(ctx, domain.Round{ID: 1, StartTime: t0, EndTime: t0.Add(time.Hour)}))
		require.NoError(t, tx.InsertWager(ctx, domain.Wager{
			RoundID: 1, Participant: alice, Amount: *uint256.NewInt(300), Side: domain.SideCorrect, DepositRef: ref,
		}))
		return tx.AppendLedger(ctx, domain.LedgerEntry{
			ID: "stake-1", Kind: domain.LedgerStake, RoundID: 1, Account: alice, Amount: *uint256.NewInt(300),
		})
	})
	require.NoError(t, err)
}

func TestSettlementStoreLedgerStatus(t *testing.T) {
	s := NewSettlementStore()
	ctx := context.Background()
	seed(t, s, "")

	err := s.Atomic(ctx, func(ctx context.Context, tx domain.SettlementTx) error {
		require.NoError(t, tx.MarkClaimed(ctx, 1, alice))
		return tx.AppendLedger(ctx, domain.LedgerEntry{
			ID: "payout-1", Kind: domain.LedgerPayout, Status: domain.LedgerPending,
			RoundID: 1, Account: alice, Amount: *uint256.NewInt(100),
		})
	})
	require.NoError(t, err)

	tr, err := s.Treasury(ctx)
	require.NoError(t, err)
	assert.Equal(t, "200", tr.Held.Dec())

	boom := errors.New("boom")
	err = s.Atomic(ctx, func(ctx context.Context, tx domain.SettlementTx) error {
		require.NoError(t, tx.SetLedgerStatus(ctx, "payout-1", domain.LedgerReversed))
		held, err := tx.HeldBalance(ctx)
		require.NoError(t, err)
		assert.Equal(t, "300", held.Dec(), "reversal is visible inside the unit")
		return boom
	})
	require.ErrorIs(t, err, boom)
	tr, err = s.Treasury(ctx)
	require.NoError(t, err)
	assert.Equal(t, "200", tr.Held.Dec(), "rolled back reversal changes nothing")

	err = s.Atomic(ctx, func(ctx context.Context, tx domain.SettlementTx) error {
		require.NoError(t, tx.SetLedgerStatus(ctx, "payout-1", domain.LedgerReversed))
		require.ErrorIs(t, tx.SetLedgerStatus(ctx, "payout-1", domain.LedgerSettled), domain.ErrNotFound)
		require.ErrorIs(t, tx.SetLedgerStatus(ctx, "stake-1", domain.LedgerReversed), domain.ErrNotFound)
		return tx.UnmarkClaimed(ctx, 1, alice)
	})
	require.NoError(t, err)

	w, err := s.GetWager(ctx, 1, alice)
	require.NoError(t, err)
	assert.False(t, w.Claimed)
	entries, err := s.ListLedger(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.LedgerReversed, entries[0].Status)
	assert.Equal(t, domain.LedgerSettled, entries[1].Status, "stakes default to settled")
	tr, err = s.Treasury(ctx)
	require.NoError(t, err)
	assert.Equal(t, "300", tr.Held.Dec())
}

func TestSettlementStoreDepositFundsOneWager(t *testing.T) {
	s := NewSettlementStore()
	ctx := context.Background()
	seed(t, s, "0xfeed")

	err := s.Atomic(ctx, func(ctx context.Context, tx domain.SettlementTx) error {
		return tx.InsertWager(ctx, domain.Wager{RoundID: 1, Participant: bob, Amount: *uint256.NewInt(1), DepositRef: "0xfeed"})
	})
	require.ErrorIs(t, err, domain.ErrDepositUsed)

	err = s.Atomic(ctx, func(ctx context.Context, tx domain.SettlementTx) error {
		require.NoError(t, tx.InsertWager(ctx, domain.Wager{RoundID: 1, Participant: bob, Amount: *uint256.NewInt(1), DepositRef: "0xbeef"}))
		return tx.InsertWager(ctx, domain.Wager{RoundID: 2, Participant: bob, Amount: *uint256.NewInt(1), DepositRef: "0xbeef"})
	})
	require.ErrorIs(t, err, domain.ErrDepositUsed, "reuse inside one unit")

	_, err = s.GetWager(ctx, 1, bob)
	require.ErrorIs(t, err, domain.ErrNotFound)

	err = s.Atomic(ctx, func(ctx context.Context, tx domain.SettlementTx) error {
		require.NoError(t, tx.InsertWager(ctx, domain.Wager{RoundID: 1, Participant: bob, Amount: *uint256.NewInt(1)}))
		return tx.InsertWager(ctx, domain.Wager{RoundID: 2, Participant: bob, Amount: *uint256.NewInt(1)})
	})
	require.NoError(t, err, "unfunded wagers share the empty reference")
}

func TestSettlementStoreAtomicHonoursCancelledContext(t *testing.T) {
	s := NewSettlementStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.Atomic(ctx, func(context.Context, domain.SettlementTx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
