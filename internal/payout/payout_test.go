package payout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/forecastpool/internal/crypto"
	"github.com/alanyoungcy/forecastpool/internal/domain"
)

var recipient = common.HexToAddress("0x0000000000000000000000000000000000000001")

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBookTransferer(t *testing.T) {
	b := NewBookTransferer(discard())
	ctx := context.Background()

	require.NoError(t, b.Transfer(ctx, recipient, *uint256.NewInt(5), "claim round 1"))
	require.NoError(t, b.Transfer(ctx, recipient, *uint256.NewInt(7), "claim round 2"))
	require.ErrorIs(t, b.Transfer(ctx, recipient, uint256.Int{}, "zero"), domain.ErrInvalidAmount)

	got := b.Credited(recipient)
	assert.Equal(t, "12", got.Dec())
}

type fakeChain struct {
	mu           sync.Mutex
	nonce        uint64
	sent         []*types.Transaction
	pendingPolls int
	status       uint64
	sendErr      error
}

func (c *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonce, nil
}

func (c *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, tx)
	c.nonce++
	return nil
}

func (c *fakeChain) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingPolls > 0 {
		c.pendingPolls--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: c.status, BlockNumber: big.NewInt(100)}, nil
}

func newEth(t *testing.T, chain *fakeChain) (*EthTransferer, *crypto.Signer) {
	t.Helper()
	signer, err := crypto.GenerateSigner()
	require.NoError(t, err)
	tr := NewEthTransferer(chain, signer, big.NewInt(31337), discard()).
		WithReceiptPolling(time.Millisecond, time.Second)
	return tr, signer
}

func TestEthTransfererSendsSignedValueTransfer(t *testing.T) {
	chain := &fakeChain{status: types.ReceiptStatusSuccessful, pendingPolls: 2}
	tr, signer := newEth(t, chain)

	amount := uint256.MustFromDecimal("1940000000000000000")
	require.NoError(t, tr.Transfer(context.Background(), recipient, *amount, "claim round 1"))
	require.NoError(t, tr.Transfer(context.Background(), recipient, *amount, "claim round 2"))

	require.Len(t, chain.sent, 2)
	tx := chain.sent[1]
	assert.Equal(t, uint64(1), tx.Nonce())
	assert.Equal(t, recipient, *tx.To())
	assert.Equal(t, amount.ToBig(), tx.Value())
	assert.Equal(t, uint64(nativeTransferGas), tx.Gas())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), tx)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), from)
}

func TestEthTransfererFailures(t *testing.T) {
	t.Run("reverted", func(t *testing.T) {
		chain := &fakeChain{status: types.ReceiptStatusFailed}
		tr, _ := newEth(t, chain)
		err := tr.Transfer(context.Background(), recipient, *uint256.NewInt(1), "m")
		require.ErrorContains(t, err, "reverted")
	})

	t.Run("send rejected", func(t *testing.T) {
		chain := &fakeChain{sendErr: errors.New("insufficient funds for gas * price + value")}
		tr, _ := newEth(t, chain)
		err := tr.Transfer(context.Background(), recipient, *uint256.NewInt(1), "m")
		require.ErrorContains(t, err, "insufficient funds")
	})

	t.Run("never mined", func(t *testing.T) {
		chain := &fakeChain{pendingPolls: 1 << 30}
		tr, _ := newEth(t, chain)
		tr.WithReceiptPolling(time.Millisecond, 20*time.Millisecond)
		err := tr.Transfer(context.Background(), recipient, *uint256.NewInt(1), "m")
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
