package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

// DepositChain is the subset of *ethclient.Client deposit checks need.
type DepositChain interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ DepositChain = (*ethclient.Client)(nil)

// EthDepositVerifier accepts a wager only when its reference is a mined,
// successful value transfer of exactly the stake from the participant to the
// custody account.
type EthDepositVerifier struct {
	client        DepositChain
	custody       common.Address
	signer        types.Signer
	confirmations uint64
	logger        *slog.Logger
}

// NewEthDepositVerifier creates a verifier for deposits into custody on
// chainID. One confirmation is required by default.
func NewEthDepositVerifier(client DepositChain, custody common.Address, chainID *big.Int, logger *slog.Logger) *EthDepositVerifier {
	return &EthDepositVerifier{
		client:        client,
		custody:       custody,
		signer:        types.LatestSignerForChainID(chainID),
		confirmations: 1,
		logger:        logger.With(slog.String("component", "deposit_eth")),
	}
}

// WithConfirmations sets how many blocks, including the one that mined the
// deposit, must exist before it counts.
func (v *EthDepositVerifier) WithConfirmations(n uint64) *EthDepositVerifier {
	if n == 0 {
		n = 1
	}
	v.confirmations = n
	return v
}

// VerifyDeposit checks ref against the chain. Reuse of ref is enforced by
// the settlement store, not here.
func (v *EthDepositVerifier) VerifyDeposit(ctx context.Context, ref string, from common.Address, amount uint256.Int) error {
	raw, err := hexutil.Decode(ref)
	if err != nil || len(raw) != common.HashLength {
		return fmt.Errorf("payout: deposit %q is not a transaction hash: %w", ref, domain.ErrInvalidDeposit)
	}
	hash := common.BytesToHash(raw)

	tx, pending, err := v.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("payout: deposit %s not found: %w", hash.Hex(), domain.ErrDepositUnconfirmed)
	}
	if err != nil {
		return fmt.Errorf("payout: deposit %s: %w", hash.Hex(), err)
	}
	if pending {
		return fmt.Errorf("payout: deposit %s pending: %w", hash.Hex(), domain.ErrDepositUnconfirmed)
	}

	if to := tx.To(); to == nil || *to != v.custody {
		return fmt.Errorf("payout: deposit %s is not sent to custody: %w", hash.Hex(), domain.ErrInvalidDeposit)
	}
	if tx.Value().Cmp(amount.ToBig()) != 0 {
		return fmt.Errorf("payout: deposit %s value %s, want %s: %w",
			hash.Hex(), tx.Value(), amount.Dec(), domain.ErrInvalidDeposit)
	}
	sender, err := types.Sender(v.signer, tx)
	if err != nil {
		return fmt.Errorf("payout: deposit %s sender: %v: %w", hash.Hex(), err, domain.ErrInvalidDeposit)
	}
	if sender != from {
		return fmt.Errorf("payout: deposit %s sent by %s, not %s: %w",
			hash.Hex(), sender.Hex(), from.Hex(), domain.ErrInvalidDeposit)
	}

	receipt, err := v.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("payout: deposit %s receipt: %w", hash.Hex(), domain.ErrDepositUnconfirmed)
	}
	if err != nil {
		return fmt.Errorf("payout: deposit %s receipt: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("payout: deposit %s reverted: %w", hash.Hex(), domain.ErrInvalidDeposit)
	}

	head, err := v.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("payout: block number: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined || head-mined+1 < v.confirmations {
		return fmt.Errorf("payout: deposit %s has %d of %d confirmations: %w",
			hash.Hex(), confirmationsAt(head, mined), v.confirmations, domain.ErrDepositUnconfirmed)
	}

	v.logger.DebugContext(ctx, "deposit verified",
		slog.String("tx", hash.Hex()),
		slog.String("from", from.Hex()),
		slog.String("amount", amount.Dec()),
		slog.Uint64("block", mined),
	)
	return nil
}

func confirmationsAt(head, mined uint64) uint64 {
	if head < mined {
		return 0
	}
	return head - mined + 1
}

var _ domain.DepositVerifier = (*EthDepositVerifier)(nil)
