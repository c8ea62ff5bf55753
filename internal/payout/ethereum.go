package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/forecastpool/internal/crypto"
	"github.com/alanyoungcy/forecastpool/internal/domain"
)

// nativeTransferGas is the fixed gas cost of a plain value transfer.
const nativeTransferGas = 21_000

// EthClient is the subset of *ethclient.Client the transferer needs.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ EthClient = (*ethclient.Client)(nil)

// EthTransferer pays out native currency from the payout key's account and
// waits for the transaction to be mined successfully.
type EthTransferer struct {
	// mu serializes nonce allocation.
	mu sync.Mutex

	client  EthClient
	signer  *crypto.Signer
	chainID *big.Int

	pollInterval   time.Duration
	receiptTimeout time.Duration
	logger         *slog.Logger
}

// NewEthTransferer creates a transferer sending from signer's address on
// chainID.
func NewEthTransferer(client EthClient, signer *crypto.Signer, chainID *big.Int, logger *slog.Logger) *EthTransferer {
	return &EthTransferer{
		client:         client,
		signer:         signer,
		chainID:        chainID,
		pollInterval:   2 * time.Second,
		receiptTimeout: 2 * time.Minute,
		logger:         logger.With(slog.String("component", "payout_eth")),
	}
}

// WithReceiptPolling overrides how often and how long Transfer waits for a
// receipt.
func (t *EthTransferer) WithReceiptPolling(interval, timeout time.Duration) *EthTransferer {
	t.pollInterval = interval
	t.receiptTimeout = timeout
	return t
}

// From returns the paying account.
func (t *EthTransferer) From() common.Address {
	return t.signer.Address()
}

// Transfer sends amount wei to the recipient and blocks until the
// transaction is mined. A reverted or unconfirmed transaction is an error.
func (t *EthTransferer) Transfer(ctx context.Context, to common.Address, amount uint256.Int, memo string) error {
	if amount.IsZero() {
		return fmt.Errorf("payout: eth transfer to %s: %w", to.Hex(), domain.ErrInvalidAmount)
	}

	signed, err := t.send(ctx, to, amount)
	if err != nil {
		return err
	}
	t.logger.InfoContext(ctx, "payout transaction sent",
		slog.String("tx", signed.Hash().Hex()),
		slog.String("to", to.Hex()),
		slog.String("amount", amount.Dec()),
		slog.String("memo", memo),
	)

	receipt, err := t.waitMined(ctx, signed.Hash())
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("payout: tx %s reverted in block %s", signed.Hash().Hex(), receipt.BlockNumber)
	}
	return nil
}

func (t *EthTransferer) send(ctx context.Context, to common.Address, amount uint256.Int) (*types.Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nonce, err := t.client.PendingNonceAt(ctx, t.signer.Address())
	if err != nil {
		return nil, fmt.Errorf("payout: pending nonce: %w", err)
	}
	gasPrice, err := t.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("payout: suggest gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    amount.ToBig(),
		Gas:      nativeTransferGas,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(t.chainID), t.signer.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("payout: sign tx: %w", err)
	}
	if err := t.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("payout: send tx: %w", err)
	}
	return signed, nil
}

func (t *EthTransferer) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, t.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := t.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			return receipt, nil
		case !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("payout: receipt %s: %w", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("payout: waiting for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

var _ domain.Transferer = (*EthTransferer)(nil)
