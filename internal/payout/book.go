// Package payout implements domain.Transferer: a book-only transferer that
// credits internal balances and an Ethereum transferer that sends native
// value transfers signed with the payout key.
package payout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

// BookTransferer credits outgoing funds to per-account balances kept by the
// operator. The settlement ledger remains the record of custody.
type BookTransferer struct {
	mu       sync.Mutex
	credited map[common.Address]uint256.Int
	logger   *slog.Logger
}

// NewBookTransferer creates an empty book.
func NewBookTransferer(logger *slog.Logger) *BookTransferer {
	return &BookTransferer{
		credited: make(map[common.Address]uint256.Int),
		logger:   logger.With(slog.String("component", "payout_book")),
	}
}

// Transfer credits amount to the account.
func (b *BookTransferer) Transfer(ctx context.Context, to common.Address, amount uint256.Int, memo string) error {
	if amount.IsZero() {
		return fmt.Errorf("payout: book transfer to %s: %w", to.Hex(), domain.ErrInvalidAmount)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("payout: book transfer to %s: %w", to.Hex(), err)
	}

	b.mu.Lock()
	bal := b.credited[to]
	bal.Add(&bal, &amount)
	b.credited[to] = bal
	b.mu.Unlock()

	b.logger.InfoContext(ctx, "book transfer",
		slog.String("to", to.Hex()),
		slog.String("amount", amount.Dec()),
		slog.String("memo", memo),
	)
	return nil
}

// Credited returns the running total transferred to account.
func (b *BookTransferer) Credited(account common.Address) uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.credited[account]
}

var _ domain.Transferer = (*BookTransferer)(nil)
