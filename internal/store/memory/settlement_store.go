// Package memory implements domain store interfaces in process memory. It
// backs single-instance deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

type wagerKey struct {
	round       uint64
	participant common.Address
}

// SettlementStore is an in-memory implementation of domain.SettlementStore.
// Atomic holds the write lock for the whole unit and applies buffered writes
// only when fn succeeds.
type SettlementStore struct {
	mu            sync.RWMutex
	rounds        map[uint64]domain.Round
	lastID        uint64
	wagers        map[wagerKey]domain.Wager
	roundWagers   map[uint64][]common.Address // insertion order per round
	deposits      map[string]wagerKey
	distributions map[uint64]domain.Distribution
	ledger        []domain.LedgerEntry
	settings      *domain.Settings
}

// NewSettlementStore creates an empty store.
func NewSettlementStore() *SettlementStore {
	return &SettlementStore{
		rounds:        make(map[uint64]domain.Round),
		wagers:        make(map[wagerKey]domain.Wager),
		roundWagers:   make(map[uint64][]common.Address),
		deposits:      make(map[string]wagerKey),
		distributions: make(map[uint64]domain.Distribution),
	}
}

// GetRound returns a round by id.
func (s *SettlementStore) GetRound(_ context.Context, id uint64) (domain.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rounds[id]
	if !ok {
		return domain.Round{}, domain.ErrNotFound
	}
	return r, nil
}

// LatestRound returns the round with the highest id.
func (s *SettlementStore) LatestRound(_ context.Context) (domain.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rounds[s.lastID]
	if !ok {
		return domain.Round{}, domain.ErrNotFound
	}
	return r, nil
}

// ListRounds returns rounds newest first, honouring limit, offset and the
// start-time window.
func (s *SettlementStore) ListRounds(_ context.Context, opts domain.ListOpts) ([]domain.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Round
	for id := s.lastID; id >= 1; id-- {
		r, ok := s.rounds[id]
		if !ok {
			continue
		}
		if opts.Since != nil && r.StartTime.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && r.StartTime.After(*opts.Until) {
			continue
		}
		result = append(result, r)
	}
	return paginate(result, opts), nil
}

// ListUndistributed returns resolved rounds with a non-zero pool that were
// not distributed yet, oldest first.
func (s *SettlementStore) ListUndistributed(_ context.Context, limit int) ([]domain.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Round
	for id := uint64(1); id <= s.lastID; id++ {
		r, ok := s.rounds[id]
		if !ok || !r.Resolved || r.Distributed {
			continue
		}
		pool := r.TotalPool()
		if pool.IsZero() {
			continue
		}
		result = append(result, r)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// ListDistributedBefore returns distributed rounds that ended before the
// cutoff, oldest first.
func (s *SettlementStore) ListDistributedBefore(_ context.Context, before time.Time, afterID uint64, limit int) ([]domain.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Round
	for id := afterID + 1; id <= s.lastID; id++ {
		r, ok := s.rounds[id]
		if !ok || !r.Distributed || !r.EndTime.Before(before) {
			continue
		}
		result = append(result, r)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// GetWager returns the wager keyed by (roundID, participant).
func (s *SettlementStore) GetWager(_ context.Context, roundID uint64, participant common.Address) (domain.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wagers[wagerKey{roundID, participant}]
	if !ok {
		return domain.Wager{}, domain.ErrNotFound
	}
	return w, nil
}

// ListWagers returns every wager of a round in placement order.
func (s *SettlementStore) ListWagers(_ context.Context, roundID uint64) ([]domain.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addrs := s.roundWagers[roundID]
	result := make([]domain.Wager, 0, len(addrs))
	for _, a := range addrs {
		result = append(result, s.wagers[wagerKey{roundID, a}])
	}
	return result, nil
}

// GetDistribution returns the distribution record of a swept round.
func (s *SettlementStore) GetDistribution(_ context.Context, roundID uint64) (domain.Distribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.distributions[roundID]
	if !ok {
		return domain.Distribution{}, domain.ErrNotFound
	}
	return d, nil
}

// Settings returns the persisted settings.
func (s *SettlementStore) Settings(_ context.Context) (domain.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settings == nil {
		return domain.Settings{}, domain.ErrNotFound
	}
	return *s.settings, nil
}

// Treasury computes held, locked and free balance from committed state.
func (s *SettlementStore) Treasury(ctx context.Context) (domain.Treasury, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx := s.begin()
	held, _ := tx.HeldBalance(ctx)
	locked, _ := tx.LockedTotal(ctx)
	t := domain.Treasury{Held: held, Locked: locked}
	if held.Gt(&locked) {
		t.Free.Sub(&held, &locked)
	}
	return t, nil
}

// ListLedger returns ledger entries newest first.
func (s *SettlementStore) ListLedger(_ context.Context, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		e := s.ledger[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		result = append(result, e)
	}
	return paginate(result, opts), nil
}

// Atomic runs fn against a buffered transaction and commits its writes only
// when fn returns nil.
func (s *SettlementStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx domain.SettlementTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.begin()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

// settlementTx overlays pending writes on the committed state. The caller
// holds the store lock for the lifetime of the transaction.
type settlementTx struct {
	s             *SettlementStore
	lastID        uint64
	rounds        map[uint64]domain.Round
	wagers        map[wagerKey]domain.Wager
	newWagers     []wagerKey
	deposits      map[string]wagerKey
	distributions map[uint64]domain.Distribution
	ledger        []domain.LedgerEntry
	statuses      map[string]domain.LedgerStatus // committed entries only
	settings      *domain.Settings
}

func (s *SettlementStore) begin() *settlementTx {
	return &settlementTx{
		s:             s,
		lastID:        s.lastID,
		rounds:        make(map[uint64]domain.Round),
		wagers:        make(map[wagerKey]domain.Wager),
		deposits:      make(map[string]wagerKey),
		distributions: make(map[uint64]domain.Distribution),
		statuses:      make(map[string]domain.LedgerStatus),
	}
}

func (tx *settlementTx) commit() {
	s := tx.s
	for id, r := range tx.rounds {
		s.rounds[id] = r
	}
	s.lastID = tx.lastID
	for _, k := range tx.newWagers {
		s.roundWagers[k.round] = append(s.roundWagers[k.round], k.participant)
	}
	for k, w := range tx.wagers {
		s.wagers[k] = w
	}
	for ref, k := range tx.deposits {
		s.deposits[ref] = k
	}
	for id, d := range tx.distributions {
		s.distributions[id] = d
	}
	for i := range s.ledger {
		if st, ok := tx.statuses[s.ledger[i].ID]; ok {
			s.ledger[i].Status = st
		}
	}
	s.ledger = append(s.ledger, tx.ledger...)
	if tx.settings != nil {
		cp := *tx.settings
		s.settings = &cp
	}
}

func (tx *settlementTx) NextRoundID(_ context.Context) (uint64, error) {
	return tx.lastID + 1, nil
}

func (tx *settlementTx) LatestRound(ctx context.Context) (domain.Round, error) {
	if tx.lastID == 0 {
		return domain.Round{}, domain.ErrNotFound
	}
	return tx.GetRound(ctx, tx.lastID)
}

func (tx *settlementTx) GetRound(_ context.Context, id uint64) (domain.Round, error) {
	if r, ok := tx.rounds[id]; ok {
		return r, nil
	}
	if r, ok := tx.s.rounds[id]; ok {
		return r, nil
	}
	return domain.Round{}, domain.ErrNotFound
}

func (tx *settlementTx) PutRound(_ context.Context, r domain.Round) error {
	if r.ID == 0 {
		return domain.ErrInvalidAmount
	}
	tx.rounds[r.ID] = r
	if r.ID > tx.lastID {
		tx.lastID = r.ID
	}
	return nil
}

func (tx *settlementTx) GetWager(_ context.Context, roundID uint64, participant common.Address) (domain.Wager, error) {
	k := wagerKey{roundID, participant}
	if w, ok := tx.wagers[k]; ok {
		return w, nil
	}
	if w, ok := tx.s.wagers[k]; ok {
		return w, nil
	}
	return domain.Wager{}, domain.ErrNotFound
}

func (tx *settlementTx) InsertWager(ctx context.Context, w domain.Wager) error {
	if _, err := tx.GetWager(ctx, w.RoundID, w.Participant); err == nil {
		return domain.ErrAlreadyExists
	}
	k := wagerKey{w.RoundID, w.Participant}
	if w.DepositRef != "" {
		_, used := tx.deposits[w.DepositRef]
		if _, committed := tx.s.deposits[w.DepositRef]; used || committed {
			return domain.ErrDepositUsed
		}
		tx.deposits[w.DepositRef] = k
	}
	tx.wagers[k] = w
	tx.newWagers = append(tx.newWagers, k)
	return nil
}

func (tx *settlementTx) MarkClaimed(ctx context.Context, roundID uint64, participant common.Address) error {
	w, err := tx.GetWager(ctx, roundID, participant)
	if err != nil {
		return err
	}
	if w.Claimed {
		return domain.ErrAlreadyClaimed
	}
	w.Claimed = true
	tx.wagers[wagerKey{roundID, participant}] = w
	return nil
}

func (tx *settlementTx) UnmarkClaimed(ctx context.Context, roundID uint64, participant common.Address) error {
	w, err := tx.GetWager(ctx, roundID, participant)
	if err != nil {
		return err
	}
	w.Claimed = false
	tx.wagers[wagerKey{roundID, participant}] = w
	return nil
}

func (tx *settlementTx) PutDistribution(_ context.Context, d domain.Distribution) error {
	tx.distributions[d.RoundID] = d
	return nil
}

func (tx *settlementTx) LockedTotal(ctx context.Context) (uint256.Int, error) {
	var locked uint256.Int
	for id := uint64(1); id <= tx.lastID; id++ {
		r, err := tx.GetRound(ctx, id)
		if err != nil || r.Resolved {
			continue
		}
		pool := r.TotalPool()
		locked.Add(&locked, &pool)
	}
	return locked, nil
}

func (tx *settlementTx) HeldBalance(_ context.Context) (uint256.Int, error) {
	var in, out uint256.Int
	for _, entries := range [][]domain.LedgerEntry{tx.s.ledger, tx.ledger} {
		for i := range entries {
			e := entries[i]
			if st, ok := tx.statuses[e.ID]; ok {
				e.Status = st
			}
			if !e.Counts() {
				continue
			}
			if e.Kind.Inflow() {
				in.Add(&in, &e.Amount)
			} else {
				out.Add(&out, &e.Amount)
			}
		}
	}
	var held uint256.Int
	if in.Gt(&out) {
		held.Sub(&in, &out)
	}
	return held, nil
}

func (tx *settlementTx) AppendLedger(_ context.Context, e domain.LedgerEntry) error {
	if e.Status == "" {
		e.Status = domain.LedgerSettled
	}
	tx.ledger = append(tx.ledger, e)
	return nil
}

func (tx *settlementTx) SetLedgerStatus(_ context.Context, id string, status domain.LedgerStatus) error {
	for i := range tx.ledger {
		if tx.ledger[i].ID == id && tx.ledger[i].Status == domain.LedgerPending {
			tx.ledger[i].Status = status
			return nil
		}
	}
	if _, done := tx.statuses[id]; done {
		return domain.ErrNotFound
	}
	for _, e := range tx.s.ledger {
		if e.ID == id && e.Status == domain.LedgerPending {
			tx.statuses[id] = status
			return nil
		}
	}
	return domain.ErrNotFound
}

func (tx *settlementTx) Settings(_ context.Context) (domain.Settings, error) {
	if tx.settings != nil {
		return *tx.settings, nil
	}
	if tx.s.settings != nil {
		return *tx.s.settings, nil
	}
	return domain.Settings{}, domain.ErrNotFound
}

func (tx *settlementTx) PutSettings(_ context.Context, st domain.Settings) error {
	tx.settings = &st
	return nil
}

// Compile-time interface checks.
var (
	_ domain.SettlementStore = (*SettlementStore)(nil)
	_ domain.SettlementTx    = (*settlementTx)(nil)
)
