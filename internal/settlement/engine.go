// Package settlement runs the round lifecycle: starting rounds from the
// latest forecast, collecting wagers, resolving against the reference price,
// finalizing distributions and paying out claims.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

// ForecastSource supplies the latest valid forecast.
type ForecastSource interface {
	Latest(ctx context.Context) (domain.Prediction, error)
}

// PriceSource supplies the current reference price.
type PriceSource interface {
	CurrentReferencePrice(ctx context.Context) (domain.PricePoint, error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Metrics receives settlement activity counters.
type Metrics interface {
	RoundStarted()
	WagerPlaced(side domain.Side, amount *uint256.Int)
	RoundResolved(correct bool)
	RoundsDistributed(n int)
	RewardClaimed(amount *uint256.Int)
	TransferFailed(kind domain.LedgerKind)
	FeesWithdrawn(amount *uint256.Int)
}

const (
	lockKey = "settlement"
	lockTTL = 30 * time.Second

	// recordTimeout bounds the write that settles or reverses an outflow
	// after its transfer returned.
	recordTimeout = 30 * time.Second
)

type transferKey struct{}

func inTransfer(ctx context.Context) bool {
	v, _ := ctx.Value(transferKey{}).(bool)
	return v
}

// Engine serializes every state-mutating settlement operation. Mutations run
// inside one SettlementStore.Atomic unit; funds leave custody only through
// ClaimReward and WithdrawFees.
type Engine struct {
	mu           sync.Mutex
	transferring atomic.Bool

	store     domain.SettlementStore
	forecasts ForecastSource
	prices    PriceSource
	transfers domain.Transferer
	clock     domain.Clock

	trigger  common.Address
	deposits domain.DepositVerifier
	locks    domain.LockManager
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier Notifier
	metrics  Metrics
	logger   *slog.Logger
}

// NewEngine creates an Engine with all required dependencies.
func NewEngine(
	store domain.SettlementStore,
	forecasts ForecastSource,
	prices PriceSource,
	transfers domain.Transferer,
	clock domain.Clock,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:     store,
		forecasts: forecasts,
		prices:    prices,
		transfers: transfers,
		clock:     clock,
		logger:    logger.With(slog.String("component", "settlement")),
	}
}

// WithTrigger sets the identity the automated trigger uses to resolve rounds.
func (e *Engine) WithTrigger(addr common.Address) *Engine {
	e.trigger = addr
	return e
}

// WithDepositVerifier requires every wager to name the on-chain transfer that
// funded it.
func (e *Engine) WithDepositVerifier(v domain.DepositVerifier) *Engine {
	e.deposits = v
	return e
}

// WithLockManager serializes mutations across processes sharing one store.
func (e *Engine) WithLockManager(lm domain.LockManager) *Engine {
	e.locks = lm
	return e
}

// WithSignalBus publishes an event for every transition.
func (e *Engine) WithSignalBus(bus domain.SignalBus) *Engine {
	e.bus = bus
	return e
}

// WithAudit records operator actions and transitions in the audit log.
func (e *Engine) WithAudit(audit domain.AuditStore) *Engine {
	e.audit = audit
	return e
}

// WithNotifier sends alerts on round transitions and transfer failures.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// WithMetrics attaches settlement counters.
func (e *Engine) WithMetrics(m Metrics) *Engine {
	e.metrics = m
	return e
}

// exclusive runs fn while holding the process mutex and, when configured, the
// distributed lock. Calls made while a transfer is in flight are rejected,
// whether or not they carry the transfer's context.
func (e *Engine) exclusive(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if inTransfer(ctx) || e.transferring.Load() {
		return fmt.Errorf("settlement: %s: %w", op, domain.ErrReentrantCall)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.locks != nil {
		unlock, err := e.locks.Acquire(ctx, lockKey, lockTTL)
		if err != nil {
			return fmt.Errorf("settlement: %s: acquire lock: %w", op, err)
		}
		defer unlock()
	}
	return fn(ctx)
}

// EnsureSettings stores defaults when no settings were persisted yet and
// returns the effective settings.
func (e *Engine) EnsureSettings(ctx context.Context, defaults domain.Settings) (domain.Settings, error) {
	if err := validateSettings(defaults); err != nil {
		return domain.Settings{}, fmt.Errorf("settlement: ensure settings: %w", err)
	}
	var out domain.Settings
	err := e.exclusive(ctx, "ensure settings", func(ctx context.Context) error {
		return e.store.Atomic(ctx, func(ctx context.Context, tx domain.SettlementTx) error {
			s, err := tx.Settings(ctx)
			if err == nil {
				out = s
				return nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			defaults.UpdatedAt = e.clock.Now()
			out = defaults
			return tx.PutSettings(ctx, defaults)
		})
	})
	if err != nil {
		return domain.Settings{}, fmt.Errorf("settlement: ensure settings: %w", err)
	}
	return out, nil
}

func validateSettings(s domain.Settings) error {
	switch {
	case s.FeePercent > domain.MaxFeePercent:
		return domain.ErrFeeOutOfBounds
	case s.AccuracyThreshold > domain.MaxAccuracyThreshold:
		return domain.ErrThresholdOutOfBounds
	case s.MinStake.Gt(&s.MaxStake):
		return domain.ErrStakeOutOfBounds
	case s.RoundDuration <= 0:
		return fmt.Errorf("round duration must be positive: %w", domain.ErrInvalidAmount)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// StartRound opens a new round from the latest forecast and reference price.
// The previous round, if any, must be resolved and past its end time.
func (e *Engine) StartRound(ctx context.Context, caller common.Address) (domain.Round, error) {
	var round domain.Round
	err := e.exclusive(ctx, "start round", func(ctx context.Context) error {
		settings, err := e.store.Settings(ctx)
		if err != nil {
			return err
		}
		if caller != settings.Operator {
			return domain.ErrNotOperator
		}
		now := e.clock.Now()
		if err := e.checkPrevious(ctx, e.store.LatestRound, now); err != nil {
			return err
		}

		pred, err := e.forecasts.Latest(ctx)
		if err != nil {
			return fmt.Errorf("read forecast: %w", err)
		}
		if now.Sub(pred.SubmittedAt) > settings.MaxForecastAge {
			return domain.ErrStaleForecast
		}
		if pred.Confidence < settings.MinConfidence {
			return domain.ErrLowConfidence
		}
		price, err := e.prices.CurrentReferencePrice(ctx)
		if err != nil {
			return fmt.Errorf("read reference price: %w", err)
		}
		if price.Value.IsZero() {
			return domain.ErrInvalidPrice
		}

		return e.store.Atomic(ctx, func(ctx context.Context, tx domain.SettlementTx) error {
			if err := e.checkPrevious(ctx, tx.LatestRound, now); err != nil {
				return err
			}
			id, err := tx.NextRoundID(ctx)
			if err != nil {
				return err
			}
			round = domain.Round{
				ID:               id,
				PredictionID:     pred.ID,
				PredictedValue:   pred.Value,
				ReferenceAtStart: price.Value,
				Confidence:       pred.Confidence,
				StartTime:        now,
				EndTime:          now.Add(settings.RoundDuration),
				AnalysisRef:      pred.AnalysisRef,
			}
			return tx.PutRound(ctx, round)
		})
	})
	if err != nil {
		return domain.Round{}, fmt.Errorf("settlement: start round: %w", err)
	}

	if e.metrics != nil {
		e.metrics.RoundStarted()
	}
	e.emit(ctx, domain.EventRoundStarted, round.ID, map[string]any{
		"prediction_id":      round.PredictionID,
		"predicted_value":    round.PredictedValue.Dec(),
		"reference_at_start": round.ReferenceAtStart.Dec(),
		"end_time":           round.EndTime,
	})
	e.record(ctx, "round.started", map[string]any{
		"round_id":      round.ID,
		"prediction_id": round.PredictionID,
		"caller":        caller.Hex(),
	})
	e.alert(ctx, string(domain.EventRoundStarted), fmt.Sprintf("Round %d open", round.ID),
		fmt.Sprintf("Forecast %s vs reference %s, betting closes %s",
			round.PredictedValue.Dec(), round.ReferenceAtStart.Dec(), round.EndTime.Format(time.RFC3339)))
	e.logger.InfoContext(ctx, "round started",
		slog.Uint64("round_id", round.ID),
		slog.Uint64("prediction_id", round.PredictionID),
		slog.Time("end_time", round.EndTime),
	)
	return round, nil
}

func (e *Engine) checkPrevious(ctx context.Context, latest func(context.Context) (domain.Round, error), now time.Time) error {
	prev, err := latest(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !prev.Resolved || !prev.Ended(now) {
		return domain.ErrPreviousRoundUnfinished
	}
	return nil
}

// PlaceWager records participant's stake on side of an open round. It fails
// with ErrDepositRequired when a deposit verifier is configured.
func (e *Engine) PlaceWager(ctx context.Context, participant common.Address, roundID uint64, side domain.Side, amount uint256.Int) (domain.Wager, error) {
	return e.PlaceWagerWithDeposit(ctx, participant, roundID, side, amount, "")
}

// PlaceWagerWithDeposit is PlaceWager for a stake funded by the transfer ref.
// With a deposit verifier configured the transfer must move exactly amount
// from participant into custody, and a ref funds at most one wager. Without
// one, ref is ignored.
func (e *Engine) PlaceWagerWithDeposit(ctx context.Context, participant common.Address, roundID uint64, side domain.Side, amount uint256.Int, ref string) (domain.Wager, error) {
	if !side.Valid() {
		return domain.Wager{}, fmt.Errorf("settlement: place wager: %w", domain.ErrInvalidSide)
	}
	ref = strings.ToLower(strings.TrimSpace(ref))
	if e.deposits == nil {
		ref = ""
	} else {
		if ref == "" {
			return domain.Wager{}, fmt.Errorf("settlement: place wager: %w", domain.ErrDepositRequired)
		}
		if err := e.deposits.VerifyDeposit(ctx, ref, participant, amount); err != nil {
			return domain.Wager{}, fmt.Errorf("settlement: place wager: deposit %s: %w", ref, err)
		}
	}
	var wager domain.Wager
	err := e.exclusive(ctx, "place wager", func(ctx context.Context) error {
		return e.store.Atomic(ctx, func(ctx context.Context, tx domain.SettlementTx) error {
			settings, err := tx.Settings(ctx)
			if err != nil {
				return err
			}
			if settings.Paused {
				return domain.ErrPaused
			}
			round, err := tx.GetRound(ctx, roundID)
			if err != nil {
				return err
			}
			now := e.clock.Now()
			if round.Resolved || round.Ended(now) {
				return domain.ErrRoundNotOpen
			}
			if _, err := tx.GetWager(ctx, roundID, participant); err == nil {
				return domain.ErrDoubleStake
			} else if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			if amount.IsZero() || amount.Lt(&settings.MinStake) || amount.Gt(&settings.MaxStake) {
				return domain.ErrStakeOutOfBounds
			}

			wager = domain.Wager{
				RoundID:     roundID,
				Participant: participant,
				Amount:      amount,
				Side:        side,
				PlacedAt:    now,
				DepositRef:  ref,
			}
			if err := tx.InsertWager(ctx, wager); err != nil {
				if errors.Is(err, domain.ErrAlreadyExists) {
					return domain.ErrDoubleStake
				}
				return err
			}
			if side == domain.SideCorrect {
				round.TotalCorrect.Add(&round.TotalCorrect, &amount)
			} else {
				round.TotalIncorrect.Add(&round.TotalIncorrect, &amount)
			}
			if err := tx.PutRound(ctx, round); err != nil {
				return err
			}
			return tx.AppendLedger(ctx, domain.LedgerEntry{
				ID:        uuid.NewString(),
				Kind:      domain.LedgerStake,
				Status:    domain.LedgerSettled,
				RoundID:   roundID,
				Account:   participant,
				Amount:    amount,
				CreatedAt: now,
			})
		})
	})
	if err != nil {
		return domain.Wager{}, fmt.Errorf("settlement: place wager: %w", err)
	}

	if e.metrics != nil {
		e.metrics.WagerPlaced(side, &amount)
	}
	e.emit(ctx, domain.EventWagerPlaced, roundID, map[string]any{
		"participant": participant.Hex(),
		"side":        string(side),
		"amount":      amount.Dec(),
	})
	e.logger.InfoContext(ctx, "wager placed",
		slog.Uint64("round_id", roundID),
		slog.String("participant", participant.Hex()),
		slog.String("side", string(side)),
		slog.String("amount", amount.Dec()),
	)
	return wager, nil
}

// ResolveRound judges an ended round against the current reference price.
// Only the operator or the configured trigger may resolve. A round with an
// empty pool is finalized immediately.
func (e *Engine) ResolveRound(ctx context.Context, caller common.Address, roundID uint64) (domain.Round, error) {
	var round domain.Round
	err := e.exclusive(ctx, "resolve round", func(ctx context.Context) error {
		settings, err := e.store.Settings(ctx)
		if err != nil {
			return err
		}
		if caller != settings.Operator && (e.trigger == (common.Address{}) || caller != e.trigger) {
			return domain.ErrNotOperator
		}
		current, err := e.store.GetRound(ctx, roundID)
		if err != nil {
			return err
		}
		if current.Resolved {
			return domain.ErrAlreadyResolved
		}
		if !current.Ended(e.clock.Now()) {
			return domain.ErrRoundNotEnded
		}

		price, err := e.prices.CurrentReferencePrice(ctx)
		if err != nil {
			return fmt.Errorf("read reference price: %w", err)
		}
		if price.Value.IsZero() {
			return domain.ErrInvalidPrice
		}

		return e.store.Atomic(ctx, func(ctx context.Context, tx domain.SettlementTx) error {
			settings, err := tx.Settings(ctx)
			if err != nil {
				return err
			}
			round, err = tx.GetRound(ctx, roundID)
			if err != nil {
				return err
			}
			if round.Resolved {
				return domain.ErrAlreadyResolved
			}
			round.ReferenceAtEnd = price.Value
			round.ForecastCorrect = IsAccurate(&round.PredictedValue, &round.ReferenceAtEnd,
				&round.ReferenceAtStart, settings.AccuracyThreshold)
			round.FeePercent = settings.FeePercent
			round.Resolved = true

			pool := round.TotalPool()
			if pool.IsZero() {
				round.Distributed = true
				if err := tx.PutDistribution(ctx, domain.Distribution{
					RoundID:       roundID,
					DistributedAt: e.clock.Now(),
				}); err != nil {
					return err
				}
			}
			return tx.PutRound(ctx, round)
		})
	})
	if err != nil {
		return domain.Round{}, fmt.Errorf("settlement: resolve round %d: %w", roundID, err)
	}

	pool := round.TotalPool()
	rewardPool := RewardPool(&pool, round.FeePercent)
	deviation := Deviation(&round.PredictedValue, &round.ReferenceAtEnd, &round.ReferenceAtStart)

	if e.metrics != nil {
		e.metrics.RoundResolved(round.ForecastCorrect)
	}
	e.emit(ctx, domain.EventRoundResolved, roundID, map[string]any{
		"reference_at_end": round.ReferenceAtEnd.Dec(),
		"deviation":        deviation.Dec(),
		"forecast_correct": round.ForecastCorrect,
		"reward_pool":      rewardPool.Dec(),
	})
	e.record(ctx, "round.resolved", map[string]any{
		"round_id":         roundID,
		"caller":           caller.Hex(),
		"forecast_correct": round.ForecastCorrect,
		"reference_at_end": round.ReferenceAtEnd.Dec(),
	})
	e.alert(ctx, string(domain.EventRoundResolved), fmt.Sprintf("Round %d resolved", roundID),
		fmt.Sprintf("Winning side %s, deviation %s%%, reward pool %s",
			round.WinningSide(), deviation.Dec(), rewardPool.Dec()))
	e.logger.InfoContext(ctx, "round resolved",
		slog.Uint64("round_id", roundID),
		slog.Bool("forecast_correct", round.ForecastCorrect),
		slog.String("deviation", deviation.Dec()),
		slog.String("reward_pool", rewardPool.Dec()),
	)
	return round, nil
}

// ---------------------------------------------------------------------------
// Distribution sweep
// ---------------------------------------------------------------------------

// CheckUpkeep lists up to MaxSweepBatch resolved, undistributed rounds with a
// non-zero pool. It returns nothing while automatic distribution is off.
func (e *Engine) CheckUpkeep(ctx context.Context) ([]uint64, error) {
	settings, err := e.store.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("settlement: check upkeep: %w", err)
	}
	if !settings.AutoDistribute {
		return []uint64{}, nil
	}
	rounds, err := e.store.ListUndistributed(ctx, domain.MaxSweepBatch)
	if err != nil {
		return nil, fmt.Errorf("settlement: check upkeep: %w", err)
	}
	ids := make([]uint64, 0, len(rounds))
	for _, r := range rounds {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// PerformUpkeep sweeps the given rounds. Ineligible or unknown ids are
// skipped; ids beyond MaxSweepBatch are ignored. It returns the ids actually
// marked distributed.
func (e *Engine) PerformUpkeep(ctx context.Context, roundIDs []uint64) ([]uint64, error) {
	ids := dedupe(roundIDs)
	if len(ids) > domain.MaxSweepBatch {
		e.logger.WarnContext(ctx, "sweep batch truncated",
			slog.Int("requested", len(ids)),
			slog.Int("max", domain.MaxSweepBatch),
		)
		ids = ids[:domain.MaxSweepBatch]
	}

	var done []uint64
	var dists []domain.Distribution
	err := e.exclusive(ctx, "perform upkeep", func(ctx context.Context) error {
		done, dists = nil, nil
		return e.store.Atomic(ctx, func(ctx context.Context, tx domain.SettlementTx) error {
			settings, err := tx.Settings(ctx)
			if err != nil {
				return err
			}
			now := e.clock.Now()
			for _, id := range ids {
				round, err := tx.GetRound(ctx, id)
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if !round.Resolved || round.Distributed {
					continue
				}
				pool := round.TotalPool()
				if !pool.IsZero() && !settings.AutoDistribute {
					continue
				}
				winning := round.WinningTotal()
				d := domain.Distribution{
					RoundID:       id,
					RewardPool:    *RewardPool(&pool, round.FeePercent),
					Fee:           *Fee(&pool, round.FeePercent),
					WinningTotal:  winning,
					DistributedAt: now,
				}
				round.Distributed = true
				if err := tx.PutRound(ctx, round); err != nil {
					return err
				}
				if err := tx.PutDistribution(ctx, d); err != nil {
					return err
				}
				done = append(done, id)
				dists = append(dists, d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("settlement: perform upkeep: %w", err)
	}
	if len(done) == 0 {
		return []uint64{}, nil
	}

	if e.metrics != nil {
		e.metrics.RoundsDistributed(len(done))
	}
	for _, d := range dists {
		e.emit(ctx, domain.EventRoundsDistributed, d.RoundID, map[string]any{
			"reward_pool":   d.RewardPool.Dec(),
			"fee":           d.Fee.Dec(),
			"winning_total": d.WinningTotal.Dec(),
		})
	}
	e.record(ctx, "rounds.distributed", map[string]any{"round_ids": done})
	e.logger.InfoContext(ctx, "rounds distributed", slog.Any("round_ids", done))
	return done, nil
}

func dedupe(ids []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(ids))
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ---------------------------------------------------------------------------
// Fund movement
// ---------------------------------------------------------------------------

// ClaimReward pays participant's proportional share of a resolved round. The
// claimed flag and a pending payout entry commit before the transfer. The
// entry then settles, or is reversed together with the flag when the
// transfer fails, so a crash between the steps never pays twice.
func (e *Engine) ClaimReward(ctx context.Context, participant common.Address, roundID uint64) (uint256.Int, error) {
	var reward uint256.Int
	err := e.exclusive(ctx, "claim", func(ctx context.Context) error {
		var out outflow
		err := e.store.Atomic(ctx, func(ctx context.Context, tx domain.SettlementTx) error {
			settings, err := tx.Settings(ctx)
			if err != nil {
				return err
			}
			if settings.Paused {
				return domain.ErrPaused
			}
			round, err := tx.GetRound(ctx, roundID)
			if err != nil {
				return err
			}
			if !round.Resolved {
				return domain.ErrRoundNotResolved
			}
			wager, err := tx.GetWager(ctx, roundID, participant)
			if errors.Is(err, domain.ErrNotFound) {
				return domain.ErrNoWager
			}
			if err != nil {
				return err
			}
			if !round.RewardableSide(wager.Side) {
				return domain.ErrLosingSide
			}
			if wager.Claimed {
				return domain.ErrAlreadyClaimed
			}
			if settings.AutoDistribute && !round.Distributed {
				return domain.ErrClaimIneligible
			}

			pool := round.TotalPool()
			winning := round.WinningTotal()
			reward = *Reward(RewardPool(&pool, round.FeePercent), &wager.Amount, &winning)

			if err := tx.MarkClaimed(ctx, roundID, participant); err != nil {
				return err
			}
			if reward.IsZero() {
				return nil
			}
			out = outflow{
				entry: domain.LedgerEntry{
					ID:        uuid.NewString(),
					Kind:      domain.LedgerPayout,
					Status:    domain.LedgerPending,
					RoundID:   roundID,
					Account:   participant,
					Amount:    reward,
					CreatedAt: e.clock.Now(),
				},
				memo: fmt.Sprintf("round %d reward", roundID),
				undo: func(ctx context.Context, tx domain.SettlementTx) error {
					return tx.UnmarkClaimed(ctx, roundID, participant)
				},
			}
			return tx.AppendLedger(ctx, out.entry)
		})
		if err != nil || out.entry.ID == "" {
			return err
		}
		return e.settleOutflow(ctx, out)
	})
	if err != nil {
		if errors.Is(err, domain.ErrTransferFailed) {
			e.transferFailed(ctx, domain.LedgerPayout, participant, reward, err)
		}
		return uint256.Int{}, fmt.Errorf("settlement: claim round %d: %w", roundID, err)
	}

	if e.metrics != nil {
		e.metrics.RewardClaimed(&reward)
	}
	e.emit(ctx, domain.EventRewardClaimed, roundID, map[string]any{
		"participant": participant.Hex(),
		"amount":      reward.Dec(),
	})
	e.logger.InfoContext(ctx, "reward claimed",
		slog.Uint64("round_id", roundID),
		slog.String("participant", participant.Hex()),
		slog.String("amount", reward.Dec()),
	)
	return reward, nil
}

// WithdrawFees moves amount of the free balance to to. The free balance is
// the held balance minus the pools of every unresolved round, read in the
// same atomic unit that records the pending withdrawal.
func (e *Engine) WithdrawFees(ctx context.Context, caller, to common.Address, amount uint256.Int) (domain.Treasury, error) {
	if amount.IsZero() {
		return domain.Treasury{}, fmt.Errorf("settlement: withdraw: %w", domain.ErrInvalidAmount)
	}
	var after domain.Treasury
	err := e.exclusive(ctx, "withdraw", func(ctx context.Context) error {
		out := outflow{memo: "fee withdrawal"}
		err := e.store.Atomic(ctx, func(ctx context.Context, tx domain.SettlementTx) error {
			settings, err := tx.Settings(ctx)
			if err != nil {
				return err
			}
			if caller != settings.Operator {
				return domain.ErrNotOperator
			}
			t, err := treasury(ctx, tx)
			if err != nil {
				return err
			}
			if amount.Gt(&t.Free) {
				return domain.ErrInsufficientFreeBalance
			}
			out.entry = domain.LedgerEntry{
				ID:        uuid.NewString(),
				Kind:      domain.LedgerWithdrawal,
				Status:    domain.LedgerPending,
				Account:   to,
				Amount:    amount,
				CreatedAt: e.clock.Now(),
			}
			if err := tx.AppendLedger(ctx, out.entry); err != nil {
				return err
			}
			after = t
			after.Held.Sub(&t.Held, &amount)
			after.Free.Sub(&t.Free, &amount)
			return nil
		})
		if err != nil {
			return err
		}
		return e.settleOutflow(ctx, out)
	})
	if err != nil {
		if errors.Is(err, domain.ErrTransferFailed) {
			e.transferFailed(ctx, domain.LedgerWithdrawal, to, amount, err)
		}
		return domain.Treasury{}, fmt.Errorf("settlement: withdraw: %w", err)
	}

	if e.metrics != nil {
		e.metrics.FeesWithdrawn(&amount)
	}
	e.emit(ctx, domain.EventFeesWithdrawn, 0, map[string]any{
		"to":     to.Hex(),
		"amount": amount.Dec(),
	})
	e.record(ctx, "fees.withdrawn", map[string]any{
		"caller": caller.Hex(),
		"to":     to.Hex(),
		"amount": amount.Dec(),
	})
	e.logger.InfoContext(ctx, "fees withdrawn",
		slog.String("to", to.Hex()),
		slog.String("amount", amount.Dec()),
	)
	return after, nil
}

// outflow is a committed pending ledger entry awaiting its transfer. undo
// runs in the reversing unit when the transfer fails.
type outflow struct {
	entry domain.LedgerEntry
	memo  string
	undo  func(ctx context.Context, tx domain.SettlementTx) error
}

// settleOutflow transfers a pending outflow and records the outcome. A
// transfer that succeeded is reported as success even when recording it
// fails; the entry then stays pending for the operator to reconcile.
func (e *Engine) settleOutflow(ctx context.Context, out outflow) error {
	terr := e.transfer(ctx, out.entry.Account, out.entry.Amount, out.memo)

	// The transfer outcome is final, so record it even if ctx is done.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if terr == nil {
		err := e.store.Atomic(rctx, func(ctx context.Context, tx domain.SettlementTx) error {
			return tx.SetLedgerStatus(ctx, out.entry.ID, domain.LedgerSettled)
		})
		if err != nil {
			e.unreconciled(ctx, out.entry, domain.LedgerSettled, err)
		}
		return nil
	}

	err := e.store.Atomic(rctx, func(ctx context.Context, tx domain.SettlementTx) error {
		if err := tx.SetLedgerStatus(ctx, out.entry.ID, domain.LedgerReversed); err != nil {
			return err
		}
		if out.undo != nil {
			return out.undo(ctx, tx)
		}
		return nil
	})
	if err != nil {
		e.unreconciled(ctx, out.entry, domain.LedgerReversed, err)
		return errors.Join(terr, fmt.Errorf("record reversal: %w", err))
	}
	return terr
}

func (e *Engine) unreconciled(ctx context.Context, entry domain.LedgerEntry, want domain.LedgerStatus, err error) {
	e.logger.ErrorContext(ctx, "ledger entry left pending",
		slog.String("entry_id", entry.ID),
		slog.String("kind", string(entry.Kind)),
		slog.String("want_status", string(want)),
		slog.String("to", entry.Account.Hex()),
		slog.String("amount", entry.Amount.Dec()),
		slog.String("error", err.Error()),
	)
	e.alert(ctx, "ledger_unreconciled", "Ledger entry needs reconciliation",
		fmt.Sprintf("%s %s of %s to %s should be %s: %v",
			entry.Kind, entry.ID, entry.Amount.Dec(), entry.Account.Hex(), want, err))
}

func (e *Engine) transfer(ctx context.Context, to common.Address, amount uint256.Int, memo string) error {
	e.transferring.Store(true)
	defer e.transferring.Store(false)

	tctx := context.WithValue(ctx, transferKey{}, true)
	if err := e.transfers.Transfer(tctx, to, amount, memo); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransferFailed, err)
	}
	return nil
}

func (e *Engine) transferFailed(ctx context.Context, kind domain.LedgerKind, to common.Address, amount uint256.Int, err error) {
	if e.metrics != nil {
		e.metrics.TransferFailed(kind)
	}
	e.logger.ErrorContext(ctx, "transfer failed",
		slog.String("kind", string(kind)),
		slog.String("to", to.Hex()),
		slog.String("amount", amount.Dec()),
		slog.String("error", err.Error()),
	)
	e.alert(ctx, "transfer_failed", "Transfer failed",
		fmt.Sprintf("%s of %s to %s: %v", kind, amount.Dec(), to.Hex(), err))
}

func treasury(ctx context.Context, tx domain.SettlementTx) (domain.Treasury, error) {
	held, err := tx.HeldBalance(ctx)
	if err != nil {
		return domain.Treasury{}, err
	}
	locked, err := tx.LockedTotal(ctx)
	if err != nil {
		return domain.Treasury{}, err
	}
	t := domain.Treasury{Held: held, Locked: locked}
	if held.Gt(&locked) {
		t.Free.Sub(&held, &locked)
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// Operator settings
// ---------------------------------------------------------------------------

// SetFeePercent changes the fee applied to rounds resolved from now on.
func (e *Engine) SetFeePercent(ctx context.Context, caller common.Address, fee uint8) (domain.Settings, error) {
	return e.updateSettings(ctx, caller, "set fee", func(s *domain.Settings) error {
		if fee > domain.MaxFeePercent {
			return domain.ErrFeeOutOfBounds
		}
		s.FeePercent = fee
		return nil
	})
}

// SetAccuracyThreshold changes the threshold applied to future resolutions.
func (e *Engine) SetAccuracyThreshold(ctx context.Context, caller common.Address, threshold uint8) (domain.Settings, error) {
	return e.updateSettings(ctx, caller, "set threshold", func(s *domain.Settings) error {
		if threshold > domain.MaxAccuracyThreshold {
			return domain.ErrThresholdOutOfBounds
		}
		s.AccuracyThreshold = threshold
		return nil
	})
}

// SetAutoDistribution toggles the distribution sweep.
func (e *Engine) SetAutoDistribution(ctx context.Context, caller common.Address, enabled bool) (domain.Settings, error) {
	return e.updateSettings(ctx, caller, "set auto distribution", func(s *domain.Settings) error {
		s.AutoDistribute = enabled
		return nil
	})
}

// Pause blocks wagers and claims.
func (e *Engine) Pause(ctx context.Context, caller common.Address) (domain.Settings, error) {
	return e.updateSettings(ctx, caller, "pause", func(s *domain.Settings) error {
		s.Paused = true
		return nil
	})
}

// Unpause re-enables wagers and claims.
func (e *Engine) Unpause(ctx context.Context, caller common.Address) (domain.Settings, error) {
	return e.updateSettings(ctx, caller, "unpause", func(s *domain.Settings) error {
		s.Paused = false
		return nil
	})
}

func (e *Engine) updateSettings(ctx context.Context, caller common.Address, op string, mutate func(*domain.Settings) error) (domain.Settings, error) {
	var updated domain.Settings
	err := e.exclusive(ctx, op, func(ctx context.Context) error {
		return e.store.Atomic(ctx, func(ctx context.Context, tx domain.SettlementTx) error {
			s, err := tx.Settings(ctx)
			if err != nil {
				return err
			}
			if caller != s.Operator {
				return domain.ErrNotOperator
			}
			if err := mutate(&s); err != nil {
				return err
			}
			s.UpdatedAt = e.clock.Now()
			updated = s
			return tx.PutSettings(ctx, s)
		})
	})
	if err != nil {
		return domain.Settings{}, fmt.Errorf("settlement: %s: %w", op, err)
	}

	e.emit(ctx, domain.EventSettingsChanged, 0, map[string]any{
		"op":                 op,
		"fee_percent":        updated.FeePercent,
		"accuracy_threshold": updated.AccuracyThreshold,
		"auto_distribute":    updated.AutoDistribute,
		"paused":             updated.Paused,
	})
	e.record(ctx, "settings."+op, map[string]any{
		"caller":             caller.Hex(),
		"fee_percent":        updated.FeePercent,
		"accuracy_threshold": updated.AccuracyThreshold,
		"auto_distribute":    updated.AutoDistribute,
		"paused":             updated.Paused,
	})
	e.logger.InfoContext(ctx, "settings updated", slog.String("op", op))
	return updated, nil
}

// SetRegistry swaps the forecast and price sources used by later operations.
func (e *Engine) SetRegistry(ctx context.Context, caller common.Address, forecasts ForecastSource, prices PriceSource) error {
	err := e.exclusive(ctx, "set registry", func(ctx context.Context) error {
		settings, err := e.store.Settings(ctx)
		if err != nil {
			return err
		}
		if caller != settings.Operator {
			return domain.ErrNotOperator
		}
		if forecasts == nil || prices == nil {
			return fmt.Errorf("registry sources must be non-nil: %w", domain.ErrInvalidAmount)
		}
		e.forecasts = forecasts
		e.prices = prices
		return nil
	})
	if err != nil {
		return fmt.Errorf("settlement: set registry: %w", err)
	}
	e.record(ctx, "registry.updated", map[string]any{"caller": caller.Hex()})
	e.logger.InfoContext(ctx, "registry reference updated")
	return nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Round returns a round by id.
func (e *Engine) Round(ctx context.Context, id uint64) (domain.Round, error) {
	r, err := e.store.GetRound(ctx, id)
	if err != nil {
		return domain.Round{}, fmt.Errorf("settlement: get round %d: %w", id, err)
	}
	return r, nil
}

// LatestRound returns the round with the highest id.
func (e *Engine) LatestRound(ctx context.Context) (domain.Round, error) {
	r, err := e.store.LatestRound(ctx)
	if err != nil {
		return domain.Round{}, fmt.Errorf("settlement: latest round: %w", err)
	}
	return r, nil
}

// Rounds lists rounds newest first.
func (e *Engine) Rounds(ctx context.Context, opts domain.ListOpts) ([]domain.Round, error) {
	rs, err := e.store.ListRounds(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("settlement: list rounds: %w", err)
	}
	return rs, nil
}

// Wager returns participant's wager in a round.
func (e *Engine) Wager(ctx context.Context, roundID uint64, participant common.Address) (domain.Wager, error) {
	w, err := e.store.GetWager(ctx, roundID, participant)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("settlement: get wager: %w", err)
	}
	return w, nil
}

// Wagers lists every wager in a round.
func (e *Engine) Wagers(ctx context.Context, roundID uint64) ([]domain.Wager, error) {
	ws, err := e.store.ListWagers(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("settlement: list wagers: %w", err)
	}
	return ws, nil
}

// Distribution returns the finalized bookkeeping of a swept round.
func (e *Engine) Distribution(ctx context.Context, roundID uint64) (domain.Distribution, error) {
	d, err := e.store.GetDistribution(ctx, roundID)
	if err != nil {
		return domain.Distribution{}, fmt.Errorf("settlement: get distribution: %w", err)
	}
	return d, nil
}

// Settings returns the current protocol settings.
func (e *Engine) Settings(ctx context.Context) (domain.Settings, error) {
	s, err := e.store.Settings(ctx)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("settlement: settings: %w", err)
	}
	return s, nil
}

// Treasury returns the held, locked and free balance.
func (e *Engine) Treasury(ctx context.Context) (domain.Treasury, error) {
	t, err := e.store.Treasury(ctx)
	if err != nil {
		return domain.Treasury{}, fmt.Errorf("settlement: treasury: %w", err)
	}
	return t, nil
}

// Ledger returns ledger entries newest first. Pending outflows are transfers
// whose outcome was not recorded yet.
func (e *Engine) Ledger(ctx context.Context, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	entries, err := e.store.ListLedger(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("settlement: ledger: %w", err)
	}
	return entries, nil
}

// ---------------------------------------------------------------------------
// side effects
// ---------------------------------------------------------------------------

func (e *Engine) emit(ctx context.Context, kind domain.EventKind, roundID uint64, data map[string]any) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.Event{Kind: kind, RoundID: roundID, Data: data, At: e.clock.Now()})
	if err != nil {
		e.logger.WarnContext(ctx, "marshal event failed", slog.String("error", err.Error()))
		return
	}
	if err := e.bus.Publish(ctx, domain.ChannelSettlement, payload); err != nil {
		e.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", string(kind)),
			slog.String("error", err.Error()),
		)
	}
	if err := e.bus.StreamAppend(ctx, domain.StreamSettlement, payload); err != nil {
		e.logger.WarnContext(ctx, "stream append failed",
			slog.String("event", string(kind)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) record(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) alert(ctx context.Context, event, title, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
