package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

// settlementLockKey is the transaction-scoped advisory lock that serializes
// Atomic units across every process sharing the database.
const settlementLockKey int64 = 0x466f7265 // "Fore"

const roundColumns = `id, prediction_id, predicted_value::text, reference_at_start::text,
	reference_at_end::text, confidence, start_time, end_time, resolved, forecast_correct,
	fee_percent, total_correct::text, total_incorrect::text, analysis_ref, distributed`

const wagerColumns = `round_id, participant, amount::text, side, claimed, placed_at, deposit_ref`

const ledgerColumns = `id, kind, status, round_id, account, amount::text, created_at`

// depositRefIndex enforces that one deposit funds at most one wager.
const depositRefIndex = "wagers_deposit_ref_key"

// SettlementStore implements domain.SettlementStore using PostgreSQL.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given
// connection pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

// GetRound returns a round by id.
func (s *SettlementStore) GetRound(ctx context.Context, id uint64) (domain.Round, error) {
	return getRound(ctx, s.pool, id)
}

// LatestRound returns the round with the highest id.
func (s *SettlementStore) LatestRound(ctx context.Context) (domain.Round, error) {
	return latestRound(ctx, s.pool)
}

// ListRounds returns rounds newest first.
func (s *SettlementStore) ListRounds(ctx context.Context, opts domain.ListOpts) ([]domain.Round, error) {
	query, args := listClause(`SELECT `+roundColumns+` FROM rounds WHERE TRUE`, "start_time", "id DESC", nil, opts)
	return queryRounds(ctx, s.pool, query, args...)
}

// ListUndistributed returns resolved rounds with a non-zero pool that were
// not distributed yet, oldest first.
func (s *SettlementStore) ListUndistributed(ctx context.Context, limit int) ([]domain.Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds
		WHERE resolved AND NOT distributed AND total_correct + total_incorrect > 0
		ORDER BY id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	return queryRounds(ctx, s.pool, query, args...)
}

// ListDistributedBefore returns distributed rounds that ended before the
// cutoff, oldest first.
func (s *SettlementStore) ListDistributedBefore(ctx context.Context, before time.Time, afterID uint64, limit int) ([]domain.Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds WHERE distributed AND end_time < $1 AND id > $2 ORDER BY id`
	args := []any{before, int64(afterID)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return queryRounds(ctx, s.pool, query, args...)
}

// GetWager returns the wager keyed by (roundID, participant).
func (s *SettlementStore) GetWager(ctx context.Context, roundID uint64, participant common.Address) (domain.Wager, error) {
	return getWager(ctx, s.pool, roundID, participant)
}

// ListWagers returns every wager of a round in placement order.
func (s *SettlementStore) ListWagers(ctx context.Context, roundID uint64) ([]domain.Wager, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+wagerColumns+` FROM wagers WHERE round_id = $1 ORDER BY seq`, int64(roundID))
	if err != nil {
		return nil, fmt.Errorf("postgres: list wagers of round %d: %w", roundID, err)
	}
	defer rows.Close()

	var wagers []domain.Wager
	for rows.Next() {
		w, err := scanWager(rows)
		if err != nil {
			return nil, err
		}
		wagers = append(wagers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list wagers rows: %w", err)
	}
	return wagers, nil
}

// GetDistribution returns the distribution record of a swept round.
func (s *SettlementStore) GetDistribution(ctx context.Context, roundID uint64) (domain.Distribution, error) {
	const query = `SELECT round_id, reward_pool::text, fee::text, winning_total::text, distributed_at
		FROM round_distributions WHERE round_id = $1`

	var (
		d                       domain.Distribution
		id                      int64
		pool, fee, winningTotal string
	)
	err := s.pool.QueryRow(ctx, query, int64(roundID)).Scan(&id, &pool, &fee, &winningTotal, &d.DistributedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Distribution{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Distribution{}, fmt.Errorf("postgres: get distribution %d: %w", roundID, err)
	}
	d.RoundID = uint64(id)
	d.DistributedAt = d.DistributedAt.UTC()
	if d.RewardPool, err = parseU256(pool); err != nil {
		return domain.Distribution{}, err
	}
	if d.Fee, err = parseU256(fee); err != nil {
		return domain.Distribution{}, err
	}
	if d.WinningTotal, err = parseU256(winningTotal); err != nil {
		return domain.Distribution{}, err
	}
	return d, nil
}

// Settings returns the persisted settings.
func (s *SettlementStore) Settings(ctx context.Context) (domain.Settings, error) {
	return getSettings(ctx, s.pool)
}

// Treasury computes held, locked and free balance from committed state.
func (s *SettlementStore) Treasury(ctx context.Context) (domain.Treasury, error) {
	held, err := heldBalance(ctx, s.pool)
	if err != nil {
		return domain.Treasury{}, err
	}
	locked, err := lockedTotal(ctx, s.pool)
	if err != nil {
		return domain.Treasury{}, err
	}
	t := domain.Treasury{Held: held, Locked: locked}
	if held.Gt(&locked) {
		t.Free.Sub(&held, &locked)
	}
	return t, nil
}

// ListLedger returns ledger entries newest first.
func (s *SettlementStore) ListLedger(ctx context.Context, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	query, args := listClause(
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE TRUE`,
		"created_at", "seq DESC", nil, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			e       domain.LedgerEntry
			kind    string
			status  string
			roundID int64
			account string
			amount  string
		)
		if err := rows.Scan(&e.ID, &kind, &status, &roundID, &account, &amount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan ledger entry: %w", err)
		}
		e.Kind = domain.LedgerKind(kind)
		e.Status = domain.LedgerStatus(status)
		e.RoundID = uint64(roundID)
		e.Account = addr(account)
		e.CreatedAt = e.CreatedAt.UTC()
		if e.Amount, err = parseU256(amount); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list ledger rows: %w", err)
	}
	return entries, nil
}

// Atomic runs fn inside one transaction holding the settlement advisory
// lock. The transaction commits only when fn returns nil.
func (s *SettlementStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx domain.SettlementTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin settlement tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, settlementLockKey); err != nil {
		return fmt.Errorf("postgres: settlement lock: %w", err)
	}

	if err := fn(ctx, &settlementTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit settlement tx: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Transaction
// ---------------------------------------------------------------------------

type settlementTx struct {
	tx pgx.Tx
}

func (t *settlementTx) NextRoundID(ctx context.Context) (uint64, error) {
	var next int64
	if err := t.tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM rounds`).Scan(&next); err != nil {
		return 0, fmt.Errorf("postgres: next round id: %w", err)
	}
	return uint64(next), nil
}

func (t *settlementTx) LatestRound(ctx context.Context) (domain.Round, error) {
	return latestRound(ctx, t.tx)
}

func (t *settlementTx) GetRound(ctx context.Context, id uint64) (domain.Round, error) {
	return getRound(ctx, t.tx, id)
}

func (t *settlementTx) PutRound(ctx context.Context, r domain.Round) error {
	const query = `
		INSERT INTO rounds (
			id, prediction_id, predicted_value, reference_at_start, reference_at_end,
			confidence, start_time, end_time, resolved, forecast_correct,
			fee_percent, total_correct, total_incorrect, analysis_ref, distributed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			reference_at_end = EXCLUDED.reference_at_end,
			resolved         = EXCLUDED.resolved,
			forecast_correct = EXCLUDED.forecast_correct,
			fee_percent      = EXCLUDED.fee_percent,
			total_correct    = EXCLUDED.total_correct,
			total_incorrect  = EXCLUDED.total_incorrect,
			distributed      = EXCLUDED.distributed`

	_, err := t.tx.Exec(ctx, query,
		int64(r.ID), int64(r.PredictionID),
		dec(r.PredictedValue), dec(r.ReferenceAtStart), dec(r.ReferenceAtEnd),
		int16(r.Confidence), r.StartTime, r.EndTime,
		r.Resolved, r.ForecastCorrect, int16(r.FeePercent),
		dec(r.TotalCorrect), dec(r.TotalIncorrect),
		r.AnalysisRef, r.Distributed,
	)
	if err != nil {
		return fmt.Errorf("postgres: put round %d: %w", r.ID, err)
	}
	return nil
}

func (t *settlementTx) GetWager(ctx context.Context, roundID uint64, participant common.Address) (domain.Wager, error) {
	return getWager(ctx, t.tx, roundID, participant)
}

func (t *settlementTx) InsertWager(ctx context.Context, w domain.Wager) error {
	const query = `
		INSERT INTO wagers (round_id, participant, amount, side, claimed, placed_at, deposit_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (round_id, participant) DO NOTHING`

	tag, err := t.tx.Exec(ctx, query,
		int64(w.RoundID), w.Participant.Hex(), dec(w.Amount), string(w.Side), w.Claimed, w.PlacedAt, w.DepositRef)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == depositRefIndex {
		return domain.ErrDepositUsed
	}
	if err != nil {
		return fmt.Errorf("postgres: insert wager %d/%s: %w", w.RoundID, w.Participant.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (t *settlementTx) MarkClaimed(ctx context.Context, roundID uint64, participant common.Address) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE wagers SET claimed = TRUE WHERE round_id = $1 AND participant = $2 AND NOT claimed`,
		int64(roundID), participant.Hex())
	if err != nil {
		return fmt.Errorf("postgres: mark claimed %d/%s: %w", roundID, participant.Hex(), err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := t.GetWager(ctx, roundID, participant); err != nil {
		return err
	}
	return domain.ErrAlreadyClaimed
}

func (t *settlementTx) UnmarkClaimed(ctx context.Context, roundID uint64, participant common.Address) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE wagers SET claimed = FALSE WHERE round_id = $1 AND participant = $2`,
		int64(roundID), participant.Hex())
	if err != nil {
		return fmt.Errorf("postgres: unmark claimed %d/%s: %w", roundID, participant.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *settlementTx) PutDistribution(ctx context.Context, d domain.Distribution) error {
	const query = `
		INSERT INTO round_distributions (round_id, reward_pool, fee, winning_total, distributed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (round_id) DO NOTHING`

	_, err := t.tx.Exec(ctx, query,
		int64(d.RoundID), dec(d.RewardPool), dec(d.Fee), dec(d.WinningTotal), d.DistributedAt)
	if err != nil {
		return fmt.Errorf("postgres: put distribution %d: %w", d.RoundID, err)
	}
	return nil
}

func (t *settlementTx) LockedTotal(ctx context.Context) (uint256.Int, error) {
	return lockedTotal(ctx, t.tx)
}

func (t *settlementTx) HeldBalance(ctx context.Context) (uint256.Int, error) {
	return heldBalance(ctx, t.tx)
}

func (t *settlementTx) AppendLedger(ctx context.Context, e domain.LedgerEntry) error {
	const query = `
		INSERT INTO ledger_entries (id, kind, status, round_id, account, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	status := e.Status
	if status == "" {
		status = domain.LedgerSettled
	}
	_, err := t.tx.Exec(ctx, query,
		e.ID, string(e.Kind), string(status), int64(e.RoundID), e.Account.Hex(), dec(e.Amount), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append ledger %s: %w", e.Kind, err)
	}
	return nil
}

func (t *settlementTx) SetLedgerStatus(ctx context.Context, id string, status domain.LedgerStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE ledger_entries SET status = $2 WHERE id = $1 AND status = 'pending'`, id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: set ledger %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *settlementTx) Settings(ctx context.Context) (domain.Settings, error) {
	return getSettings(ctx, t.tx)
}

func (t *settlementTx) PutSettings(ctx context.Context, st domain.Settings) error {
	const query = `
		INSERT INTO settings (
			id, fee_percent, accuracy_threshold, auto_distribute, min_stake, max_stake,
			round_duration_seconds, max_forecast_age_seconds, min_confidence, paused,
			operator, updated_at
		) VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			fee_percent              = EXCLUDED.fee_percent,
			accuracy_threshold       = EXCLUDED.accuracy_threshold,
			auto_distribute          = EXCLUDED.auto_distribute,
			min_stake                = EXCLUDED.min_stake,
			max_stake                = EXCLUDED.max_stake,
			round_duration_seconds   = EXCLUDED.round_duration_seconds,
			max_forecast_age_seconds = EXCLUDED.max_forecast_age_seconds,
			min_confidence           = EXCLUDED.min_confidence,
			paused                   = EXCLUDED.paused,
			operator                 = EXCLUDED.operator,
			updated_at               = EXCLUDED.updated_at`

	_, err := t.tx.Exec(ctx, query,
		int16(st.FeePercent), int16(st.AccuracyThreshold), st.AutoDistribute,
		dec(st.MinStake), dec(st.MaxStake),
		seconds(st.RoundDuration), seconds(st.MaxForecastAge),
		int16(st.MinConfidence), st.Paused, st.Operator.Hex(), st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: put settings: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Shared queries
// ---------------------------------------------------------------------------

func getRound(ctx context.Context, q querier, id uint64) (domain.Round, error) {
	r, err := scanRound(q.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Round{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Round{}, fmt.Errorf("postgres: get round %d: %w", id, err)
	}
	return r, nil
}

func latestRound(ctx context.Context, q querier) (domain.Round, error) {
	r, err := scanRound(q.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds ORDER BY id DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Round{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Round{}, fmt.Errorf("postgres: latest round: %w", err)
	}
	return r, nil
}

func queryRounds(ctx context.Context, q querier, query string, args ...any) ([]domain.Round, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rounds: %w", err)
	}
	defer rows.Close()

	var rounds []domain.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan round: %w", err)
		}
		rounds = append(rounds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list rounds rows: %w", err)
	}
	return rounds, nil
}

func scanRound(row pgx.Row) (domain.Round, error) {
	var (
		r                            domain.Round
		id, predictionID             int64
		predicted, refStart, refEnd  string
		confidence, fee              int16
		totalCorrect, totalIncorrect string
	)
	err := row.Scan(
		&id, &predictionID, &predicted, &refStart, &refEnd,
		&confidence, &r.StartTime, &r.EndTime, &r.Resolved, &r.ForecastCorrect,
		&fee, &totalCorrect, &totalIncorrect, &r.AnalysisRef, &r.Distributed,
	)
	if err != nil {
		return domain.Round{}, err
	}
	r.ID = uint64(id)
	r.PredictionID = uint64(predictionID)
	r.Confidence = uint8(confidence)
	r.FeePercent = uint8(fee)
	r.StartTime = r.StartTime.UTC()
	r.EndTime = r.EndTime.UTC()

	for _, f := range []struct {
		dst *uint256.Int
		src string
	}{
		{&r.PredictedValue, predicted},
		{&r.ReferenceAtStart, refStart},
		{&r.ReferenceAtEnd, refEnd},
		{&r.TotalCorrect, totalCorrect},
		{&r.TotalIncorrect, totalIncorrect},
	} {
		v, err := parseU256(f.src)
		if err != nil {
			return domain.Round{}, err
		}
		*f.dst = v
	}
	return r, nil
}

func getWager(ctx context.Context, q querier, roundID uint64, participant common.Address) (domain.Wager, error) {
	row := q.QueryRow(ctx,
		`SELECT `+wagerColumns+` FROM wagers WHERE round_id = $1 AND participant = $2`,
		int64(roundID), participant.Hex())
	w, err := scanWager(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Wager{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Wager{}, fmt.Errorf("postgres: get wager %d/%s: %w", roundID, participant.Hex(), err)
	}
	return w, nil
}

func scanWager(row pgx.Row) (domain.Wager, error) {
	var (
		w                 domain.Wager
		roundID           int64
		participant, side string
		amount            string
	)
	if err := row.Scan(&roundID, &participant, &amount, &side, &w.Claimed, &w.PlacedAt, &w.DepositRef); err != nil {
		return domain.Wager{}, err
	}
	w.RoundID = uint64(roundID)
	w.Participant = addr(participant)
	w.Side = domain.Side(side)
	w.PlacedAt = w.PlacedAt.UTC()
	v, err := parseU256(amount)
	if err != nil {
		return domain.Wager{}, err
	}
	w.Amount = v
	return w, nil
}

func getSettings(ctx context.Context, q querier) (domain.Settings, error) {
	const query = `
		SELECT fee_percent, accuracy_threshold, auto_distribute, min_stake::text, max_stake::text,
			round_duration_seconds, max_forecast_age_seconds, min_confidence, paused, operator, updated_at
		FROM settings WHERE id = 1`

	var (
		st                            domain.Settings
		fee, threshold, minConfidence int16
		minStake, maxStake, operator  string
		duration, maxAge              int64
	)
	err := q.QueryRow(ctx, query).Scan(
		&fee, &threshold, &st.AutoDistribute, &minStake, &maxStake,
		&duration, &maxAge, &minConfidence, &st.Paused, &operator, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Settings{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Settings{}, fmt.Errorf("postgres: get settings: %w", err)
	}
	st.FeePercent = uint8(fee)
	st.AccuracyThreshold = uint8(threshold)
	st.MinConfidence = uint8(minConfidence)
	st.RoundDuration = time.Duration(duration) * time.Second
	st.MaxForecastAge = time.Duration(maxAge) * time.Second
	st.Operator = addr(operator)
	st.UpdatedAt = st.UpdatedAt.UTC()
	if st.MinStake, err = parseU256(minStake); err != nil {
		return domain.Settings{}, err
	}
	if st.MaxStake, err = parseU256(maxStake); err != nil {
		return domain.Settings{}, err
	}
	return st, nil
}

func lockedTotal(ctx context.Context, q querier) (uint256.Int, error) {
	var total string
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_correct + total_incorrect), 0)::text FROM rounds WHERE NOT resolved`,
	).Scan(&total)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("postgres: locked total: %w", err)
	}
	return parseU256(total)
}

func heldBalance(ctx context.Context, q querier) (uint256.Int, error) {
	const query = `
		SELECT GREATEST(COALESCE(SUM(CASE WHEN kind = 'stake' THEN amount ELSE -amount END), 0), 0)::text
		FROM ledger_entries WHERE status <> 'reversed'`

	var held string
	if err := q.QueryRow(ctx, query).Scan(&held); err != nil {
		return uint256.Int{}, fmt.Errorf("postgres: held balance: %w", err)
	}
	return parseU256(held)
}

// Compile-time interface checks.
var (
	_ domain.SettlementStore = (*SettlementStore)(nil)
	_ domain.SettlementTx    = (*settlementTx)(nil)
)
