package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/forecastpool/internal/crypto"
	"github.com/alanyoungcy/forecastpool/internal/domain"
)

// RoundService defines the settlement queries and participant operations the
// round handler requires.
type RoundService interface {
	Round(ctx context.Context, id uint64) (domain.Round, error)
	Rounds(ctx context.Context, opts domain.ListOpts) ([]domain.Round, error)
	Wager(ctx context.Context, roundID uint64, participant common.Address) (domain.Wager, error)
	Wagers(ctx context.Context, roundID uint64) ([]domain.Wager, error)
	Distribution(ctx context.Context, roundID uint64) (domain.Distribution, error)
	Settings(ctx context.Context) (domain.Settings, error)
	Treasury(ctx context.Context) (domain.Treasury, error)
	PlaceWagerWithDeposit(ctx context.Context, participant common.Address, roundID uint64, side domain.Side, amount uint256.Int, depositTx string) (domain.Wager, error)
	ClaimReward(ctx context.Context, participant common.Address, roundID uint64) (uint256.Int, error)
}

// WagerRequest is the canonical text a participant signs to place a wager.
// The deposit line is present only for wagers funded on chain.
func WagerRequest(roundID uint64, side domain.Side, amount uint256.Int, depositTx string, issuedAt time.Time) crypto.Request {
	fields := []crypto.Field{
		{Key: "round_id", Value: strconv.FormatUint(roundID, 10)},
		{Key: "side", Value: string(side)},
		{Key: "amount", Value: amount.Dec()},
	}
	if depositTx != "" {
		fields = append(fields, crypto.Field{Key: "deposit_tx", Value: depositTx})
	}
	return crypto.Request{
		Action:   "place_wager",
		Fields:   fields,
		IssuedAt: issuedAt,
	}
}

// ClaimRequest is the canonical text a participant signs to claim a reward.
func ClaimRequest(roundID uint64, issuedAt time.Time) crypto.Request {
	return crypto.Request{
		Action:   "claim_reward",
		Fields:   []crypto.Field{{Key: "round_id", Value: strconv.FormatUint(roundID, 10)}},
		IssuedAt: issuedAt,
	}
}

// RoundHandler serves round queries and the signed participant endpoints.
type RoundHandler struct {
	rounds   RoundService
	verifier *crypto.Verifier
	clock    domain.Clock
	decimals int32
	logger   *slog.Logger
}

// NewRoundHandler creates a RoundHandler. Amounts are displayed with the
// given number of decimals.
func NewRoundHandler(rounds RoundService, verifier *crypto.Verifier, clock domain.Clock, decimals int32, logger *slog.Logger) *RoundHandler {
	return &RoundHandler{
		rounds:   rounds,
		verifier: verifier,
		clock:    clock,
		decimals: decimals,
		logger:   logger.With(slog.String("handler", "rounds")),
	}
}

// ListRounds returns rounds newest first.
// GET /api/rounds?limit=50&offset=0
func (h *RoundHandler) ListRounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := h.rounds.Rounds(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list rounds", err)
		return
	}
	now := h.clock.Now()
	out := make([]roundDTO, 0, len(rounds))
	for _, rd := range rounds {
		out = append(out, newRoundDTO(rd, now, h.decimals))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rounds": out})
}

// GetRound returns a single round.
// GET /api/rounds/{id}
func (h *RoundHandler) GetRound(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	round, err := h.rounds.Round(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get round", err)
		return
	}
	writeJSON(w, http.StatusOK, newRoundDTO(round, h.clock.Now(), h.decimals))
}

// GetDistribution returns the finalized pool of a swept round.
// GET /api/rounds/{id}/distribution
func (h *RoundHandler) GetDistribution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := h.rounds.Distribution(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get distribution", err)
		return
	}
	writeJSON(w, http.StatusOK, newDistributionDTO(d, h.decimals))
}

// ListWagers returns every wager of a round in placement order.
// GET /api/rounds/{id}/wagers
func (h *RoundHandler) ListWagers(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wagers, err := h.rounds.Wagers(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "list wagers", err)
		return
	}
	out := make([]wagerDTO, 0, len(wagers))
	for _, wg := range wagers {
		out = append(out, newWagerDTO(wg, h.decimals))
	}
	writeJSON(w, http.StatusOK, map[string]any{"wagers": out})
}

// GetWager returns one participant's wager.
// GET /api/rounds/{id}/wagers/{participant}
func (h *RoundHandler) GetWager(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	participant, err := parseAddress(r.PathValue("participant"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wager, err := h.rounds.Wager(r.Context(), id, participant)
	if err != nil {
		writeDomainError(w, r, h.logger, "get wager", err)
		return
	}
	writeJSON(w, http.StatusOK, newWagerDTO(wager, h.decimals))
}

type placeWagerRequest struct {
	Side      string `json:"side"`
	Amount    string `json:"amount"`
	DepositTx string `json:"deposit_tx,omitempty"`
	IssuedAt  int64  `json:"issued_at"`
	Signature string `json:"signature"`
}

// PlaceWager stakes on a side of an open round. The participant is the
// address recovered from the signature. When custody is on chain, deposit_tx
// names the participant's transfer of the stake.
// POST /api/rounds/{id}/wagers
func (h *RoundHandler) PlaceWager(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req placeWagerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	side := domain.Side(req.Side)
	if !side.Valid() {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidSide.Error())
		return
	}
	amt, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	depositTx := strings.TrimSpace(req.DepositTx)
	participant, err := h.verifier.Verify(WagerRequest(id, side, amt, depositTx, time.Unix(req.IssuedAt, 0)), req.Signature)
	if err != nil {
		writeDomainError(w, r, h.logger, "place wager", err)
		return
	}
	wager, err := h.rounds.PlaceWagerWithDeposit(r.Context(), participant, id, side, amt, depositTx)
	if err != nil {
		writeDomainError(w, r, h.logger, "place wager", err)
		return
	}
	writeJSON(w, http.StatusCreated, newWagerDTO(wager, h.decimals))
}

type claimRequest struct {
	IssuedAt  int64  `json:"issued_at"`
	Signature string `json:"signature"`
}

// Claim pays out the signer's reward for a resolved round.
// POST /api/rounds/{id}/claim
func (h *RoundHandler) Claim(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req claimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	participant, err := h.verifier.Verify(ClaimRequest(id, time.Unix(req.IssuedAt, 0)), req.Signature)
	if err != nil {
		writeDomainError(w, r, h.logger, "claim reward", err)
		return
	}
	reward, err := h.rounds.ClaimReward(r.Context(), participant, id)
	if err != nil {
		writeDomainError(w, r, h.logger, "claim reward", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"round_id":    id,
		"participant": participant.Hex(),
		"reward":      amount(reward, h.decimals),
	})
}

// GetSettings returns the protocol parameters.
// GET /api/settings
func (h *RoundHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.rounds.Settings(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "get settings", err)
		return
	}
	writeJSON(w, http.StatusOK, newSettingsDTO(s, h.decimals))
}

// GetTreasury returns the held, locked and free balances.
// GET /api/treasury
func (h *RoundHandler) GetTreasury(w http.ResponseWriter, r *http.Request) {
	t, err := h.rounds.Treasury(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "get treasury", err)
		return
	}
	writeJSON(w, http.StatusOK, newTreasuryDTO(t, h.decimals))
}
