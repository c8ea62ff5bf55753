package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

// OperatorService defines the operator and trigger operations of the
// settlement engine.
type OperatorService interface {
	StartRound(ctx context.Context, caller common.Address) (domain.Round, error)
	ResolveRound(ctx context.Context, caller common.Address, roundID uint64) (domain.Round, error)
	CheckUpkeep(ctx context.Context) ([]uint64, error)
	PerformUpkeep(ctx context.Context, roundIDs []uint64) ([]uint64, error)
	WithdrawFees(ctx context.Context, caller, to common.Address, amount uint256.Int) (domain.Treasury, error)
	SetFeePercent(ctx context.Context, caller common.Address, fee uint8) (domain.Settings, error)
	SetAccuracyThreshold(ctx context.Context, caller common.Address, threshold uint8) (domain.Settings, error)
	SetAutoDistribution(ctx context.Context, caller common.Address, enabled bool) (domain.Settings, error)
	Pause(ctx context.Context, caller common.Address) (domain.Settings, error)
	Unpause(ctx context.Context, caller common.Address) (domain.Settings, error)
	Ledger(ctx context.Context, opts domain.ListOpts) ([]domain.LedgerEntry, error)
}

// OperatorHandler serves the operator endpoints. Requests reach it only after
// API-key authentication and act as the configured operator address.
type OperatorHandler struct {
	ops      OperatorService
	operator common.Address
	clock    domain.Clock
	decimals int32
	logger   *slog.Logger
}

// NewOperatorHandler creates an OperatorHandler acting as operator.
func NewOperatorHandler(ops OperatorService, operator common.Address, clock domain.Clock, decimals int32, logger *slog.Logger) *OperatorHandler {
	return &OperatorHandler{
		ops:      ops,
		operator: operator,
		clock:    clock,
		decimals: decimals,
		logger:   logger.With(slog.String("handler", "operator")),
	}
}

// StartRound opens a new round from the latest forecast.
// POST /api/operator/rounds
func (h *OperatorHandler) StartRound(w http.ResponseWriter, r *http.Request) {
	round, err := h.ops.StartRound(r.Context(), h.operator)
	if err != nil {
		writeDomainError(w, r, h.logger, "start round", err)
		return
	}
	writeJSON(w, http.StatusCreated, newRoundDTO(round, h.clock.Now(), h.decimals))
}

// ResolveRound judges an ended round.
// POST /api/operator/rounds/{id}/resolve
func (h *OperatorHandler) ResolveRound(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	round, err := h.ops.ResolveRound(r.Context(), h.operator, id)
	if err != nil {
		writeDomainError(w, r, h.logger, "resolve round", err)
		return
	}
	writeJSON(w, http.StatusOK, newRoundDTO(round, h.clock.Now(), h.decimals))
}

// CheckUpkeep lists the rounds the sweep would finalize.
// GET /api/upkeep
func (h *OperatorHandler) CheckUpkeep(w http.ResponseWriter, r *http.Request) {
	ids, err := h.ops.CheckUpkeep(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "check upkeep", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"upkeep_needed": len(ids) > 0,
		"round_ids":     ids,
	})
}

type performUpkeepRequest struct {
	RoundIDs []uint64 `json:"round_ids"`
}

// PerformUpkeep sweeps the given rounds and reports which were finalized.
// POST /api/upkeep
func (h *OperatorHandler) PerformUpkeep(w http.ResponseWriter, r *http.Request) {
	var req performUpkeepRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	done, err := h.ops.PerformUpkeep(r.Context(), req.RoundIDs)
	if err != nil {
		writeDomainError(w, r, h.logger, "perform upkeep", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"distributed": done})
}

type feeRequest struct {
	FeePercent uint8 `json:"fee_percent"`
}

// SetFee changes the fee applied to rounds resolved from now on.
// PUT /api/operator/settings/fee
func (h *OperatorHandler) SetFee(w http.ResponseWriter, r *http.Request) {
	var req feeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.settings(w, r, "set fee", func(ctx context.Context) (domain.Settings, error) {
		return h.ops.SetFeePercent(ctx, h.operator, req.FeePercent)
	})
}

type thresholdRequest struct {
	AccuracyThreshold uint8 `json:"accuracy_threshold"`
}

// SetThreshold changes the accuracy threshold.
// PUT /api/operator/settings/threshold
func (h *OperatorHandler) SetThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.settings(w, r, "set threshold", func(ctx context.Context) (domain.Settings, error) {
		return h.ops.SetAccuracyThreshold(ctx, h.operator, req.AccuracyThreshold)
	})
}

type autoDistributionRequest struct {
	Enabled bool `json:"enabled"`
}

// SetAutoDistribution toggles the automated sweep.
// PUT /api/operator/settings/auto-distribution
func (h *OperatorHandler) SetAutoDistribution(w http.ResponseWriter, r *http.Request) {
	var req autoDistributionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.settings(w, r, "set auto distribution", func(ctx context.Context) (domain.Settings, error) {
		return h.ops.SetAutoDistribution(ctx, h.operator, req.Enabled)
	})
}

// Pause blocks participant operations.
// POST /api/operator/pause
func (h *OperatorHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.settings(w, r, "pause", func(ctx context.Context) (domain.Settings, error) {
		return h.ops.Pause(ctx, h.operator)
	})
}

// Unpause resumes participant operations.
// POST /api/operator/unpause
func (h *OperatorHandler) Unpause(w http.ResponseWriter, r *http.Request) {
	h.settings(w, r, "unpause", func(ctx context.Context) (domain.Settings, error) {
		return h.ops.Unpause(ctx, h.operator)
	})
}

func (h *OperatorHandler) settings(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context) (domain.Settings, error)) {
	s, err := fn(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, newSettingsDTO(s, h.decimals))
}

type withdrawRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// Withdraw moves part of the free balance out of custody.
// POST /api/operator/withdraw
func (h *OperatorHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amt, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := h.ops.WithdrawFees(r.Context(), h.operator, to, amt)
	if err != nil {
		writeDomainError(w, r, h.logger, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, newTreasuryDTO(t, h.decimals))
}

// Ledger lists custody movements newest first, including the status of each
// payout and withdrawal.
// GET /api/operator/ledger
func (h *OperatorHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ops.Ledger(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "ledger", err)
		return
	}
	out := make([]ledgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, newLedgerEntryDTO(e, h.decimals))
	}
	writeJSON(w, http.StatusOK, out)
}
