package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/forecastpool/internal/crypto"
	"github.com/alanyoungcy/forecastpool/internal/domain"
	"github.com/alanyoungcy/forecastpool/internal/registry"
)

// RegistryService defines the prediction registry operations the handler
// requires.
type RegistryService interface {
	Admin() common.Address
	SubmitSigned(ctx context.Context, s registry.Submission, signature string) (domain.Prediction, error)
	Latest(ctx context.Context) (domain.Prediction, error)
	Prediction(ctx context.Context, id uint64) (domain.Prediction, error)
	Predictions(ctx context.Context, opts domain.ListOpts) ([]domain.Prediction, error)
	CurrentReferencePrice(ctx context.Context) (domain.PricePoint, error)
	RecordPrice(ctx context.Context, value uint256.Int, observedAt time.Time, source string) (domain.PricePoint, error)
	AuthorizeForecaster(ctx context.Context, caller, addr common.Address) error
	RevokeForecaster(ctx context.Context, caller, addr common.Address) error
	ListForecasters(ctx context.Context) ([]common.Address, error)
	Deactivate(ctx context.Context, caller common.Address, id uint64) error
	SetDataSource(ctx context.Context, caller common.Address, name string, weightBps uint16, active bool) (domain.DataSource, error)
	ListDataSources(ctx context.Context) ([]domain.DataSource, error)
}

// RegistryHandler serves forecasts, the reference price, feed pushes and
// registry governance.
type RegistryHandler struct {
	reg    RegistryService
	feed   *crypto.HMACAuth
	clock  domain.Clock
	logger *slog.Logger
}

// NewRegistryHandler creates a RegistryHandler. Feed pushes are refused when
// feed is nil.
func NewRegistryHandler(reg RegistryService, feed *crypto.HMACAuth, clock domain.Clock, logger *slog.Logger) *RegistryHandler {
	return &RegistryHandler{
		reg:    reg,
		feed:   feed,
		clock:  clock,
		logger: logger.With(slog.String("handler", "registry")),
	}
}

type submitRequest struct {
	Value       string `json:"value"`
	Confidence  uint8  `json:"confidence"`
	AnalysisRef string `json:"analysis_ref"`
	IssuedAt    int64  `json:"issued_at"`
	Signature   string `json:"signature"`
}

// Submit stores a forecast signed by an authorized forecaster.
// POST /api/predictions
func (h *RegistryHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	value, err := uint256.FromDecimal(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid value "+req.Value)
		return
	}
	p, err := h.reg.SubmitSigned(r.Context(), registry.Submission{
		Value:       *value,
		Confidence:  req.Confidence,
		AnalysisRef: req.AnalysisRef,
		IssuedAt:    time.Unix(req.IssuedAt, 0),
	}, req.Signature)
	if err != nil {
		writeDomainError(w, r, h.logger, "submit prediction", err)
		return
	}
	writeJSON(w, http.StatusCreated, newPredictionDTO(p))
}

// Latest returns the forecast the next round would use.
// GET /api/predictions/latest
func (h *RegistryHandler) Latest(w http.ResponseWriter, r *http.Request) {
	p, err := h.reg.Latest(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "latest prediction", err)
		return
	}
	writeJSON(w, http.StatusOK, newPredictionDTO(p))
}

// GetPrediction returns one forecast by id.
// GET /api/predictions/{id}
func (h *RegistryHandler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.reg.Prediction(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get prediction", err)
		return
	}
	writeJSON(w, http.StatusOK, newPredictionDTO(p))
}

// ListPredictions returns forecasts newest first.
// GET /api/predictions
func (h *RegistryHandler) ListPredictions(w http.ResponseWriter, r *http.Request) {
	preds, err := h.reg.Predictions(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list predictions", err)
		return
	}
	out := make([]predictionDTO, 0, len(preds))
	for _, p := range preds {
		out = append(out, newPredictionDTO(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": out})
}

// Price returns the current reference price.
// GET /api/price
func (h *RegistryHandler) Price(w http.ResponseWriter, r *http.Request) {
	p, err := h.reg.CurrentReferencePrice(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "reference price", err)
		return
	}
	writeJSON(w, http.StatusOK, newPriceDTO(p))
}

type feedPriceRequest struct {
	Value      string `json:"value"`
	ObservedAt int64  `json:"observed_at"`
	Source     string `json:"source"`
}

// FeedPrice ingests a reading pushed by an external feed. The body is
// authenticated with the shared HMAC secret before it is parsed.
// POST /api/feed/price
func (h *RegistryHandler) FeedPrice(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeError(w, http.StatusNotFound, "price push disabled")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.feed.Verify(r.Method, r.URL.Path, string(body),
		r.Header.Get(crypto.HeaderFeedTimestamp), r.Header.Get(crypto.HeaderFeedSignature), h.clock.Now()); err != nil {
		h.logger.WarnContext(r.Context(), "feed push rejected", slog.String("error", err.Error()))
		writeDomainError(w, r, h.logger, "feed price", err)
		return
	}

	var req feedPriceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	value, err := uint256.FromDecimal(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid value "+req.Value)
		return
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "push"
	}
	p, err := h.reg.RecordPrice(r.Context(), *value, time.Unix(req.ObservedAt, 0).UTC(), source)
	if err != nil {
		writeDomainError(w, r, h.logger, "feed price", err)
		return
	}
	writeJSON(w, http.StatusAccepted, newPriceDTO(p))
}

// ---------------------------------------------------------------------------
// Governance. Routes are behind the operator key and act as the registry admin.
// ---------------------------------------------------------------------------

// AuthorizeForecaster allows an address to submit forecasts.
// POST /api/operator/forecasters/{address}
func (h *RegistryHandler) AuthorizeForecaster(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.reg.AuthorizeForecaster(r.Context(), h.reg.Admin(), addr); err != nil {
		writeDomainError(w, r, h.logger, "authorize forecaster", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "authorized", "address": addr.Hex()})
}

// RevokeForecaster removes an address from the forecaster set.
// DELETE /api/operator/forecasters/{address}
func (h *RegistryHandler) RevokeForecaster(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.reg.RevokeForecaster(r.Context(), h.reg.Admin(), addr); err != nil {
		writeDomainError(w, r, h.logger, "revoke forecaster", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "address": addr.Hex()})
}

// ListForecasters returns the authorized forecaster addresses.
// GET /api/forecasters
func (h *RegistryHandler) ListForecasters(w http.ResponseWriter, r *http.Request) {
	addrs, err := h.reg.ListForecasters(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "list forecasters", err)
		return
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Hex())
	}
	writeJSON(w, http.StatusOK, map[string]any{"forecasters": out})
}

// Deactivate withdraws a forecast from use.
// POST /api/operator/predictions/{id}/deactivate
func (h *RegistryHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.reg.Deactivate(r.Context(), h.reg.Admin(), id); err != nil {
		writeDomainError(w, r, h.logger, "deactivate prediction", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deactivated", "id": id})
}

type dataSourceRequest struct {
	WeightBps uint16 `json:"weight_bps"`
	Active    bool   `json:"active"`
}

// PutSource creates or updates a weighted data source.
// PUT /api/operator/sources/{name}
func (h *RegistryHandler) PutSource(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing source name")
		return
	}
	var req dataSourceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ds, err := h.reg.SetDataSource(r.Context(), h.reg.Admin(), name, req.WeightBps, req.Active)
	if err != nil {
		writeDomainError(w, r, h.logger, "set data source", err)
		return
	}
	writeJSON(w, http.StatusOK, newDataSourceDTO(ds))
}

// ListSources returns every data source.
// GET /api/sources
func (h *RegistryHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.reg.ListDataSources(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "list data sources", err)
		return
	}
	out := make([]dataSourceDTO, 0, len(sources))
	for _, ds := range sources {
		out = append(out, newDataSourceDTO(ds))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}
