// Package registry validates and stores forecasts from authorized
// forecasters and serves the latest valid forecast and the current reference
// price to the settlement engine.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/forecastpool/internal/crypto"
	"github.com/alanyoungcy/forecastpool/internal/domain"
)

// Config bounds what the registry accepts and serves.
type Config struct {
	// Asset keys the reference price in the price cache.
	Asset string
	// ValidityWindow is how long a prediction stays eligible for Latest.
	ValidityWindow time.Duration
	// PriceMaxAge is how old a fed price may be before it is stale.
	PriceMaxAge time.Duration
	// MaxFutureSkew rejects readings timestamped further ahead than this.
	MaxFutureSkew time.Duration
	// Admin is the only identity allowed to run governance operations.
	Admin common.Address
}

// Registry is the prediction and reference price boundary of the settlement
// engine.
type Registry struct {
	cfg Config

	predictions domain.PredictionStore
	forecasters domain.ForecasterStore
	sources     domain.DataSourceStore
	prices      domain.PriceCache
	clock       domain.Clock

	// priceMu orders RecordPrice read-compare-write against the cache.
	priceMu sync.Mutex
	// sourceMu guards the weight-total check in SetDataSource.
	sourceMu sync.Mutex

	verifier *crypto.Verifier
	bus      domain.SignalBus
	audit    domain.AuditStore
	logger   *slog.Logger
}

// New creates a Registry with all required dependencies.
func New(
	cfg Config,
	predictions domain.PredictionStore,
	forecasters domain.ForecasterStore,
	sources domain.DataSourceStore,
	prices domain.PriceCache,
	clock domain.Clock,
	logger *slog.Logger,
) *Registry {
	if cfg.MaxFutureSkew == 0 {
		cfg.MaxFutureSkew = time.Minute
	}
	return &Registry{
		cfg:         cfg,
		predictions: predictions,
		forecasters: forecasters,
		sources:     sources,
		prices:      prices,
		clock:       clock,
		verifier:    crypto.NewVerifier(5*time.Minute, clock.Now),
		logger:      logger.With(slog.String("component", "registry")),
	}
}

// WithVerifier replaces the signature verifier used by SubmitSigned.
func (r *Registry) WithVerifier(v *crypto.Verifier) *Registry {
	r.verifier = v
	return r
}

// WithSignalBus publishes prediction and price events.
func (r *Registry) WithSignalBus(bus domain.SignalBus) *Registry {
	r.bus = bus
	return r
}

// WithAudit records governance actions.
func (r *Registry) WithAudit(audit domain.AuditStore) *Registry {
	r.audit = audit
	return r
}

// Admin returns the governance identity.
func (r *Registry) Admin() common.Address {
	return r.cfg.Admin
}

// ---------------------------------------------------------------------------
// Forecasts
// ---------------------------------------------------------------------------

// Submit stores a new forecast from an authorized forecaster and returns it
// with its assigned id.
func (r *Registry) Submit(ctx context.Context, forecaster common.Address, value uint256.Int, confidence uint8, analysisRef string) (domain.Prediction, error) {
	ok, err := r.forecasters.IsAuthorized(ctx, forecaster)
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("registry: submit: %w", err)
	}
	if !ok {
		return domain.Prediction{}, fmt.Errorf("registry: submit: %s: %w", forecaster.Hex(), domain.ErrNotForecaster)
	}
	if confidence < domain.MinForecastConfidence || confidence > domain.MaxForecastConfidence {
		return domain.Prediction{}, fmt.Errorf("registry: submit: confidence %d: %w", confidence, domain.ErrConfidenceOutOfBounds)
	}
	if analysisRef == "" {
		return domain.Prediction{}, fmt.Errorf("registry: submit: %w", domain.ErrEmptyAnalysisRef)
	}
	if value.IsZero() {
		return domain.Prediction{}, fmt.Errorf("registry: submit: predicted value is zero: %w", domain.ErrInvalidPrice)
	}

	p, err := r.predictions.Insert(ctx, domain.Prediction{
		Forecaster:  forecaster,
		Value:       value,
		Confidence:  confidence,
		AnalysisRef: analysisRef,
		SubmittedAt: r.clock.Now(),
		Active:      true,
	})
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("registry: submit: %w", err)
	}

	r.logger.InfoContext(ctx, "prediction submitted",
		slog.Uint64("id", p.ID),
		slog.String("forecaster", forecaster.Hex()),
		slog.String("value", p.Value.Dec()),
		slog.Int("confidence", int(confidence)),
	)
	r.emit(ctx, domain.EventPredictionSubmitted, map[string]any{
		"prediction_id": p.ID,
		"forecaster":    forecaster.Hex(),
		"value":         p.Value.Dec(),
		"confidence":    confidence,
		"analysis_ref":  analysisRef,
	})
	return p, nil
}

// Submission is the signed form of a forecast.
type Submission struct {
	Value       uint256.Int
	Confidence  uint8
	AnalysisRef string
	IssuedAt    time.Time
}

// Request returns the canonical request a forecaster signs for s.
func (s Submission) Request() crypto.Request {
	return crypto.Request{
		Action: "submit_prediction",
		Fields: []crypto.Field{
			{Key: "value", Value: s.Value.Dec()},
			{Key: "confidence", Value: fmt.Sprint(s.Confidence)},
			{Key: "analysis_ref", Value: s.AnalysisRef},
		},
		IssuedAt: s.IssuedAt,
	}
}

// SubmitSigned recovers the forecaster from an EIP-191 signature over the
// submission and then behaves like Submit.
func (r *Registry) SubmitSigned(ctx context.Context, s Submission, signature string) (domain.Prediction, error) {
	forecaster, err := r.verifier.Verify(s.Request(), signature)
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("registry: submit signed: %w", err)
	}
	return r.Submit(ctx, forecaster, s.Value, s.Confidence, s.AnalysisRef)
}

// Latest returns the newest active prediction. It fails with ErrNoForecast
// when there is none and ErrStaleForecast when the newest one is older than
// the validity window.
func (r *Registry) Latest(ctx context.Context) (domain.Prediction, error) {
	p, err := r.predictions.LatestActive(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Prediction{}, fmt.Errorf("registry: latest: %w", domain.ErrNoForecast)
	}
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("registry: latest: %w", err)
	}
	if age := r.clock.Now().Sub(p.SubmittedAt); age > r.cfg.ValidityWindow {
		return domain.Prediction{}, fmt.Errorf("registry: latest: prediction %d is %s old: %w",
			p.ID, age.Round(time.Second), domain.ErrStaleForecast)
	}
	return p, nil
}

// Prediction returns a prediction by id regardless of its age or state.
func (r *Registry) Prediction(ctx context.Context, id uint64) (domain.Prediction, error) {
	p, err := r.predictions.Get(ctx, id)
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("registry: get prediction %d: %w", id, err)
	}
	return p, nil
}

// Predictions lists predictions newest first.
func (r *Registry) Predictions(ctx context.Context, opts domain.ListOpts) ([]domain.Prediction, error) {
	ps, err := r.predictions.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("registry: list predictions: %w", err)
	}
	return ps, nil
}

// ---------------------------------------------------------------------------
// Reference price
// ---------------------------------------------------------------------------

// CurrentReferencePrice returns the newest fed price if it is no older than
// the configured maximum age.
func (r *Registry) CurrentReferencePrice(ctx context.Context) (domain.PricePoint, error) {
	p, err := r.prices.GetPrice(ctx, r.cfg.Asset)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.PricePoint{}, fmt.Errorf("registry: reference price: %w", domain.ErrNoPrice)
	}
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("registry: reference price: %w", err)
	}
	if age := r.clock.Now().Sub(p.ObservedAt); age > r.cfg.PriceMaxAge {
		return domain.PricePoint{}, fmt.Errorf("registry: reference price is %s old: %w",
			age.Round(time.Second), domain.ErrStalePrice)
	}
	return p, nil
}

// RecordPrice stores a reading from a feed. Zero values, readings from the
// future and readings not newer than the cached one are rejected.
func (r *Registry) RecordPrice(ctx context.Context, value uint256.Int, observedAt time.Time, source string) (domain.PricePoint, error) {
	if value.IsZero() {
		return domain.PricePoint{}, fmt.Errorf("registry: record price: zero value: %w", domain.ErrInvalidPrice)
	}
	if observedAt.After(r.clock.Now().Add(r.cfg.MaxFutureSkew)) {
		return domain.PricePoint{}, fmt.Errorf("registry: record price: observed at %s is in the future: %w",
			observedAt.Format(time.RFC3339), domain.ErrInvalidPrice)
	}

	r.priceMu.Lock()
	defer r.priceMu.Unlock()

	prev, err := r.prices.GetPrice(ctx, r.cfg.Asset)
	switch {
	case err == nil:
		if !observedAt.After(prev.ObservedAt) {
			return domain.PricePoint{}, fmt.Errorf("registry: record price: reading at %s not newer than %s: %w",
				observedAt.Format(time.RFC3339), prev.ObservedAt.Format(time.RFC3339), domain.ErrStalePrice)
		}
	case !errors.Is(err, domain.ErrNotFound):
		return domain.PricePoint{}, fmt.Errorf("registry: record price: %w", err)
	}

	p := domain.PricePoint{Value: value, ObservedAt: observedAt.UTC(), Source: source}
	if err := r.prices.SetPrice(ctx, r.cfg.Asset, p); err != nil {
		return domain.PricePoint{}, fmt.Errorf("registry: record price: %w", err)
	}

	r.logger.DebugContext(ctx, "price recorded",
		slog.String("asset", r.cfg.Asset),
		slog.String("value", value.Dec()),
		slog.String("source", source),
	)
	r.emit(ctx, domain.EventPriceRecorded, map[string]any{
		"asset":       r.cfg.Asset,
		"value":       value.Dec(),
		"observed_at": p.ObservedAt,
		"source":      source,
	})
	return p, nil
}

// ---------------------------------------------------------------------------
// Governance
// ---------------------------------------------------------------------------

func (r *Registry) requireAdmin(caller common.Address, op string) error {
	if caller != r.cfg.Admin {
		return fmt.Errorf("registry: %s: %s: %w", op, caller.Hex(), domain.ErrUnauthorized)
	}
	return nil
}

// AuthorizeForecaster allows addr to submit predictions.
func (r *Registry) AuthorizeForecaster(ctx context.Context, caller, addr common.Address) error {
	if err := r.requireAdmin(caller, "authorize forecaster"); err != nil {
		return err
	}
	if err := r.forecasters.Authorize(ctx, addr); err != nil {
		return fmt.Errorf("registry: authorize forecaster: %w", err)
	}
	r.logger.InfoContext(ctx, "forecaster authorized", slog.String("forecaster", addr.Hex()))
	r.record(ctx, "forecaster_authorized", map[string]any{"forecaster": addr.Hex()})
	return nil
}

// RevokeForecaster removes addr's permission to submit. Its existing
// predictions stay active until deactivated.
func (r *Registry) RevokeForecaster(ctx context.Context, caller, addr common.Address) error {
	if err := r.requireAdmin(caller, "revoke forecaster"); err != nil {
		return err
	}
	if err := r.forecasters.Revoke(ctx, addr); err != nil {
		return fmt.Errorf("registry: revoke forecaster: %w", err)
	}
	r.logger.InfoContext(ctx, "forecaster revoked", slog.String("forecaster", addr.Hex()))
	r.record(ctx, "forecaster_revoked", map[string]any{"forecaster": addr.Hex()})
	return nil
}

// ListForecasters returns every authorized forecaster.
func (r *Registry) ListForecasters(ctx context.Context) ([]common.Address, error) {
	addrs, err := r.forecasters.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list forecasters: %w", err)
	}
	return addrs, nil
}

// Deactivate withdraws a prediction from Latest.
func (r *Registry) Deactivate(ctx context.Context, caller common.Address, id uint64) error {
	if err := r.requireAdmin(caller, "deactivate"); err != nil {
		return err
	}
	if err := r.predictions.Deactivate(ctx, id); err != nil {
		return fmt.Errorf("registry: deactivate %d: %w", id, err)
	}
	r.logger.InfoContext(ctx, "prediction deactivated", slog.Uint64("id", id))
	r.record(ctx, "prediction_deactivated", map[string]any{"prediction_id": id})
	return nil
}

// SetDataSource creates or updates weighted metadata about a forecasting
// input. The summed weight of active sources may not exceed 10000 bps.
func (r *Registry) SetDataSource(ctx context.Context, caller common.Address, name string, weightBps uint16, active bool) (domain.DataSource, error) {
	if err := r.requireAdmin(caller, "set data source"); err != nil {
		return domain.DataSource{}, err
	}
	if name == "" {
		return domain.DataSource{}, fmt.Errorf("registry: set data source: empty name: %w", domain.ErrInvalidWeight)
	}
	if weightBps > domain.MaxTotalWeightBps {
		return domain.DataSource{}, fmt.Errorf("registry: set data source: weight %d: %w", weightBps, domain.ErrInvalidWeight)
	}

	r.sourceMu.Lock()
	defer r.sourceMu.Unlock()

	existing, err := r.sources.List(ctx)
	if err != nil {
		return domain.DataSource{}, fmt.Errorf("registry: set data source: %w", err)
	}
	total := 0
	for _, ds := range existing {
		if ds.Active && ds.Name != name {
			total += int(ds.WeightBps)
		}
	}
	if active {
		total += int(weightBps)
	}
	if total > domain.MaxTotalWeightBps {
		return domain.DataSource{}, fmt.Errorf("registry: set data source: active weight would total %d bps: %w",
			total, domain.ErrInvalidWeight)
	}

	ds := domain.DataSource{Name: name, WeightBps: weightBps, Active: active, UpdatedAt: r.clock.Now()}
	if err := r.sources.Put(ctx, ds); err != nil {
		return domain.DataSource{}, fmt.Errorf("registry: set data source: %w", err)
	}
	r.record(ctx, "data_source_set", map[string]any{"name": name, "weight_bps": weightBps, "active": active})
	return ds, nil
}

// ListDataSources returns all data sources ordered by name.
func (r *Registry) ListDataSources(ctx context.Context) ([]domain.DataSource, error) {
	ds, err := r.sources.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list data sources: %w", err)
	}
	return ds, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (r *Registry) emit(ctx context.Context, kind domain.EventKind, data map[string]any) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.Event{Kind: kind, Data: data, At: r.clock.Now()})
	if err != nil {
		r.logger.WarnContext(ctx, "marshal event failed", slog.String("error", err.Error()))
		return
	}
	if err := r.bus.Publish(ctx, domain.ChannelRegistry, payload); err != nil {
		r.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", string(kind)),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Registry) record(ctx context.Context, event string, detail map[string]any) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(ctx, event, detail); err != nil {
		r.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
