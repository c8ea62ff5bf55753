package handler

import (
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/forecastpool/internal/domain"
	"github.com/alanyoungcy/forecastpool/internal/units"
)

// Amounts are rendered as base-10 integer strings in the smallest unit, with
// a decimal rendering alongside for display.

type amountDTO struct {
	Raw     string `json:"raw"`
	Display string `json:"display"`
}

func amount(v uint256.Int, decimals int32) amountDTO {
	return amountDTO{Raw: v.Dec(), Display: units.Format(&v, decimals)}
}

type roundDTO struct {
	ID               uint64    `json:"id"`
	State            string    `json:"state"`
	PredictionID     uint64    `json:"prediction_id"`
	PredictedValue   string    `json:"predicted_value"`
	ReferenceAtStart string    `json:"reference_at_start"`
	ReferenceAtEnd   string    `json:"reference_at_end,omitempty"`
	Confidence       uint8     `json:"confidence"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	Resolved         bool      `json:"resolved"`
	ForecastCorrect  *bool     `json:"forecast_correct,omitempty"`
	FeePercent       *uint8    `json:"fee_percent,omitempty"`
	TotalCorrect     amountDTO `json:"total_correct"`
	TotalIncorrect   amountDTO `json:"total_incorrect"`
	AnalysisRef      string    `json:"analysis_ref"`
	Distributed      bool      `json:"distributed"`
}

func newRoundDTO(r domain.Round, now time.Time, decimals int32) roundDTO {
	d := roundDTO{
		ID:               r.ID,
		State:            string(r.State(now)),
		PredictionID:     r.PredictionID,
		PredictedValue:   r.PredictedValue.Dec(),
		ReferenceAtStart: r.ReferenceAtStart.Dec(),
		Confidence:       r.Confidence,
		StartTime:        r.StartTime,
		EndTime:          r.EndTime,
		Resolved:         r.Resolved,
		TotalCorrect:     amount(r.TotalCorrect, decimals),
		TotalIncorrect:   amount(r.TotalIncorrect, decimals),
		AnalysisRef:      r.AnalysisRef,
		Distributed:      r.Distributed,
	}
	if r.Resolved {
		correct, fee := r.ForecastCorrect, r.FeePercent
		d.ReferenceAtEnd = r.ReferenceAtEnd.Dec()
		d.ForecastCorrect = &correct
		d.FeePercent = &fee
	}
	return d
}

type wagerDTO struct {
	RoundID     uint64    `json:"round_id"`
	Participant string    `json:"participant"`
	Amount      amountDTO `json:"amount"`
	Side        string    `json:"side"`
	Claimed     bool      `json:"claimed"`
	PlacedAt    time.Time `json:"placed_at"`
	DepositTx   string    `json:"deposit_tx,omitempty"`
}

func newWagerDTO(w domain.Wager, decimals int32) wagerDTO {
	return wagerDTO{
		RoundID:     w.RoundID,
		Participant: w.Participant.Hex(),
		Amount:      amount(w.Amount, decimals),
		Side:        string(w.Side),
		Claimed:     w.Claimed,
		PlacedAt:    w.PlacedAt,
		DepositTx:   w.DepositRef,
	}
}

type distributionDTO struct {
	RoundID       uint64    `json:"round_id"`
	RewardPool    amountDTO `json:"reward_pool"`
	Fee           amountDTO `json:"fee"`
	WinningTotal  amountDTO `json:"winning_total"`
	DistributedAt time.Time `json:"distributed_at"`
}

func newDistributionDTO(d domain.Distribution, decimals int32) distributionDTO {
	return distributionDTO{
		RoundID:       d.RoundID,
		RewardPool:    amount(d.RewardPool, decimals),
		Fee:           amount(d.Fee, decimals),
		WinningTotal:  amount(d.WinningTotal, decimals),
		DistributedAt: d.DistributedAt,
	}
}

type settingsDTO struct {
	FeePercent        uint8     `json:"fee_percent"`
	AccuracyThreshold uint8     `json:"accuracy_threshold"`
	AutoDistribute    bool      `json:"auto_distribute"`
	MinStake          amountDTO `json:"min_stake"`
	MaxStake          amountDTO `json:"max_stake"`
	RoundDuration     string    `json:"round_duration"`
	MaxForecastAge    string    `json:"max_forecast_age"`
	MinConfidence     uint8     `json:"min_confidence"`
	Paused            bool      `json:"paused"`
	Operator          string    `json:"operator"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func newSettingsDTO(s domain.Settings, decimals int32) settingsDTO {
	return settingsDTO{
		FeePercent:        s.FeePercent,
		AccuracyThreshold: s.AccuracyThreshold,
		AutoDistribute:    s.AutoDistribute,
		MinStake:          amount(s.MinStake, decimals),
		MaxStake:          amount(s.MaxStake, decimals),
		RoundDuration:     s.RoundDuration.String(),
		MaxForecastAge:    s.MaxForecastAge.String(),
		MinConfidence:     s.MinConfidence,
		Paused:            s.Paused,
		Operator:          s.Operator.Hex(),
		UpdatedAt:         s.UpdatedAt,
	}
}

type treasuryDTO struct {
	Held   amountDTO `json:"held"`
	Locked amountDTO `json:"locked"`
	Free   amountDTO `json:"free"`
}

func newTreasuryDTO(t domain.Treasury, decimals int32) treasuryDTO {
	return treasuryDTO{
		Held:   amount(t.Held, decimals),
		Locked: amount(t.Locked, decimals),
		Free:   amount(t.Free, decimals),
	}
}

type ledgerEntryDTO struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	RoundID   uint64    `json:"round_id,omitempty"`
	Account   string    `json:"account"`
	Amount    amountDTO `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

func newLedgerEntryDTO(e domain.LedgerEntry, decimals int32) ledgerEntryDTO {
	return ledgerEntryDTO{
		ID:        e.ID,
		Kind:      string(e.Kind),
		Status:    string(e.Status),
		RoundID:   e.RoundID,
		Account:   e.Account.Hex(),
		Amount:    amount(e.Amount, decimals),
		CreatedAt: e.CreatedAt,
	}
}

type predictionDTO struct {
	ID          uint64    `json:"id"`
	Forecaster  string    `json:"forecaster"`
	Value       string    `json:"value"`
	Confidence  uint8     `json:"confidence"`
	AnalysisRef string    `json:"analysis_ref"`
	SubmittedAt time.Time `json:"submitted_at"`
	Active      bool      `json:"active"`
}

func newPredictionDTO(p domain.Prediction) predictionDTO {
	return predictionDTO{
		ID:          p.ID,
		Forecaster:  p.Forecaster.Hex(),
		Value:       p.Value.Dec(),
		Confidence:  p.Confidence,
		AnalysisRef: p.AnalysisRef,
		SubmittedAt: p.SubmittedAt,
		Active:      p.Active,
	}
}

type priceDTO struct {
	Value      string    `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
	Source     string    `json:"source"`
}

func newPriceDTO(p domain.PricePoint) priceDTO {
	return priceDTO{Value: p.Value.Dec(), ObservedAt: p.ObservedAt, Source: p.Source}
}

type dataSourceDTO struct {
	Name      string    `json:"name"`
	WeightBps uint16    `json:"weight_bps"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newDataSourceDTO(ds domain.DataSource) dataSourceDTO {
	return dataSourceDTO{Name: ds.Name, WeightBps: ds.WeightBps, Active: ds.Active, UpdatedAt: ds.UpdatedAt}
}
