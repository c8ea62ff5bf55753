package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/forecastpool/internal/crypto"
	"github.com/alanyoungcy/forecastpool/internal/domain"
)

const depositTx = "0x9b2f5a3c4d1e8f7a6b5c4d3e2f1a0b9c8d7e6f5a4b3c2d1e0f9a8b7c6d5e4f3a"

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

// recordingRounds captures wager placements; other methods are unused.
type recordingRounds struct {
	RoundService
	participant common.Address
	depositTx   string
	err         error
}

func (r *recordingRounds) PlaceWagerWithDeposit(_ context.Context, participant common.Address, roundID uint64, side domain.Side, amount uint256.Int, depositTx string) (domain.Wager, error) {
	if r.err != nil {
		return domain.Wager{}, r.err
	}
	r.participant = participant
	r.depositTx = depositTx
	return domain.Wager{RoundID: roundID, Participant: participant, Side: side, Amount: amount, DepositRef: depositTx}, nil
}

func postWager(t *testing.T, h *RoundHandler, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/rounds/1/wagers", bytes.NewReader(raw))
	req.SetPathValue("id", "1")
	rec := httptest.NewRecorder()
	h.PlaceWager(rec, req)
	return rec
}

func TestPlaceWagerForwardsSignedDeposit(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := fixedClock(now)
	signer, err := crypto.GenerateSigner()
	require.NoError(t, err)

	rounds := &recordingRounds{}
	h := NewRoundHandler(rounds, crypto.NewVerifier(time.Minute, clock.Now), clock, 18,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	sig, err := signer.Sign(WagerRequest(1, domain.SideCorrect, *uint256.NewInt(500), depositTx, now))
	require.NoError(t, err)

	rec := postWager(t, h, map[string]any{
		"side":       "correct",
		"amount":     "500",
		"deposit_tx": depositTx,
		"issued_at":  now.Unix(),
		"signature":  sig,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, signer.Address(), rounds.participant)
	assert.Equal(t, depositTx, rounds.depositTx)
	assert.Contains(t, rec.Body.String(), `"deposit_tx":"`+depositTx+`"`)

	t.Run("deposit swapped after signing", func(t *testing.T) {
		rec := postWager(t, h, map[string]any{
			"side":       "correct",
			"amount":     "500",
			"deposit_tx": "0x" + depositTx[4:] + "00",
			"issued_at":  now.Unix(),
			"signature":  sig,
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.NotEqual(t, signer.Address(), rounds.participant, "signature no longer recovers the depositor")
	})

	t.Run("unfunded wager", func(t *testing.T) {
		rounds.err = domain.ErrDepositRequired
		rec := postWager(t, h, map[string]any{
			"side":      "correct",
			"amount":    "500",
			"issued_at": now.Unix(),
			"signature": sig,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("deposit reused", func(t *testing.T) {
		rounds.err = domain.ErrDepositUsed
		rec := postWager(t, h, map[string]any{
			"side":       "correct",
			"amount":     "500",
			"deposit_tx": depositTx,
			"issued_at":  now.Unix(),
			"signature":  sig,
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}
