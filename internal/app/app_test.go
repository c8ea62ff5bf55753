package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/forecastpool/internal/config"
	"github.com/alanyoungcy/forecastpool/internal/domain"
)

const (
	testOperator   = "0x1000000000000000000000000000000000000001"
	testAdmin      = "0x2000000000000000000000000000000000000002"
	testForecaster = "0x3000000000000000000000000000000000000003"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Settlement.Operator = testOperator
	cfg.Registry.Admin = testAdmin
	cfg.Registry.Forecasters = []string{testForecaster}
	cfg.Server.APIKey = "k"
	cfg.Server.Port = freePort(t)
	cfg.Feed.HMACSecret = "feed"
	require.NoError(t, cfg.Validate())
	return &cfg
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWireAndBootstrapInMemory(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	a := New(cfg, discard())

	deps, cleanup, err := Wire(ctx, cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, deps.LockManager)
	assert.Nil(t, deps.Archiver)
	assert.Nil(t, deps.Deposits, "book custody takes unfunded wagers")
	assert.NotNil(t, deps.Metrics)
	assert.Equal(t, deps.Operator, deps.Trigger)

	require.NoError(t, a.bootstrap(ctx, deps))

	settings, err := deps.Engine.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), settings.FeePercent)
	assert.Equal(t, common.HexToAddress(testOperator), settings.Operator)
	assert.Equal(t, 24*time.Hour, settings.RoundDuration)

	forecasters, err := deps.Registry.ListForecasters(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{common.HexToAddress(testForecaster)}, forecasters)

	// A second bootstrap keeps persisted settings.
	_, err = deps.Engine.SetFeePercent(ctx, settings.Operator, 7)
	require.NoError(t, err)
	require.NoError(t, a.bootstrap(ctx, deps))
	settings, err = deps.Engine.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), settings.FeePercent)
}

func TestWireSeparateTrigger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Settlement.Trigger = "0x4000000000000000000000000000000000000004"
	cfg.Metrics.Enabled = false

	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, common.HexToAddress(cfg.Settlement.Trigger), deps.Trigger)
	assert.Nil(t, deps.Metrics)
}

func TestWireRejectsUnreadablePayoutKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Payout.Mode = "ethereum"
	cfg.Payout.RPCURL = "http://127.0.0.1:1"
	cfg.Payout.EncryptedKeyPath = "/nonexistent/payout.json"
	cfg.Payout.KeyPassword = "pw"

	_, _, err := Wire(context.Background(), cfg, discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wire: payout key")
}

func TestWireEthereumRequiresFundedWagers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Payout.Mode = "ethereum"
	cfg.Payout.RPCURL = "http://127.0.0.1:1"
	cfg.Payout.PrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	require.NoError(t, cfg.Validate())

	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer cleanup()
	require.NotNil(t, deps.Deposits)

	_, err = deps.Engine.PlaceWager(context.Background(), common.HexToAddress(testForecaster), 1,
		domain.SideCorrect, *uint256.NewInt(1))
	require.ErrorIs(t, err, domain.ErrDepositRequired)
}

func TestRunFullModeServesHealth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Keeper.Schedule = "@every 1s"
	a := New(cfg, discard())
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/health", cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("application did not stop")
	}
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = "trade"
	a := New(cfg, discard())
	defer a.Close()

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported mode "trade"`)
}
