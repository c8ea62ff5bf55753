package keeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/forecastpool/internal/domain"
	"github.com/alanyoungcy/forecastpool/internal/payout"
	"github.com/alanyoungcy/forecastpool/internal/settlement"
	"github.com/alanyoungcy/forecastpool/internal/store/memory"
)

var (
	operator = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	trigger  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	alice    = common.HexToAddress("0x0000000000000000000000000000000000000001")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRegistry struct {
	mu    sync.Mutex
	pred  domain.Prediction
	price domain.PricePoint
}

func (r *fakeRegistry) Latest(context.Context) (domain.Prediction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pred, nil
}

func (r *fakeRegistry) CurrentReferencePrice(context.Context) (domain.PricePoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.price, nil
}

type fakeMetrics struct {
	mu   sync.Mutex
	runs map[string]int
	errs map[string]int
}

func (m *fakeMetrics) KeeperRun(task string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs == nil {
		m.runs, m.errs = map[string]int{}, map[string]int{}
	}
	m.runs[task]++
	if err != nil {
		m.errs[task]++
	}
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

type fakeArchiver struct {
	cutoff time.Time
	err    error
}

func (a *fakeArchiver) ArchiveRounds(_ context.Context, before time.Time) (int64, error) {
	a.cutoff = before
	return 3, a.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	keeper   *Keeper
	engine   *settlement.Engine
	clock    *fakeClock
	registry *fakeRegistry
	metrics  *fakeMetrics
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	reg := &fakeRegistry{
		pred: domain.Prediction{
			ID:          1,
			Value:       *uint256.NewInt(46000),
			Confidence:  80,
			AnalysisRef: "ipfs://analysis",
			SubmittedAt: clock.now.Add(-time.Minute),
			Active:      true,
		},
		price: domain.PricePoint{Value: *uint256.NewInt(45000), Source: "test"},
	}
	logger := discard()
	engine := settlement.NewEngine(memory.NewSettlementStore(), reg, reg,
		payout.NewBookTransferer(logger), clock, logger).WithTrigger(trigger)
	_, err := engine.EnsureSettings(context.Background(), domain.Settings{
		FeePercent:        3,
		AccuracyThreshold: 5,
		AutoDistribute:    true,
		MinStake:          *uint256.NewInt(1),
		MaxStake:          *uint256.NewInt(1e18),
		RoundDuration:     time.Hour,
		MaxForecastAge:    time.Hour,
		MinConfidence:     60,
		Operator:          operator,
	})
	require.NoError(t, err)

	cfg.Identity = trigger
	m := &fakeMetrics{}
	return &fixture{
		keeper:   New(cfg, engine, clock, logger).WithMetrics(m),
		engine:   engine,
		clock:    clock,
		registry: reg,
		metrics:  m,
	}
}

func TestTickLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{AutoResolve: true, AutoStart: true})

	report, err := f.keeper.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), report.Started)
	assert.Zero(t, report.Resolved)

	_, err = f.engine.PlaceWager(ctx, alice, 1, domain.SideCorrect, *uint256.NewInt(1000))
	require.NoError(t, err)

	report, err = f.keeper.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report, "nothing to do while the round is open")

	f.clock.Advance(time.Hour)
	f.registry.mu.Lock()
	f.registry.price.Value = *uint256.NewInt(45900)
	f.registry.mu.Unlock()

	report, err = f.keeper.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), report.Resolved)
	assert.Equal(t, []uint64{1}, report.Distributed)
	assert.Zero(t, report.Started, "the forecast is now older than the allowed age")

	round, err := f.engine.Round(ctx, 1)
	require.NoError(t, err)
	assert.True(t, round.Resolved)
	assert.True(t, round.Distributed)
	assert.True(t, round.ForecastCorrect)

	f.registry.mu.Lock()
	f.registry.pred.ID = 2
	f.registry.pred.SubmittedAt = f.clock.Now()
	f.registry.mu.Unlock()

	report, err = f.keeper.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), report.Started)

	assert.Equal(t, 4, f.metrics.runs[TaskDistribute])
	assert.Zero(t, f.metrics.errs[TaskStart])
}

func TestTickWithoutAutomation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	_, err := f.engine.StartRound(ctx, operator)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	report, err := f.keeper.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Resolved)
	assert.Empty(t, report.Distributed)

	round, err := f.engine.Round(ctx, 1)
	require.NoError(t, err)
	assert.False(t, round.Resolved)
	assert.Zero(t, f.metrics.runs[TaskResolve])
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t, Config{AutoStart: true})
	f.keeper.WithLockManager(heldLock{})

	report, err := f.keeper.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Started)

	_, err = f.engine.LatestRound(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTickSkipsStartWhilePaused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{AutoStart: true})
	_, err := f.engine.Pause(ctx, operator)
	require.NoError(t, err)

	report, err := f.keeper.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Started)
}

func TestArchive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	n, err := f.keeper.Archive(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "no archiver configured")

	a := &fakeArchiver{}
	f.keeper.WithArchiver(a)
	n, err = f.keeper.Archive(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, f.clock.Now().Add(-30*24*time.Hour), a.cutoff)

	a.err = errors.New("bucket unavailable")
	_, err = f.keeper.Archive(ctx, time.Hour)
	require.Error(t, err)
	assert.Equal(t, 1, f.metrics.errs[TaskArchive])
}

func TestRunRejectsBadSchedule(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.keeper.Run(context.Background(), Schedule{Tick: "not a schedule"})
	require.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{AutoStart: true})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.keeper.Run(ctx, Schedule{Tick: "@every 1s"}) }()

	require.Eventually(t, func() bool {
		_, err := f.engine.LatestRound(context.Background())
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("keeper did not stop")
	}
}
