// Package keeper is the automated trigger. On every scheduled tick it
// resolves the ended round, sweeps resolved rounds into the distributed state
// and, when enabled, opens the next round. A second schedule exports settled
// rounds to cold storage.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/forecastpool/internal/domain"
	"github.com/alanyoungcy/forecastpool/internal/settlement"
)

// Settlement is the part of the settlement engine the keeper drives.
type Settlement interface {
	Settings(ctx context.Context) (domain.Settings, error)
	LatestRound(ctx context.Context) (domain.Round, error)
	StartRound(ctx context.Context, caller common.Address) (domain.Round, error)
	ResolveRound(ctx context.Context, caller common.Address, roundID uint64) (domain.Round, error)
	CheckUpkeep(ctx context.Context) ([]uint64, error)
	PerformUpkeep(ctx context.Context, roundIDs []uint64) ([]uint64, error)
}

var _ Settlement = (*settlement.Engine)(nil)

// Metrics records the outcome of each keeper task.
type Metrics interface {
	KeeperRun(task string, err error)
}

// Task names used in logs and metrics.
const (
	TaskResolve    = "resolve"
	TaskDistribute = "distribute"
	TaskStart      = "start"
	TaskArchive    = "archive"
)

// Config controls which tasks a tick performs.
type Config struct {
	// Identity is the trigger address the engine accepts for resolution.
	Identity    common.Address
	AutoResolve bool
	// AutoStart opens a new round on the operator's behalf once the
	// previous one is finished.
	AutoStart bool
	// LockTTL bounds how long one replica may hold the tick lock.
	LockTTL time.Duration
}

// Report summarises one tick.
type Report struct {
	Resolved    uint64
	Distributed []uint64
	Started     uint64
}

// Keeper runs the upkeep tasks against the settlement engine.
type Keeper struct {
	cfg      Config
	engine   Settlement
	clock    domain.Clock
	locks    domain.LockManager
	archiver domain.Archiver
	metrics  Metrics
	logger   *slog.Logger
}

// New creates a Keeper.
func New(cfg Config, engine Settlement, clock domain.Clock, logger *slog.Logger) *Keeper {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	return &Keeper{
		cfg:    cfg,
		engine: engine,
		clock:  clock,
		logger: logger.With(slog.String("component", "keeper")),
	}
}

// WithLockManager makes ticks exclusive across replicas.
func (k *Keeper) WithLockManager(lm domain.LockManager) *Keeper {
	k.locks = lm
	return k
}

// WithArchiver enables the archive task.
func (k *Keeper) WithArchiver(a domain.Archiver) *Keeper {
	k.archiver = a
	return k
}

// WithMetrics attaches task outcome metrics.
func (k *Keeper) WithMetrics(m Metrics) *Keeper {
	k.metrics = m
	return k
}

// Tick performs one upkeep pass. Tasks run in order and a failing task does
// not prevent the following ones; their errors are joined.
func (k *Keeper) Tick(ctx context.Context) (Report, error) {
	var report Report
	if k.locks != nil {
		unlock, err := k.locks.Acquire(ctx, "keeper:tick", k.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			k.logger.DebugContext(ctx, "tick skipped, another keeper holds the lock")
			return report, nil
		}
		if err != nil {
			return report, fmt.Errorf("keeper: acquire tick lock: %w", err)
		}
		defer unlock()
	}

	var errs []error
	if k.cfg.AutoResolve {
		id, err := k.resolve(ctx)
		k.observe(ctx, TaskResolve, err)
		if err != nil {
			errs = append(errs, err)
		}
		report.Resolved = id
	}

	ids, err := k.distribute(ctx)
	k.observe(ctx, TaskDistribute, err)
	if err != nil {
		errs = append(errs, err)
	}
	report.Distributed = ids

	if k.cfg.AutoStart {
		id, err := k.start(ctx)
		k.observe(ctx, TaskStart, err)
		if err != nil {
			errs = append(errs, err)
		}
		report.Started = id
	}
	return report, errors.Join(errs...)
}

// resolve settles the latest round once its window has closed. Only the
// latest round can be unresolved because a new round requires the previous
// one to be resolved.
func (k *Keeper) resolve(ctx context.Context) (uint64, error) {
	latest, err := k.engine.LatestRound(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("keeper: resolve: %w", err)
	}
	if latest.Resolved || !latest.Ended(k.clock.Now()) {
		return 0, nil
	}
	if _, err := k.engine.ResolveRound(ctx, k.cfg.Identity, latest.ID); err != nil {
		if errors.Is(err, domain.ErrAlreadyResolved) {
			return 0, nil
		}
		return 0, fmt.Errorf("keeper: resolve: %w", err)
	}
	return latest.ID, nil
}

func (k *Keeper) distribute(ctx context.Context) ([]uint64, error) {
	ids, err := k.engine.CheckUpkeep(ctx)
	if err != nil {
		return nil, fmt.Errorf("keeper: check upkeep: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	done, err := k.engine.PerformUpkeep(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("keeper: perform upkeep: %w", err)
	}
	return done, nil
}

// start opens the next round. Missing or unusable forecasts and prices are
// expected while the registry catches up and are not treated as failures.
func (k *Keeper) start(ctx context.Context) (uint64, error) {
	settings, err := k.engine.Settings(ctx)
	if err != nil {
		return 0, fmt.Errorf("keeper: start: %w", err)
	}
	if settings.Paused {
		return 0, nil
	}
	latest, err := k.engine.LatestRound(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("keeper: start: %w", err)
	case !latest.Resolved || !latest.Ended(k.clock.Now()):
		return 0, nil
	}

	round, err := k.engine.StartRound(ctx, settings.Operator)
	if err != nil {
		if notReady(err) {
			k.logger.InfoContext(ctx, "next round not started", slog.String("reason", err.Error()))
			return 0, nil
		}
		return 0, fmt.Errorf("keeper: start: %w", err)
	}
	return round.ID, nil
}

func notReady(err error) bool {
	return errors.Is(err, domain.ErrNoForecast) ||
		errors.Is(err, domain.ErrStaleForecast) ||
		errors.Is(err, domain.ErrLowConfidence) ||
		errors.Is(err, domain.ErrNoPrice) ||
		errors.Is(err, domain.ErrStalePrice) ||
		errors.Is(err, domain.ErrPreviousRoundUnfinished)
}

// Archive exports rounds that ended more than retention ago.
func (k *Keeper) Archive(ctx context.Context, retention time.Duration) (int64, error) {
	if k.archiver == nil {
		return 0, nil
	}
	cutoff := k.clock.Now().Add(-retention)
	n, err := k.archiver.ArchiveRounds(ctx, cutoff)
	k.observe(ctx, TaskArchive, err)
	if err != nil {
		return n, fmt.Errorf("keeper: archive before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return n, nil
}

func (k *Keeper) observe(ctx context.Context, task string, err error) {
	if k.metrics != nil {
		k.metrics.KeeperRun(task, err)
	}
	if err != nil {
		k.logger.ErrorContext(ctx, "keeper task failed",
			slog.String("task", task),
			slog.String("error", err.Error()),
		)
	}
}
