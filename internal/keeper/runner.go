package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule holds the cron expressions that drive the keeper. Both accept the
// six-field form with seconds as well as descriptors such as "@every 30s".
type Schedule struct {
	Tick string
	// Archive is empty when archiving is disabled.
	Archive   string
	Retention time.Duration
}

// Run schedules the keeper tasks and blocks until ctx is cancelled. Overlapping
// runs of the same job are skipped.
func (k *Keeper) Run(ctx context.Context, sched Schedule) error {
	logger := cronLogger{k.logger}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := c.AddFunc(sched.Tick, func() {
		report, err := k.Tick(ctx)
		if err != nil {
			return
		}
		if report.Resolved != 0 || len(report.Distributed) > 0 || report.Started != 0 {
			k.logger.InfoContext(ctx, "keeper tick",
				slog.Uint64("resolved", report.Resolved),
				slog.Any("distributed", report.Distributed),
				slog.Uint64("started", report.Started),
			)
		}
	}); err != nil {
		return fmt.Errorf("keeper: tick schedule %q: %w", sched.Tick, err)
	}

	if sched.Archive != "" && k.archiver != nil {
		if _, err := c.AddFunc(sched.Archive, func() {
			// Failures are logged and counted by Archive.
			_, _ = k.Archive(ctx, sched.Retention)
		}); err != nil {
			return fmt.Errorf("keeper: archive schedule %q: %w", sched.Archive, err)
		}
	}

	k.logger.InfoContext(ctx, "keeper started",
		slog.String("tick", sched.Tick),
		slog.String("archive", sched.Archive),
		slog.Duration("retention", sched.Retention),
	)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	k.logger.Info("keeper stopped")
	return nil
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
