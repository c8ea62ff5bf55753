package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/alanyoungcy/forecastpool/internal/blob/s3"
	"github.com/alanyoungcy/forecastpool/internal/cache/memory"
	"github.com/alanyoungcy/forecastpool/internal/cache/redis"
	"github.com/alanyoungcy/forecastpool/internal/config"
	"github.com/alanyoungcy/forecastpool/internal/crypto"
	"github.com/alanyoungcy/forecastpool/internal/domain"
	"github.com/alanyoungcy/forecastpool/internal/metrics"
	"github.com/alanyoungcy/forecastpool/internal/notify"
	"github.com/alanyoungcy/forecastpool/internal/payout"
	"github.com/alanyoungcy/forecastpool/internal/registry"
	"github.com/alanyoungcy/forecastpool/internal/settlement"
	memstore "github.com/alanyoungcy/forecastpool/internal/store/memory"
	"github.com/alanyoungcy/forecastpool/internal/store/postgres"
)

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	SettlementStore domain.SettlementStore
	PredictionStore domain.PredictionStore
	ForecasterStore domain.ForecasterStore
	DataSourceStore domain.DataSourceStore
	AuditStore      domain.AuditStore

	// Caches. LockManager is nil without Redis.
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Archiver is nil unless archiving is enabled.
	Archiver domain.Archiver

	Clock      domain.Clock
	Transferer domain.Transferer
	// Deposits is nil unless wagers must be funded on chain.
	Deposits domain.DepositVerifier
	Notifier *notify.Notifier
	// Metrics is nil when disabled.
	Metrics *metrics.Metrics

	Operator common.Address
	Trigger  common.Address
	Verifier *crypto.Verifier
	Registry *registry.Registry
	Engine   *settlement.Engine
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(step string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", step, err)
	}

	deps := &Dependencies{
		Clock:    domain.SystemClock{},
		Operator: common.HexToAddress(cfg.Settlement.Operator),
	}
	deps.Trigger = deps.Operator
	if cfg.Settlement.Trigger != "" {
		deps.Trigger = common.HexToAddress(cfg.Settlement.Trigger)
	}

	// --- Stores ---
	switch cfg.Storage.Backend {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		stores := pgClient.Stores()
		deps.SettlementStore = stores.Settlement
		deps.PredictionStore = stores.Predictions
		deps.ForecasterStore = stores.Forecasters
		deps.DataSourceStore = stores.DataSources
		deps.AuditStore = stores.Audit
	default:
		logger.WarnContext(ctx, "using in-memory storage; state is lost on restart")
		deps.SettlementStore = memstore.NewSettlementStore()
		deps.PredictionStore = memstore.NewPredictionStore()
		deps.ForecasterStore = memstore.NewForecasterStore()
		deps.DataSourceStore = memstore.NewDataSourceStore()
		deps.AuditStore = memstore.NewAuditStore()
	}

	// --- Caches ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient, cfg.Redis.LockWait.Duration)
		deps.SignalBus = redis.NewSignalBus(redisClient)
	} else {
		deps.PriceCache = memory.NewPriceCache()
		deps.RateLimiter = memory.NewRateLimiter()
		deps.SignalBus = memory.NewSignalBus()
	}

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			// Uploads are retried by the next scheduled run.
			logger.WarnContext(ctx, "archive bucket unreachable", slog.String("error", err.Error()))
		}

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewBucket(s3Client),
			deps.SettlementStore,
			deps.AuditStore,
			logger,
		).WithBatchSize(cfg.Archive.BatchSize)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger).
		WithPrefix(cfg.Notify.Prefix).
		WithSendTimeout(cfg.Notify.SendTimeout.Duration)

	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.New(int32(cfg.Settlement.DisplayDecimals))
	}

	// --- Payout ---
	switch cfg.Payout.Mode {
	case "ethereum":
		signer, err := crypto.LoadSigner(crypto.KeyConfig{
			RawPrivateKey:    cfg.Payout.PrivateKey,
			EncryptedKeyPath: cfg.Payout.EncryptedKeyPath,
			KeyPassword:      cfg.Payout.KeyPassword,
		})
		if err != nil {
			return fail("payout key", err)
		}
		client, err := ethclient.DialContext(ctx, cfg.Payout.RPCURL)
		if err != nil {
			return fail("payout rpc", err)
		}
		closers = append(closers, client.Close)

		deps.Transferer = payout.NewEthTransferer(client, signer, big.NewInt(cfg.Payout.ChainID), logger).
			WithReceiptPolling(2*time.Second, cfg.Payout.ReceiptTimeout.Duration)
		deps.Deposits = payout.NewEthDepositVerifier(client, signer.Address(), big.NewInt(cfg.Payout.ChainID), logger).
			WithConfirmations(cfg.Payout.DepositConfirmations)
		logger.InfoContext(ctx, "ethereum payouts enabled",
			slog.String("from", signer.Address().Hex()),
			slog.Int64("chain_id", cfg.Payout.ChainID),
		)
	default:
		deps.Transferer = payout.NewBookTransferer(logger)
	}

	// --- Registry ---
	deps.Verifier = crypto.NewVerifier(cfg.Settlement.RequestMaxSkew.Duration, deps.Clock.Now)
	deps.Registry = registry.New(
		registry.Config{
			Asset:          cfg.Registry.Asset,
			ValidityWindow: cfg.Registry.ValidityWindow.Duration,
			PriceMaxAge:    cfg.Registry.PriceMaxAge.Duration,
			MaxFutureSkew:  cfg.Registry.MaxFutureSkew.Duration,
			Admin:          common.HexToAddress(cfg.Registry.Admin),
		},
		deps.PredictionStore,
		deps.ForecasterStore,
		deps.DataSourceStore,
		deps.PriceCache,
		deps.Clock,
		logger,
	).
		WithVerifier(deps.Verifier).
		WithSignalBus(deps.SignalBus).
		WithAudit(deps.AuditStore)

	// --- Settlement engine ---
	engine := settlement.NewEngine(
		deps.SettlementStore,
		deps.Registry,
		deps.Registry,
		deps.Transferer,
		deps.Clock,
		logger,
	).
		WithTrigger(deps.Trigger).
		WithSignalBus(deps.SignalBus).
		WithAudit(deps.AuditStore).
		WithNotifier(deps.Notifier)
	if deps.LockManager != nil {
		engine = engine.WithLockManager(deps.LockManager)
	}
	if deps.Metrics != nil {
		engine = engine.WithMetrics(deps.Metrics)
	}
	if deps.Deposits != nil {
		engine = engine.WithDepositVerifier(deps.Deposits)
	}
	deps.Engine = engine

	return deps, cleanup, nil
}

// bootstrap persists the configured protocol settings on first start and
// authorizes the configured forecasters.
func (a *App) bootstrap(ctx context.Context, deps *Dependencies) error {
	minStake, err := a.cfg.MinStake()
	if err != nil {
		return fmt.Errorf("min stake: %w", err)
	}
	maxStake, err := a.cfg.MaxStake()
	if err != nil {
		return fmt.Errorf("max stake: %w", err)
	}

	sc := a.cfg.Settlement
	settings, err := deps.Engine.EnsureSettings(ctx, domain.Settings{
		FeePercent:        uint8(sc.FeePercent),
		AccuracyThreshold: uint8(sc.AccuracyThreshold),
		AutoDistribute:    sc.AutoDistribute,
		MinStake:          minStake,
		MaxStake:          maxStake,
		RoundDuration:     sc.RoundDuration.Duration,
		MaxForecastAge:    sc.MaxForecastAge.Duration,
		MinConfidence:     uint8(sc.MinConfidence),
		Operator:          deps.Operator,
	})
	if err != nil {
		return err
	}
	if settings.Operator != deps.Operator {
		a.logger.WarnContext(ctx, "persisted operator differs from configuration; keeping persisted value",
			slog.String("persisted", settings.Operator.Hex()),
			slog.String("configured", deps.Operator.Hex()),
		)
		deps.Operator = settings.Operator
	}

	admin := deps.Registry.Admin()
	for _, f := range a.cfg.Registry.Forecasters {
		if err := deps.Registry.AuthorizeForecaster(ctx, admin, common.HexToAddress(f)); err != nil {
			return fmt.Errorf("authorize forecaster %s: %w", f, err)
		}
	}

	a.logger.InfoContext(ctx, "settlement ready",
		slog.String("operator", settings.Operator.Hex()),
		slog.String("trigger", deps.Trigger.Hex()),
		slog.Int("fee_percent", int(settings.FeePercent)),
		slog.Int("accuracy_threshold", int(settings.AccuracyThreshold)),
		slog.Bool("auto_distribute", settings.AutoDistribute),
		slog.Bool("paused", settings.Paused),
		slog.Int("forecasters", len(a.cfg.Registry.Forecasters)),
	)
	return nil
}
