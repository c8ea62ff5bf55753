package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FCPOOL_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FCPOOL_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets are usually injected this way at deploy time.
func applyEnvOverrides(cfg *Config) {
	// ── Storage ──
	setStr(&cfg.Storage.Backend, "FCPOOL_STORAGE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FCPOOL_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "FCPOOL_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FCPOOL_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FCPOOL_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FCPOOL_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FCPOOL_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FCPOOL_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FCPOOL_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FCPOOL_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FCPOOL_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "FCPOOL_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "FCPOOL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FCPOOL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FCPOOL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FCPOOL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FCPOOL_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FCPOOL_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "FCPOOL_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.LockWait, "FCPOOL_REDIS_LOCK_WAIT")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "FCPOOL_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FCPOOL_S3_REGION")
	setStr(&cfg.S3.Bucket, "FCPOOL_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FCPOOL_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FCPOOL_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FCPOOL_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FCPOOL_S3_FORCE_PATH_STYLE")

	// ── Settlement ──
	setInt(&cfg.Settlement.FeePercent, "FCPOOL_SETTLEMENT_FEE_PERCENT")
	setInt(&cfg.Settlement.AccuracyThreshold, "FCPOOL_SETTLEMENT_ACCURACY_THRESHOLD")
	setBool(&cfg.Settlement.AutoDistribute, "FCPOOL_SETTLEMENT_AUTO_DISTRIBUTE")
	setStr(&cfg.Settlement.MinStakeWei, "FCPOOL_SETTLEMENT_MIN_STAKE_WEI")
	setStr(&cfg.Settlement.MaxStakeWei, "FCPOOL_SETTLEMENT_MAX_STAKE_WEI")
	setDuration(&cfg.Settlement.RoundDuration, "FCPOOL_SETTLEMENT_ROUND_DURATION")
	setDuration(&cfg.Settlement.MaxForecastAge, "FCPOOL_SETTLEMENT_MAX_FORECAST_AGE")
	setInt(&cfg.Settlement.MinConfidence, "FCPOOL_SETTLEMENT_MIN_CONFIDENCE")
	setStr(&cfg.Settlement.Operator, "FCPOOL_SETTLEMENT_OPERATOR")
	setStr(&cfg.Settlement.Trigger, "FCPOOL_SETTLEMENT_TRIGGER")
	setInt(&cfg.Settlement.DisplayDecimals, "FCPOOL_SETTLEMENT_DISPLAY_DECIMALS")
	setDuration(&cfg.Settlement.RequestMaxSkew, "FCPOOL_SETTLEMENT_REQUEST_MAX_SKEW")

	// ── Registry ──
	setStr(&cfg.Registry.Asset, "FCPOOL_REGISTRY_ASSET")
	setDuration(&cfg.Registry.ValidityWindow, "FCPOOL_REGISTRY_VALIDITY_WINDOW")
	setDuration(&cfg.Registry.PriceMaxAge, "FCPOOL_REGISTRY_PRICE_MAX_AGE")
	setDuration(&cfg.Registry.MaxFutureSkew, "FCPOOL_REGISTRY_MAX_FUTURE_SKEW")
	setStr(&cfg.Registry.Admin, "FCPOOL_REGISTRY_ADMIN")
	setStringSlice(&cfg.Registry.Forecasters, "FCPOOL_REGISTRY_FORECASTERS")

	// ── Feed ──
	setStr(&cfg.Feed.AggregatorRPCURL, "FCPOOL_FEED_AGGREGATOR_RPC_URL")
	setStr(&cfg.Feed.AggregatorAddress, "FCPOOL_FEED_AGGREGATOR_ADDRESS")
	setDuration(&cfg.Feed.PollInterval, "FCPOOL_FEED_POLL_INTERVAL")
	setStr(&cfg.Feed.StreamURL, "FCPOOL_FEED_STREAM_URL")
	setStr(&cfg.Feed.HMACSecret, "FCPOOL_FEED_HMAC_SECRET")
	setDuration(&cfg.Feed.HMACMaxSkew, "FCPOOL_FEED_HMAC_MAX_SKEW")

	// ── Payout ──
	setStr(&cfg.Payout.Mode, "FCPOOL_PAYOUT_MODE")
	setStr(&cfg.Payout.RPCURL, "FCPOOL_PAYOUT_RPC_URL")
	setInt64(&cfg.Payout.ChainID, "FCPOOL_PAYOUT_CHAIN_ID")
	setStr(&cfg.Payout.PrivateKey, "FCPOOL_PAYOUT_PRIVATE_KEY")
	setStr(&cfg.Payout.EncryptedKeyPath, "FCPOOL_PAYOUT_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Payout.KeyPassword, "FCPOOL_PAYOUT_KEY_PASSWORD")
	setDuration(&cfg.Payout.ReceiptTimeout, "FCPOOL_PAYOUT_RECEIPT_TIMEOUT")
	setUint64(&cfg.Payout.DepositConfirmations, "FCPOOL_PAYOUT_DEPOSIT_CONFIRMATIONS")

	// ── Keeper ──
	setBool(&cfg.Keeper.Enabled, "FCPOOL_KEEPER_ENABLED")
	setStr(&cfg.Keeper.Schedule, "FCPOOL_KEEPER_SCHEDULE")
	setBool(&cfg.Keeper.AutoResolve, "FCPOOL_KEEPER_AUTO_RESOLVE")
	setBool(&cfg.Keeper.AutoStart, "FCPOOL_KEEPER_AUTO_START")
	setDuration(&cfg.Keeper.LockTTL, "FCPOOL_KEEPER_LOCK_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "FCPOOL_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "FCPOOL_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "FCPOOL_ARCHIVE_RETENTION_DAYS")
	setInt(&cfg.Archive.BatchSize, "FCPOOL_ARCHIVE_BATCH_SIZE")

	// ── Server ──
	setInt(&cfg.Server.Port, "FCPOOL_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "FCPOOL_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "FCPOOL_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "FCPOOL_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "FCPOOL_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FCPOOL_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FCPOOL_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FCPOOL_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FCPOOL_NOTIFY_EVENTS")
	setStr(&cfg.Notify.Prefix, "FCPOOL_NOTIFY_PREFIX")
	setDuration(&cfg.Notify.SendTimeout, "FCPOOL_NOTIFY_SEND_TIMEOUT")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "FCPOOL_METRICS_ENABLED")

	// ── Top-level ──
	setStr(&cfg.Mode, "FCPOOL_MODE")
	setStr(&cfg.LogLevel, "FCPOOL_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
