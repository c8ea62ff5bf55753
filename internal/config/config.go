// Package config defines the top-level configuration for the forecast pool
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FCPOOL_* environment variables.
type Config struct {
	Storage    StorageConfig    `toml:"storage"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Settlement SettlementConfig `toml:"settlement"`
	Registry   RegistryConfig   `toml:"registry"`
	Feed       FeedConfig       `toml:"feed"`
	Payout     PayoutConfig     `toml:"payout"`
	Keeper     KeeperConfig     `toml:"keeper"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// StorageConfig selects where rounds, wagers and predictions live.
type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled the process
// uses in-memory caches and an in-process signal bus.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	LockWait   duration `toml:"lock_wait"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SettlementConfig holds the protocol parameters persisted on first start.
// Later runs keep whatever the operator has set since.
type SettlementConfig struct {
	FeePercent        int      `toml:"fee_percent"`
	AccuracyThreshold int      `toml:"accuracy_threshold"`
	AutoDistribute    bool     `toml:"auto_distribute"`
	MinStakeWei       string   `toml:"min_stake_wei"`
	MaxStakeWei       string   `toml:"max_stake_wei"`
	RoundDuration     duration `toml:"round_duration"`
	MaxForecastAge    duration `toml:"max_forecast_age"`
	MinConfidence     int      `toml:"min_confidence"`
	Operator          string   `toml:"operator"`
	// Trigger is the automation identity allowed to resolve rounds.
	Trigger string `toml:"trigger"`
	// DisplayDecimals scales wei amounts for API display and metrics.
	DisplayDecimals int `toml:"display_decimals"`
	// RequestMaxSkew bounds the issued_at of signed participant requests.
	RequestMaxSkew duration `toml:"request_max_skew"`
}

// RegistryConfig holds prediction registry parameters.
type RegistryConfig struct {
	Asset          string   `toml:"asset"`
	ValidityWindow duration `toml:"validity_window"`
	PriceMaxAge    duration `toml:"price_max_age"`
	MaxFutureSkew  duration `toml:"max_future_skew"`
	Admin          string   `toml:"admin"`
	// Forecasters are authorized on startup in addition to any persisted.
	Forecasters []string `toml:"forecasters"`
}

// FeedConfig configures the reference price inputs. Any combination of the
// aggregator poller, the stream and HMAC-signed pushes may be enabled.
type FeedConfig struct {
	AggregatorRPCURL  string   `toml:"aggregator_rpc_url"`
	AggregatorAddress string   `toml:"aggregator_address"`
	PollInterval      duration `toml:"poll_interval"`
	StreamURL         string   `toml:"stream_url"`
	HMACSecret        string   `toml:"hmac_secret"`
	HMACMaxSkew       duration `toml:"hmac_max_skew"`
}

// PayoutConfig selects how funds leave custody.
type PayoutConfig struct {
	// Mode is "book" (ledger only) or "ethereum".
	Mode             string   `toml:"mode"`
	RPCURL           string   `toml:"rpc_url"`
	ChainID          int64    `toml:"chain_id"`
	PrivateKey       string   `toml:"private_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	ReceiptTimeout   duration `toml:"receipt_timeout"`

	// DepositConfirmations is how many blocks a wager's funding transfer
	// needs before the wager is accepted in mode ethereum.
	DepositConfirmations uint64 `toml:"deposit_confirmations"`
}

// KeeperConfig holds the upkeep automation parameters.
type KeeperConfig struct {
	Enabled     bool     `toml:"enabled"`
	Schedule    string   `toml:"schedule"`
	AutoResolve bool     `toml:"auto_resolve"`
	AutoStart   bool     `toml:"auto_start"`
	LockTTL     duration `toml:"lock_ttl"`
}

// ArchiveConfig holds the round archive export parameters.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
	BatchSize     int    `toml:"batch_size"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Prefix            string   `toml:"prefix"`
	SendTimeout       duration `toml:"send_timeout"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Storage: StorageConfig{Backend: "memory"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "forecastpool",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "fcpool:",
			LockWait:   duration{5 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "forecastpool-archive",
			ForcePathStyle: true,
		},
		Settlement: SettlementConfig{
			FeePercent:        3,
			AccuracyThreshold: 5,
			AutoDistribute:    true,
			MinStakeWei:       "1000000000000000",      // 0.001 ether
			MaxStakeWei:       "100000000000000000000", // 100 ether
			RoundDuration:     duration{24 * time.Hour},
			MaxForecastAge:    duration{time.Hour},
			MinConfidence:     70,
			DisplayDecimals:   18,
			RequestMaxSkew:    duration{5 * time.Minute},
		},
		Registry: RegistryConfig{
			Asset:          "ETH-USD",
			ValidityWindow: duration{24 * time.Hour},
			PriceMaxAge:    duration{time.Hour},
			MaxFutureSkew:  duration{time.Minute},
		},
		Feed: FeedConfig{
			PollInterval: duration{time.Minute},
			HMACMaxSkew:  duration{30 * time.Second},
		},
		Payout: PayoutConfig{
			Mode:           "book",
			ChainID:        1,
			ReceiptTimeout: duration{2 * time.Minute},

			DepositConfirmations: 1,
		},
		Keeper: KeeperConfig{
			Enabled:     true,
			Schedule:    "@every 30s",
			AutoResolve: true,
			AutoStart:   false,
			LockTTL:     duration{time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Cron:          "0 0 3 * * *",
			RetentionDays: 90,
			BatchSize:     200,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   30,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:      []string{"round_started", "round_resolved", "transfer_failed", "ledger_unreconciled"},
			SendTimeout: duration{10 * time.Second},
		},
		Metrics:  MetricsConfig{Enabled: true},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"keeper": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// ServesHTTP reports whether the mode runs the API server.
func (c *Config) ServesHTTP() bool {
	m := strings.ToLower(c.Mode)
	return m == "server" || m == "full"
}

// RunsKeeper reports whether the mode runs the upkeep scheduler.
func (c *Config) RunsKeeper() bool {
	m := strings.ToLower(c.Mode)
	return (m == "keeper" || m == "full") && c.Keeper.Enabled
}

// MinStake parses Settlement.MinStakeWei.
func (c *Config) MinStake() (uint256.Int, error) {
	return parseWei(c.Settlement.MinStakeWei)
}

// MaxStake parses Settlement.MaxStakeWei.
func (c *Config) MaxStake() (uint256.Int, error) {
	return parseWei(c.Settlement.MaxStakeWei)
}

func parseWei(s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return uint256.Int{}, err
	}
	return *v, nil
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, keeper, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Storage
	switch c.Storage.Backend {
	case "memory":
		// A keeper process with private memory state would never see the
		// server's rounds.
		if strings.ToLower(c.Mode) == "keeper" {
			errs = append(errs, "storage: mode keeper requires backend postgres")
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown backend %q (valid: memory, postgres)", c.Storage.Backend))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	} else if strings.ToLower(c.Mode) == "keeper" {
		errs = append(errs, "redis: mode keeper requires redis for the shared price cache")
	}

	// Settlement
	s := c.Settlement
	if s.FeePercent < 0 || s.FeePercent > 30 {
		errs = append(errs, fmt.Sprintf("settlement: fee_percent must be 0-30, got %d", s.FeePercent))
	}
	if s.AccuracyThreshold < 0 || s.AccuracyThreshold > 20 {
		errs = append(errs, fmt.Sprintf("settlement: accuracy_threshold must be 0-20, got %d", s.AccuracyThreshold))
	}
	minStake, minErr := c.MinStake()
	if minErr != nil {
		errs = append(errs, fmt.Sprintf("settlement: min_stake_wei: %v", minErr))
	}
	maxStake, maxErr := c.MaxStake()
	if maxErr != nil {
		errs = append(errs, fmt.Sprintf("settlement: max_stake_wei: %v", maxErr))
	}
	if minErr == nil && maxErr == nil && (minStake.IsZero() || minStake.Gt(&maxStake)) {
		errs = append(errs, "settlement: require 0 < min_stake_wei <= max_stake_wei")
	}
	if s.RoundDuration.Duration <= 0 {
		errs = append(errs, "settlement: round_duration must be > 0")
	}
	if s.MaxForecastAge.Duration <= 0 {
		errs = append(errs, "settlement: max_forecast_age must be > 0")
	}
	if s.MinConfidence < 50 || s.MinConfidence > 100 {
		errs = append(errs, fmt.Sprintf("settlement: min_confidence must be 50-100, got %d", s.MinConfidence))
	}
	if !common.IsHexAddress(s.Operator) {
		errs = append(errs, fmt.Sprintf("settlement: operator %q is not an address", s.Operator))
	}
	if s.Trigger != "" && !common.IsHexAddress(s.Trigger) {
		errs = append(errs, fmt.Sprintf("settlement: trigger %q is not an address", s.Trigger))
	}
	if s.DisplayDecimals < 0 || s.DisplayDecimals > 36 {
		errs = append(errs, "settlement: display_decimals must be 0-36")
	}

	// Registry
	if c.Registry.Asset == "" {
		errs = append(errs, "registry: asset must not be empty")
	}
	if c.Registry.ValidityWindow.Duration <= 0 {
		errs = append(errs, "registry: validity_window must be > 0")
	}
	if c.Registry.PriceMaxAge.Duration <= 0 {
		errs = append(errs, "registry: price_max_age must be > 0")
	}
	if !common.IsHexAddress(c.Registry.Admin) {
		errs = append(errs, fmt.Sprintf("registry: admin %q is not an address", c.Registry.Admin))
	}
	for _, f := range c.Registry.Forecasters {
		if !common.IsHexAddress(f) {
			errs = append(errs, fmt.Sprintf("registry: forecaster %q is not an address", f))
		}
	}

	// Feed
	if c.Feed.AggregatorAddress != "" {
		if !common.IsHexAddress(c.Feed.AggregatorAddress) {
			errs = append(errs, fmt.Sprintf("feed: aggregator_address %q is not an address", c.Feed.AggregatorAddress))
		}
		if c.Feed.AggregatorRPCURL == "" {
			errs = append(errs, "feed: aggregator_rpc_url is required with aggregator_address")
		}
		if c.Feed.PollInterval.Duration <= 0 {
			errs = append(errs, "feed: poll_interval must be > 0")
		}
	}

	// Payout
	switch c.Payout.Mode {
	case "book":
	case "ethereum":
		if c.Payout.RPCURL == "" {
			errs = append(errs, "payout: rpc_url is required for mode ethereum")
		}
		if c.Payout.ChainID <= 0 {
			errs = append(errs, "payout: chain_id must be positive")
		}
		if c.Payout.PrivateKey == "" && c.Payout.EncryptedKeyPath == "" {
			errs = append(errs, "payout: either private_key or encrypted_key_path must be set for mode ethereum")
		}
		if c.Payout.EncryptedKeyPath != "" && c.Payout.KeyPassword == "" {
			errs = append(errs, "payout: key_password is required when encrypted_key_path is set")
		}
		if c.Payout.DepositConfirmations == 0 {
			errs = append(errs, "payout: deposit_confirmations must be at least 1 for mode ethereum")
		}
	default:
		errs = append(errs, fmt.Sprintf("payout: unknown mode %q (valid: book, ethereum)", c.Payout.Mode))
	}

	// Keeper
	if c.RunsKeeper() && strings.TrimSpace(c.Keeper.Schedule) == "" {
		errs = append(errs, "keeper: schedule must not be empty when enabled")
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.Cron == "" {
			errs = append(errs, "archive: cron must not be empty when enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
	}

	// Server
	if c.ServesHTTP() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.APIKey == "" {
			errs = append(errs, "server: api_key must be set to protect operator routes")
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
