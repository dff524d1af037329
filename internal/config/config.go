// Package config defines the profitd configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PROFITD_* environment variables.
type Config struct {
	Ledger     LedgerConfig     `toml:"ledger"`
	Chain      ChainConfig      `toml:"chain"`
	Withdrawal WithdrawalConfig `toml:"withdrawal"`
	Wallet     WalletConfig     `toml:"wallet"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Ingest     IngestConfig     `toml:"ingest"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// LedgerConfig controls trade result intake.
type LedgerConfig struct {
	// RequireTxHash rejects references that are not 32-byte hex hashes at
	// intake instead of leaving them pending.
	RequireTxHash bool `toml:"require_tx_hash"`
}

// ChainConfig selects and tunes the confirmation backend.
type ChainConfig struct {
	Provider         string   `toml:"provider"` // etherscan | rpc
	EtherscanURL     string   `toml:"etherscan_url"`
	EtherscanAPIKey  string   `toml:"etherscan_api_key"`
	RPCURL           string   `toml:"rpc_url"`
	ChainID          int64    `toml:"chain_id"`
	MinConfirmations uint64   `toml:"min_confirmations"`
	PollInterval     duration `toml:"poll_interval"`
	MaxAttempts      int      `toml:"max_attempts"`
	BaseDelay        duration `toml:"base_delay"`
	MaxDelay         duration `toml:"max_delay"`
	RateLimit        int      `toml:"rate_limit"`
	RateWindow       duration `toml:"rate_window"`
	Concurrency      int      `toml:"concurrency"`
}

// WithdrawalConfig holds the initial withdrawal policy and the trigger
// schedule. A persisted policy version replaces the policy fields at startup.
type WithdrawalConfig struct {
	Mode               string          `toml:"mode"` // manual | auto
	Threshold          decimal.Decimal `toml:"threshold"`
	WithdrawalFraction decimal.Decimal `toml:"withdrawal_fraction"`
	MinAmount          decimal.Decimal `toml:"min_amount"`
	MaxAmount          decimal.Decimal `toml:"max_amount"`
	Destination        string          `toml:"destination"`
	Cooldown           duration        `toml:"cooldown"`
	DailyLimit         decimal.Decimal `toml:"daily_limit"`
	EvaluateInterval   duration        `toml:"evaluate_interval"`
	TrackInterval      duration        `toml:"track_interval"`
	MaxGasPriceGwei    int64           `toml:"max_gas_price_gwei"`
	LockTTL            duration        `toml:"lock_ttl"`
}

// WalletConfig holds the withdrawal wallet key. Without one, withdrawals are
// recorded as REQUESTED for an external executor to settle.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PostgresConfig holds PostgreSQL connection parameters. When disabled the
// ledger lives in memory only.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	KeyPrefix    string `toml:"key_prefix"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// S3Config holds the certificate bucket parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	PartSize       int64  `toml:"part_size"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is requests per RateWindow per client; 0 disables it.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// IngestConfig controls intake from the Redis trade result stream.
type IngestConfig struct {
	Enabled bool   `toml:"enabled"`
	Stream  string `toml:"stream"`
	Batch   int    `toml:"batch"`
}

// duration wraps time.Duration so TOML strings like "5m" decode.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the values in
// config.example.toml.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			Provider:         "etherscan",
			ChainID:          1,
			MinConfirmations: 12,
			PollInterval:     duration{15 * time.Second},
			MaxAttempts:      5,
			BaseDelay:        duration{500 * time.Millisecond},
			MaxDelay:         duration{15 * time.Second},
			RateLimit:        5,
			RateWindow:       duration{time.Second},
			Concurrency:      4,
		},
		Withdrawal: WithdrawalConfig{
			Mode:               "manual",
			Threshold:          decimal.NewFromInt(1),
			WithdrawalFraction: decimal.RequireFromString("0.5"),
			MinAmount:          decimal.RequireFromString("0.01"),
			MaxAmount:          decimal.NewFromInt(10),
			EvaluateInterval:   duration{time.Minute},
			TrackInterval:      duration{30 * time.Second},
			MaxGasPriceGwei:    100,
			LockTTL:            duration{2 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "profitd:",
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "profitd-certificates",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"profit_failed", "withdrawal_requested", "withdrawal_confirmed", "withdrawal_rejected", "withdrawals_halted"},
		},
		Ingest: IngestConfig{
			Stream: "trade_results",
			Batch:  100,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server": true,
	"worker": true,
	"full":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns a combined
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[c.Mode] {
		errs = append(errs, fmt.Sprintf("mode %q is not valid (server, worker, full)", c.Mode))
	}
	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Sprintf("log_level %q is not valid (debug, info, warn, error)", c.LogLevel))
	}

	switch c.Chain.Provider {
	case "etherscan":
		if c.Chain.EtherscanAPIKey == "" {
			errs = append(errs, "chain.etherscan_api_key is required for the etherscan provider")
		}
	case "rpc":
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain.rpc_url is required for the rpc provider")
		}
	default:
		errs = append(errs, fmt.Sprintf("chain.provider %q is not valid (etherscan, rpc)", c.Chain.Provider))
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain.chain_id must be positive")
	}
	if c.Chain.MinConfirmations < 1 {
		errs = append(errs, "chain.min_confirmations must be at least 1")
	}
	if c.Chain.MaxAttempts < 1 {
		errs = append(errs, "chain.max_attempts must be at least 1")
	}
	if c.Chain.Concurrency < 1 {
		errs = append(errs, "chain.concurrency must be at least 1")
	}
	if c.Chain.PollInterval.Duration <= 0 {
		errs = append(errs, "chain.poll_interval must be positive")
	}

	w := c.Withdrawal
	if w.Mode != "manual" && w.Mode != "auto" {
		errs = append(errs, fmt.Sprintf("withdrawal.mode %q is not valid (manual, auto)", w.Mode))
	}
	if w.Threshold.IsNegative() {
		errs = append(errs, "withdrawal.threshold must be >= 0")
	}
	if !w.WithdrawalFraction.IsPositive() || w.WithdrawalFraction.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, "withdrawal.withdrawal_fraction must be in (0, 1]")
	}
	if w.MinAmount.IsNegative() || w.MinAmount.GreaterThan(w.MaxAmount) {
		errs = append(errs, "withdrawal.min_amount must be in [0, max_amount]")
	}
	if w.Cooldown.Duration < 0 {
		errs = append(errs, "withdrawal.cooldown must be >= 0")
	}
	if w.DailyLimit.IsNegative() {
		errs = append(errs, "withdrawal.daily_limit must be >= 0")
	}

	if c.Wallet.PrivateKey != "" || c.Wallet.EncryptedKeyPath != "" {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain.rpc_url is required to send withdrawals from the wallet")
		}
		if c.Wallet.PrivateKey == "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet.key_password is required with wallet.encrypted_key_path")
		}
	}

	if c.Postgres.Enabled && c.Postgres.DSN == "" && c.Postgres.Host == "" {
		errs = append(errs, "postgres.dsn or postgres.host is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required")
	}
	if c.Ingest.Enabled && !c.Redis.Enabled {
		errs = append(errs, "ingest requires redis.enabled")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3.bucket is required")
	}

	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range (1-65535)", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server.rate_limit must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
