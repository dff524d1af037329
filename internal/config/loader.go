package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load decodes the TOML file at path over Defaults, loads .env if present and
// applies PROFITD_* overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose PROFITD_* variable is set and
// non-empty, so secrets can be injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	setBool(&cfg.Ledger.RequireTxHash, "PROFITD_LEDGER_REQUIRE_TX_HASH")

	setStr(&cfg.Chain.Provider, "PROFITD_CHAIN_PROVIDER")
	setStr(&cfg.Chain.EtherscanURL, "PROFITD_CHAIN_ETHERSCAN_URL")
	setStr(&cfg.Chain.EtherscanAPIKey, "ETHERSCAN_API_KEY") // alias; PROFITD_* wins
	setStr(&cfg.Chain.EtherscanAPIKey, "PROFITD_CHAIN_ETHERSCAN_API_KEY")
	setStr(&cfg.Chain.RPCURL, "PROFITD_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "PROFITD_CHAIN_CHAIN_ID")
	setUint64(&cfg.Chain.MinConfirmations, "PROFITD_CHAIN_MIN_CONFIRMATIONS")
	setDuration(&cfg.Chain.PollInterval, "PROFITD_CHAIN_POLL_INTERVAL")
	setInt(&cfg.Chain.MaxAttempts, "PROFITD_CHAIN_MAX_ATTEMPTS")
	setDuration(&cfg.Chain.BaseDelay, "PROFITD_CHAIN_BASE_DELAY")
	setDuration(&cfg.Chain.MaxDelay, "PROFITD_CHAIN_MAX_DELAY")
	setInt(&cfg.Chain.RateLimit, "PROFITD_CHAIN_RATE_LIMIT")
	setDuration(&cfg.Chain.RateWindow, "PROFITD_CHAIN_RATE_WINDOW")
	setInt(&cfg.Chain.Concurrency, "PROFITD_CHAIN_CONCURRENCY")

	setStr(&cfg.Withdrawal.Mode, "PROFITD_WITHDRAWAL_MODE")
	setDecimal(&cfg.Withdrawal.Threshold, "PROFITD_WITHDRAWAL_THRESHOLD")
	setDecimal(&cfg.Withdrawal.WithdrawalFraction, "PROFITD_WITHDRAWAL_FRACTION")
	setDecimal(&cfg.Withdrawal.MinAmount, "PROFITD_WITHDRAWAL_MIN_AMOUNT")
	setDecimal(&cfg.Withdrawal.MaxAmount, "PROFITD_WITHDRAWAL_MAX_AMOUNT")
	setStr(&cfg.Withdrawal.Destination, "PROFITD_WITHDRAWAL_DESTINATION")
	setDuration(&cfg.Withdrawal.Cooldown, "PROFITD_WITHDRAWAL_COOLDOWN")
	setDecimal(&cfg.Withdrawal.DailyLimit, "PROFITD_WITHDRAWAL_DAILY_LIMIT")
	setDuration(&cfg.Withdrawal.EvaluateInterval, "PROFITD_WITHDRAWAL_EVALUATE_INTERVAL")
	setDuration(&cfg.Withdrawal.TrackInterval, "PROFITD_WITHDRAWAL_TRACK_INTERVAL")
	setInt64(&cfg.Withdrawal.MaxGasPriceGwei, "PROFITD_WITHDRAWAL_MAX_GAS_PRICE_GWEI")

	setStr(&cfg.Wallet.PrivateKey, "PROFITD_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "PROFITD_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "PROFITD_WALLET_KEY_PASSWORD")

	setBool(&cfg.Postgres.Enabled, "PROFITD_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // alias; PROFITD_* wins
	setStr(&cfg.Postgres.DSN, "PROFITD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PROFITD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PROFITD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PROFITD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PROFITD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PROFITD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PROFITD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PROFITD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PROFITD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PROFITD_POSTGRES_RUN_MIGRATIONS")

	setBool(&cfg.Redis.Enabled, "PROFITD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PROFITD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PROFITD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PROFITD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PROFITD_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "PROFITD_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "PROFITD_REDIS_KEY_PREFIX")

	setBool(&cfg.S3.Enabled, "PROFITD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PROFITD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PROFITD_S3_REGION")
	setStr(&cfg.S3.Bucket, "PROFITD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PROFITD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PROFITD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PROFITD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PROFITD_S3_FORCE_PATH_STYLE")

	setBool(&cfg.Server.Enabled, "PROFITD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PORT") // platform-assigned; PROFITD_* wins
	setInt(&cfg.Server.Port, "PROFITD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PROFITD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PROFITD_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "PROFITD_SERVER_RATE_LIMIT")

	setStr(&cfg.Notify.TelegramToken, "PROFITD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PROFITD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PROFITD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PROFITD_NOTIFY_EVENTS")

	setBool(&cfg.Ingest.Enabled, "PROFITD_INGEST_ENABLED")
	setStr(&cfg.Ingest.Stream, "PROFITD_INGEST_STREAM")
	setInt(&cfg.Ingest.Batch, "PROFITD_INGEST_BATCH")

	setStr(&cfg.Mode, "PROFITD_MODE")
	setStr(&cfg.LogLevel, "PROFITD_LOG_LEVEL")
}

// Typed setters. Each leaves dst alone when the variable is unset, empty or
// unparsable.

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

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			*dst = d
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
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
