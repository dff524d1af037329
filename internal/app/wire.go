package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/profitledger/internal/blob/s3"
	"github.com/alanyoungcy/profitledger/internal/cache/redis"
	"github.com/alanyoungcy/profitledger/internal/config"
	"github.com/alanyoungcy/profitledger/internal/crypto"
	"github.com/alanyoungcy/profitledger/internal/domain"
	"github.com/alanyoungcy/profitledger/internal/notify"
	"github.com/alanyoungcy/profitledger/internal/platform/etherscan"
	"github.com/alanyoungcy/profitledger/internal/platform/evm"
	"github.com/alanyoungcy/profitledger/internal/server/handler"
	"github.com/alanyoungcy/profitledger/internal/store/postgres"
)

// Dependencies bundles the infrastructure the modes run on. Optional pieces
// are nil when their backend is disabled.
type Dependencies struct {
	// Stores; nil without Postgres.
	EntryStore      domain.EntryStore
	WithdrawalStore domain.WithdrawalStore
	PolicyStore     domain.PolicyStore
	AuditStore      domain.AuditStore

	// Redis; nil without Redis.
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Object storage; nil without S3.
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	// Chain access.
	ChainName     string
	Chain         domain.ChainStatusSource
	Balances      domain.BalanceSource
	Executor      domain.TransferExecutor
	WalletAddress string

	Notifier *notify.Notifier

	// HealthChecks probes each connected backend.
	HealthChecks map[string]handler.Check
}

// Wire connects every configured backend and returns them with a cleanup
// function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{HealthChecks: map[string]handler.Check{}}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pg.Pool()
		deps.EntryStore = postgres.NewEntryStore(pool)
		deps.WithdrawalStore = postgres.NewWithdrawalStore(pool)
		deps.PolicyStore = postgres.NewPolicyStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.HealthChecks["postgres"] = pg.Ping
	} else {
		logger.WarnContext(ctx, "postgres disabled; ledger state will not survive a restart")
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.RateLimiter = redis.NewRateLimiter(rc, cfg.Chain.RateLimit, cfg.Chain.RateWindow.Duration)
		deps.LockManager = redis.NewLockManager(rc)
		deps.SignalBus = redis.NewSignalBus(rc, cfg.Redis.StreamMaxLen)
		deps.HealthChecks["redis"] = rc.Ping
	}

	// --- S3 ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.BlobWriter = s3blob.NewWriter(sc, cfg.S3.PartSize)
		deps.BlobReader = s3blob.NewReader(sc)
		deps.HealthChecks["s3"] = sc.Health
	}

	// --- Chain ---
	closeChain, err := wireChain(ctx, cfg, deps, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if closeChain != nil {
		closers = append(closers, closeChain)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// wireChain picks the confirmation source and, when a wallet key and RPC
// endpoint are configured, the transfer executor.
func wireChain(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (func(), error) {
	var signer *crypto.Signer
	keys := crypto.KeySource{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	}
	if keys.Configured() {
		s, err := crypto.LoadSigner(keys, cfg.Chain.ChainID)
		if err != nil {
			return nil, fmt.Errorf("wire: wallet: %w", err)
		}
		signer = s
	}

	var closeFn func()
	var rpc *evm.Client
	if cfg.Chain.RPCURL != "" {
		c, closer, err := evm.Dial(ctx, cfg.Chain.RPCURL, signer, cfg.Withdrawal.MaxGasPriceGwei, logger)
		if err != nil {
			return nil, fmt.Errorf("wire: %w", err)
		}
		rpc, closeFn = c, closer
		deps.Balances = rpc
		deps.WalletAddress = rpc.WalletAddress()
		if signer != nil {
			deps.Executor = rpc
		}
	}

	switch cfg.Chain.Provider {
	case "rpc":
		if rpc == nil {
			return closeFn, fmt.Errorf("wire: rpc provider without rpc_url")
		}
		deps.ChainName = "rpc"
		deps.Chain = rpc
	default:
		es := etherscan.NewClient(cfg.Chain.EtherscanURL, cfg.Chain.EtherscanAPIKey, cfg.Chain.ChainID)
		deps.ChainName = "etherscan"
		deps.Chain = es
		if deps.Balances == nil {
			deps.Balances = es
		}
	}

	if deps.Executor == nil {
		logger.InfoContext(ctx, "no wallet executor; withdrawals are recorded for external settlement")
	}
	return closeFn, nil
}
