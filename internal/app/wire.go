package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Modulend/core-v1/internal/assessor"
	s3blob "github.com/Modulend/core-v1/internal/blob/s3"
	"github.com/Modulend/core-v1/internal/blueprint"
	cachemem "github.com/Modulend/core-v1/internal/cache/memory"
	"github.com/Modulend/core-v1/internal/cache/redis"
	"github.com/Modulend/core-v1/internal/config"
	"github.com/Modulend/core-v1/internal/crypto"
	"github.com/Modulend/core-v1/internal/domain"
	"github.com/Modulend/core-v1/internal/ledger"
	"github.com/Modulend/core-v1/internal/notify"
	"github.com/Modulend/core-v1/internal/platform/custody"
	"github.com/Modulend/core-v1/internal/server/handler"
	"github.com/Modulend/core-v1/internal/service"
	storemem "github.com/Modulend/core-v1/internal/store/memory"
	"github.com/Modulend/core-v1/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	Signer *crypto.Signer
	Hasher *blueprint.Hasher

	// Stores
	BlueprintStore domain.BlueprintStore
	AuditStore     domain.AuditStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Custody
	Terminals domain.TerminalRegistry
	Accounts  domain.AccountRegistry
	Ledger    *ledger.Ledger // sandbox mode only
	Assessors *assessor.Registry

	// Blob storage
	Archiver *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Health lists the external components the health check pings.
	Health map[string]handler.Pinger

	Agreements *service.AgreementService
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

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
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Health: make(map[string]handler.Pinger)}

	// --- Protocol key ---
	signer, err := crypto.LoadSigner(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: protocol key: %w", err))
	}
	if cfg.Protocol.Address != "" && common.HexToAddress(cfg.Protocol.Address) != signer.Address() {
		return fail(fmt.Errorf("wire: protocol.address %s does not match wallet key %s",
			cfg.Protocol.Address, signer.Address().Hex()))
	}
	deps.Signer = signer
	deps.Hasher = blueprint.NewHasher(cfg.Protocol.ChainID, signer.Address())

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
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
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.BlueprintStore = postgres.NewBlueprintStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Health["postgres"] = pgClient
	} else {
		logger.WarnContext(ctx, "postgres disabled; publication log is in memory")
		deps.BlueprintStore = storemem.NewBlueprintStore()
		deps.AuditStore = storemem.NewAuditStore()
	}

	// --- Redis ---
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
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		if ttl := cfg.Redis.BlueprintCacheTTL.Duration; ttl > 0 {
			deps.BlueprintStore = redis.NewCachedBlueprintStore(deps.BlueprintStore, redisClient, ttl)
		}
		deps.Health["redis"] = redisClient
	} else {
		logger.WarnContext(ctx, "redis disabled; locks and the signal bus are process-local")
		deps.PriceCache = cachemem.NewPriceCache()
		deps.RateLimiter = cachemem.NewRateLimiter()
		deps.LockManager = cachemem.NewLockManager()
		deps.SignalBus = cachemem.NewSignalBus()
	}

	// --- Custody ---
	switch cfg.Custody.Mode {
	case config.CustodyRemote:
		client := custody.NewClient(cfg.Custody.BaseURL, signer, cfg.Custody.Timeout.Duration)
		deps.Terminals = client
		deps.Accounts = client
	default:
		l, err := sandboxLedger(signer.Address(), cfg.Custody.Sandbox)
		if err != nil {
			return fail(fmt.Errorf("wire: sandbox ledger: %w", err))
		}
		deps.Ledger = l
		deps.Terminals = l
		deps.Accounts = l
	}

	// --- Assessors ---
	// Every order's assessor address resolves to the price assessor unless a
	// specific implementation is registered.
	deps.Assessors = assessor.NewRegistry(assessor.New(deps.PriceCache, assessor.Config{
		LiquidationRatio: cfg.Assessor.LiquidationRatio,
		MaxPriceAge:      cfg.Assessor.MaxPriceAge.Duration,
	}))

	// --- S3 blob storage (archiver only) ---
	if cfg.Archive.Enabled || strings.EqualFold(cfg.Mode, "archive") {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.BlueprintStore,
			deps.AuditStore,
			logger,
		)
		deps.Health["s3"] = pingFunc(s3Client.Health)
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
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	if cfg.Notify.ThrottleLimit > 0 {
		deps.Notifier = deps.Notifier.WithThrottle(notify.Throttle{
			Limiter: deps.RateLimiter,
			Limit:   cfg.Notify.ThrottleLimit,
			Window:  cfg.Notify.ThrottleWindow.Duration,
		})
	}

	// --- Agreement lifecycle ---
	agreementDeps := service.AgreementDeps{
		Auth:      blueprint.NewAuthenticator(deps.Hasher),
		Signer:    signer,
		Log:       deps.BlueprintStore,
		Terminals: deps.Terminals,
		Accounts:  deps.Accounts,
		Assessors: deps.Assessors,
		Locks:     deps.LockManager,
		Bus:       deps.SignalBus,
		Audit:     deps.AuditStore,
		Logger:    logger,
		LockTTL:   cfg.Protocol.LockTTL.Duration,
	}
	if deps.Notifier.Enabled() {
		agreementDeps.Notifier = deps.Notifier
	}
	deps.Agreements = service.NewAgreementService(agreementDeps)

	return deps, cleanup, nil
}

// sandboxLedger builds the in-process custody ledger and seeds the configured
// accounts.
func sandboxLedger(protocol common.Address, accounts []config.SandboxAccount) (*ledger.Ledger, error) {
	l := ledger.New(protocol)
	for _, acct := range accounts {
		params := []byte(acct.Params)
		l.OpenAccount(params, common.HexToAddress(acct.Owner))
		for asset, raw := range acct.Balances {
			amount, ok := new(big.Int).SetString(raw, 10)
			if !ok || amount.Sign() < 0 {
				return nil, fmt.Errorf("account %q: invalid balance %q for %s", acct.Params, raw, asset)
			}
			l.Deposit(params, common.HexToAddress(asset), amount)
		}
	}
	return l, nil
}
