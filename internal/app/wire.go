package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/nftauction/internal/blob/s3"
	natsbroker "github.com/alanyoungcy/nftauction/internal/broker/nats"
	"github.com/alanyoungcy/nftauction/internal/cache/redis"
	"github.com/alanyoungcy/nftauction/internal/config"
	"github.com/alanyoungcy/nftauction/internal/crypto"
	"github.com/alanyoungcy/nftauction/internal/domain"
	"github.com/alanyoungcy/nftauction/internal/notify"
	"github.com/alanyoungcy/nftauction/internal/server/handler"
	"github.com/alanyoungcy/nftauction/internal/store/memory"
	"github.com/alanyoungcy/nftauction/internal/store/postgres"
)

// Dependencies bundles every concrete dependency the modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
// Optional backends are nil when not configured.
type Dependencies struct {
	Signer *crypto.Signer

	// State
	Ledger     domain.Ledger
	Events     domain.EventArchiveStore
	AuditStore domain.AuditStore

	// Redis
	RateLimiter  domain.RateLimiter
	LockManager  domain.LockManager
	SignalBus    domain.SignalBus
	AuctionCache domain.AuctionCache
	ReplayGuard  domain.ReplayGuard

	// Relays and archive
	Relay    domain.EventPublisher
	Archiver domain.Archiver

	Notifier *notify.Notifier

	// HealthChecks are probed by GET /api/health.
	HealthChecks map[string]handler.Check
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
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{HealthChecks: map[string]handler.Check{}}

	// --- Operator key ---
	keyHex, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Operator.PrivateKey,
		EncryptedKeyPath: cfg.Operator.EncryptedKeyPath,
		KeyPassword:      cfg.Operator.KeyPassword,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: operator key: %w", err))
	}
	deps.Signer, err = crypto.NewSigner(keyHex)
	if err != nil {
		return fail(fmt.Errorf("wire: operator key: %w", err))
	}
	logger.InfoContext(ctx, "operator loaded", slog.String("escrow", deps.Signer.Address().Hex()))

	// --- Ledger ---
	switch strings.ToLower(cfg.Ledger.Backend) {
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
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			applied, err := pgClient.RunMigrations(ctx)
			if err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
			if len(applied) > 0 {
				logger.InfoContext(ctx, "migrations applied", slog.Any("files", applied))
			}
		}

		ledger := postgres.NewLedger(pgClient.Pool())
		deps.Ledger = ledger
		deps.Events = ledger
		deps.AuditStore = postgres.NewAuditStore(pgClient.Pool())
		deps.HealthChecks["postgres"] = pgClient.Ping
	default:
		ledger := memory.New()
		deps.Ledger = ledger
		deps.Events = ledger
		deps.AuditStore = memory.NewAuditLog()
		logger.WarnContext(ctx, "using in-memory ledger, state is lost on restart")
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.AuctionCache = redis.NewAuctionCache(redisClient, cfg.Redis.AuctionCacheTTL.Duration)
		deps.ReplayGuard = redis.NewReplayGuard(redisClient)
		deps.HealthChecks["redis"] = redisClient.Ping
	}

	// --- NATS relay ---
	if cfg.NATS.Enabled {
		pub, err := natsbroker.Connect(ctx, natsbroker.Config{
			URL:           cfg.NATS.URL,
			Stream:        cfg.NATS.Stream,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			MaxAge:        cfg.NATS.MaxAge.Duration,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: nats: %w", err))
		}
		closers = append(closers, func() { _ = pub.Close() })
		deps.Relay = pub
	}

	// --- S3 archive ---
	if cfg.Archiving() {
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
			deps.Events,
			deps.AuditStore,
		)
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

	return deps, cleanup, nil
}
