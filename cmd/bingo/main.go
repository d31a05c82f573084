// Package main is the entry point for the bingo game server.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"telegram-bingo/internal/auth"
	"telegram-bingo/internal/config"
	"telegram-bingo/internal/game/bingo"
	"telegram-bingo/internal/gateway"
	"telegram-bingo/internal/hub"
	"telegram-bingo/internal/notify"
	"telegram-bingo/internal/pkg/db"
	"telegram-bingo/internal/pkg/lock"
	"telegram-bingo/internal/pubsub"
	"telegram-bingo/internal/repository"
	"telegram-bingo/internal/server"
	"telegram-bingo/internal/service"
)

// roundStore serves both the rooms and startup recovery.
type roundStore interface {
	bingo.RoundStore
	service.RoundBook
}

// storage bundles the stores of the selected driver.
type storage struct {
	users  service.UserStore
	ledger service.LedgerStore
	rounds roundStore
	pinger server.Pinger
	close  func()
}

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg.Log)

	log.Info().
		Str("storage", cfg.Storage.Driver).
		Int("tiers", len(cfg.Game.Tiers)).
		Msg("Configuration loaded successfully")

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer store.close()

	// Initialize services
	userLock := lock.NewUserLock()
	ledger := service.NewLedgerService(store.ledger, userLock, service.LedgerOptions{
		MaxAttempts:  cfg.Ledger.MaxAttempts,
		RetryBackoff: cfg.Ledger.RetryBackoff,
		LockTimeout:  cfg.Ledger.LockTimeout,
	})
	accounts := service.NewAccountService(store.users)

	if err := seedAccounts(ctx, accounts, cfg.Storage.Seed); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed accounts")
	}

	// Stakes of rounds cut short by a previous crash go back to players
	// before any room opens.
	recovered, err := ledger.RecoverOrphanedStakes(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to recover orphaned stakes")
	}
	log.Info().Int("refunded", recovered).Msg("Orphaned stake recovery finished")

	// Round references of unrecorded rounds must not be handed out again.
	unfinished, err := ledger.RecordUnfinishedRounds(ctx, store.rounds)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to record unfinished rounds")
	}
	settled, err := ledger.SettleFailedPayouts(ctx, store.rounds)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to settle failed payouts")
	}
	log.Info().
		Int("recorded", unfinished).
		Int("settled", settled).
		Msg("Round recovery finished")

	var notifier bingo.Notifier = notify.Nop{}
	if cfg.Telegram.Token != "" {
		tn, err := notify.NewTelegramNotifier(cfg.Telegram.Token, notify.Options{})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Telegram notifier")
		}
		notifier = tn
	}

	var publisher bingo.Publisher
	if cfg.Redis.Addr != "" {
		client, err := pubsub.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer client.Close()
		publisher = pubsub.NewRedisPublisher(client, cfg.Redis.Channel)
	}

	// One room per stake tier
	broadcast := hub.New()
	registry := bingo.NewRegistry()
	opts := bingo.Options{
		ReservationWindow: cfg.Game.ReservationWindow(),
		TickInterval:      cfg.Game.TickInterval,
		CallInterval:      cfg.Game.CallInterval,
		Cooldown:          cfg.Game.Cooldown,
		PayoutAttempts:    cfg.Game.PayoutAttempts,
		LedgerTimeout:     cfg.Ledger.LockTimeout * time.Duration(cfg.Ledger.MaxAttempts+1),
	}
	for _, tier := range cfg.Game.Tiers {
		room := bingo.NewRoom(tier.ID, tier.Stake, ledger, store.rounds, broadcast, notifier, publisher, opts)
		if err := registry.Register(room); err != nil {
			log.Fatal().Err(err).Int64("tier", tier.ID).Msg("Failed to register room")
		}
	}

	log.Info().
		Int("room_count", registry.Count()).
		Ints64("tiers", registry.Tiers()).
		Msg("Rooms registered")

	ws := gateway.NewHandler(
		auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		accounts,
		registry,
		gateway.Options{AllowedOrigins: cfg.Server.AllowedOrigins},
	)
	srv := server.New(cfg.Server.Addr, server.NewRouter(ws, store.pinger), cfg.Server.ShutdownTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return registry.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Server stopped with error")
		return
	}
	log.Info().Msg("Server stopped gracefully")
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if !cfg.Pretty {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	if cfg.Storage.Driver == config.StorageMemory {
		log.Warn().Msg("Using in-memory storage, balances are lost on exit")
		mem := repository.NewMemoryStore()
		return &storage{users: mem, ledger: mem, rounds: mem, pinger: mem, close: func() {}}, nil
	}

	// Initialize database connection pool
	pool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}

	// Run database migrations
	if err := repository.Migrate(ctx, pool.Pool); err != nil {
		pool.Close()
		return nil, err
	}

	users := repository.NewUserRepository(pool.Pool)
	return &storage{
		users:  users,
		ledger: repository.NewLedgerRepository(pool.Pool),
		rounds: repository.NewRoundRepository(pool.Pool),
		pinger: users,
		close:  pool.Close,
	}, nil
}

func seedAccounts(ctx context.Context, accounts *service.AccountService, seed []config.SeedConfig) error {
	for _, u := range seed {
		_, err := accounts.Register(ctx, u.ID, u.Name, u.Balance)
		if errors.Is(err, repository.ErrUserExists) {
			continue
		}
		if err != nil {
			return err
		}
		log.Info().Int64("user_id", u.ID).Int64("balance", u.Balance).Msg("Seeded account")
	}
	return nil
}
