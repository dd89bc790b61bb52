// Package main is the entry point for the VPN subscription bot.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telegram-vpn-bot/internal/bot"
	"telegram-vpn-bot/internal/checkout"
	"telegram-vpn-bot/internal/config"
	"telegram-vpn-bot/internal/contest"
	"telegram-vpn-bot/internal/pkg/db"
	"telegram-vpn-bot/internal/remnawave"
	"telegram-vpn-bot/internal/repository"
	"telegram-vpn-bot/internal/service"
	"telegram-vpn-bot/migrations"
)

// lazyNotifier breaks the construction cycle between the purchase service
// and the bot: services are built first, the bot plugs itself in after.
type lazyNotifier struct {
	inner service.Notifier
}

func (n *lazyNotifier) NotifyAdmins(ctx context.Context, text string) {
	if n.inner != nil {
		n.inner.NotifyAdmins(ctx, text)
	}
}

func (n *lazyNotifier) NotifyUser(ctx context.Context, telegramID int64, text string) {
	if n.inner != nil {
		n.inner.NotifyUser(ctx, telegramID, text)
	}
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log.Info().Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	if err := db.Migrate(ctx, cfg.Database.DSN(), migrations.FS); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	panelClient := remnawave.NewClient(cfg.Panel.BaseURL, cfg.Panel.APIKey, cfg.Panel.Timeout)

	userRepo := repository.NewUserRepository(dbPool.Pool)
	subRepo := repository.NewSubscriptionRepository(dbPool.Pool)
	txRepo := repository.NewTransactionRepository(dbPool.Pool)
	squadRepo := repository.NewSquadRepository(dbPool.Pool)
	contestRepo := repository.NewContestRepository(dbPool.Pool)

	store := checkout.NewStore(rdb, cfg.Checkout.DraftTTL, cfg.Checkout.CartTTL, cfg.Checkout.TokenTTL)

	accountService := service.NewAccountService(dbPool.Pool, userRepo, txRepo)
	pricingService := service.NewPricingService(&cfg.Pricing)
	syncService := service.NewPanelSyncService(
		panelClient, dbPool.Pool, subRepo, userRepo, squadRepo, cfg.Tariffs, cfg.Sync,
	)

	notifier := &lazyNotifier{}
	purchaseService := service.NewPurchaseService(
		dbPool.Pool, userRepo, subRepo, txRepo, squadRepo,
		store, pricingService, syncService, notifier, cfg,
	)

	contestRegistry := contest.NewRegistry()
	for _, strategy := range []contest.Strategy{
		contest.NewButtonPickStrategy(),
		contest.NewTextAnswerStrategy(),
	} {
		if err := contestRegistry.Register(strategy); err != nil {
			log.Fatal().Err(err).Msg("Failed to register contest strategy")
		}
	}
	contestService := service.NewContestService(
		dbPool.Pool, contestRegistry, contestRepo, userRepo, subRepo, txRepo, syncService,
	)

	telegramBot, err := bot.New(&bot.Dependencies{
		Config:          cfg,
		AccountService:  accountService,
		PurchaseService: purchaseService,
		ContestService:  contestService,
		SyncService:     syncService,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bot")
	}
	notifier.inner = telegramBot

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("*/10 * * * *", func() {
		demoted, err := syncService.SweepExpired(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Expiry sweep failed")
		} else if demoted > 0 {
			log.Info().Int("demoted", demoted).Msg("Expiry sweep finished")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule expiry sweep")
	}
	if _, err := scheduler.AddFunc("5 * * * *", func() {
		if err := syncService.SyncAllUsage(ctx); err != nil {
			log.Error().Err(err).Msg("Usage sync failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule usage sync")
	}
	scheduler.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Msg("Bot is starting...")
		telegramBot.Start()
	}()

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	<-scheduler.Stop().Done()
	telegramBot.Stop()
	log.Info().Msg("Bot stopped gracefully")
}
