package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/joho/godotenv"

	"futures-signal-bot/config"
	"futures-signal-bot/internal/api"
	"futures-signal-bot/internal/database"
	"futures-signal-bot/internal/engine"
	"futures-signal-bot/internal/events"
	"futures-signal-bot/internal/gateway"
	"futures-signal-bot/internal/logging"
	"futures-signal-bot/internal/market"
	"futures-signal-bot/internal/metrics"
	"futures-signal-bot/internal/position"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	manager, err := config.Load("config.json")
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	cfg := manager.Current()

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logging: %v", err)
	}
	logger.Info().Bool("dry_run", cfg.Trading.DryRun).Msg("starting futures signal bot")

	ctx := context.Background()

	// Market data is public; the client works without keys in dry-run.
	if cfg.Binance.TestNet {
		futures.UseTestnet = true
	}
	client := futures.NewClient(cfg.Binance.APIKey, cfg.Binance.SecretKey)

	cache := market.NewDataCache(time.Minute, 5*time.Second)
	feed := market.NewBinanceFeed(client, cache, logger)
	stream := market.NewPriceStream(cache, logger)
	stream.Start()

	var gw gateway.Gateway
	if cfg.Trading.DryRun {
		gw = gateway.NewMockGateway(feed, logger)
	} else {
		gw = gateway.NewBinanceGateway(client, logger)
	}

	// Postgres and Redis are optional. Without Postgres the bot runs
	// purely in memory; without Redis the read models stay local.
	var (
		db     *database.DB
		pgRepo *database.PositionRepository
		repo   position.Repository
	)
	db, err = database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("PostgreSQL unavailable, running without persistence")
		db = nil
	} else {
		if err := db.RunMigrations(ctx); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		pgRepo = database.NewPositionRepository(db)
		repo = pgRepo
	}

	pub, err := database.NewStatePublisher(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable, read models disabled")
		pub = nil
	}

	store := position.NewStore(cfg.Trading.StartingBalance, repo, logger)
	bus := events.NewBus()
	rec := metrics.New()

	eng := engine.New(engine.Deps{
		Config: manager,
		Feed:   feed,
		GW:     gw,
		Store:  store,
		Bus:    bus,
		Rec:    rec,
		Pub:    pub,
		Logger: logger,
	})

	// Warm the loss window so a restart cannot forget a trip-worthy
	// streak of closed trades.
	if pgRepo != nil {
		window := manager.Settings().Breaker.WindowSize
		if records, err := pgRepo.RecentClosedTrades(ctx, window); err != nil {
			logger.Warn().Err(err).Msg("could not warm closed-trade history")
		} else if len(records) > 0 {
			eng.Breaker().Observe(records)
			logger.Info().Int("records", len(records)).Msg("closed-trade history warmed")
		}
	}

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}

	server := api.NewServer(cfg.Server, api.Deps{
		Manager:  manager,
		Store:    store,
		Sched:    eng.Scheduler(),
		Detector: eng.Detector(),
		Breaker:  eng.Breaker(),
		Bus:      bus,
		OnReload: eng.ReloadSettings,
		Logger:   logger,
	})
	server.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API shutdown failed")
	}
	eng.Stop()
	stream.Stop()
	if pub != nil {
		pub.Close()
	}
	if db != nil {
		db.Close()
	}
	logger.Info().Msg("shutdown complete")
}
