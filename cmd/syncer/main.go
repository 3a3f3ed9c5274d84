package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/predsync/internal/blockrange"
	"github.com/web3guy0/predsync/internal/bus"
	"github.com/web3guy0/predsync/internal/chain"
	"github.com/web3guy0/predsync/internal/config"
	"github.com/web3guy0/predsync/internal/notify"
	"github.com/web3guy0/predsync/internal/store"
	"github.com/web3guy0/predsync/internal/syncer"
)

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Config load failed")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("              PREDSYNC - RECONCILIATION SYNCER")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	db, err := store.Open(cfg.DatabaseURL, cfg.PoolSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Database connection failed")
	}
	defer db.Close()
	log.Info().Msg("✅ Store initialized")

	busClient, err := bus.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Redis connection failed")
	}
	defer busClient.Close()
	log.Info().Msg("✅ Bus initialized")

	chainClient, err := chain.Dial(ctx, cfg.RPCURL, cfg.ContractAddr, "")
	if err != nil {
		log.Fatal().Err(err).Msg("Chain dial failed")
	}
	defer chainClient.Close()

	est := blockrange.New(db)
	if cfg.SeedEpoch > 0 {
		est.WithSeed(cfg.SeedEpoch, cfg.SeedMinBlock, cfg.SeedMaxBlock)
		log.Info().Int64("seed_epoch", cfg.SeedEpoch).Msg("✅ Estimator seeded")
	}

	sync, err := syncer.New(chainClient, db, busClient, est, cfg.RetryMax, cfg.CacheMax, cfg.RPCCallDelay)
	if err != nil {
		log.Fatal().Err(err).Msg("Syncer init failed")
	}
	if notifier, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID); err == nil {
		sync.WithNotifier(notifier)
	} else {
		log.Warn().Err(err).Msg("Telegram unavailable, alerts disabled")
	}
	log.Info().Msg("✅ Syncer initialized")

	// ═══════════════════════════════════════════════════════════════════════════════
	// RUN
	// ═══════════════════════════════════════════════════════════════════════════════

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){sync.RunForward, sync.RunBackward, sync.RunGapScan} {
		wg.Add(1)
		go func(f func(context.Context)) {
			defer wg.Done()
			f(ctx)
		}(run)
	}

	log.Info().Msg("🚀 Syncer running (forward + backward + gap scan)")
	<-ctx.Done()
	log.Info().Msg("Shutting down...")
	wg.Wait()
	log.Info().Msg("👋 Syncer stopped")
}
