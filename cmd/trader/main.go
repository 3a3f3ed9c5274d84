package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/predsync/internal/bus"
	"github.com/web3guy0/predsync/internal/chain"
	"github.com/web3guy0/predsync/internal/config"
	"github.com/web3guy0/predsync/internal/notify"
	"github.com/web3guy0/predsync/internal/store"
	"github.com/web3guy0/predsync/internal/trader"
	"github.com/web3guy0/predsync/internal/types"
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
	log.Info().Msg("              PREDSYNC - TIMED TRADER")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	if !cfg.TraderEnabled {
		log.Warn().Msg("TRADER_ENABLED=false, running in observe-only mode")
	}
	if cfg.DryRun {
		log.Warn().Msg("DRY_RUN=true, no transactions will be sent")
	} else if cfg.PrivateKey == "" {
		log.Fatal().Msg("PRIVATE_KEY required when DRY_RUN=false")
	}

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

	chainClient, err := chain.Dial(ctx, cfg.RPCURL, cfg.ContractAddr, cfg.PrivateKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Chain dial failed")
	}
	defer chainClient.Close()

	notifier, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Warn().Err(err).Msg("Telegram unavailable, alerts disabled")
		notifier, _ = notify.New("", 0)
	}

	bot := trader.New(cfg, chainClient, busClient, db, notifier)
	log.Info().
		Str("min_confidence", cfg.MinConfidence).
		Str("side", cfg.SideFilter).
		Int64("delta_ms", cfg.DeltaMS).
		Msg("✅ Trader initialized")

	// ═══════════════════════════════════════════════════════════════════════════════
	// RUN
	// ═══════════════════════════════════════════════════════════════════════════════

	go bot.Run(ctx)

	msgs := busClient.Subscribe(ctx, bus.RoundUpdateChannel, bus.PredictionsChannel)
	log.Info().Msg("🚀 Trader running")

	for msg := range msgs {
		switch msg.Channel {
		case bus.RoundUpdateChannel:
			var update types.RoundUpdate
			if err := json.Unmarshal(msg.Payload, &update); err != nil {
				log.Warn().Err(err).Msg("Bad round update payload")
				continue
			}
			bot.OnRoundUpdate(update)
		case bus.PredictionsChannel:
			var p types.Prediction
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				log.Warn().Err(err).Msg("Bad prediction payload")
				continue
			}
			bot.OnPrediction(p)
		}
	}

	log.Info().Msg("👋 Trader stopped")
}
