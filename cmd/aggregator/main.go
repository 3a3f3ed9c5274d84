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

	"github.com/web3guy0/predsync/internal/aggregator"
	"github.com/web3guy0/predsync/internal/bus"
	"github.com/web3guy0/predsync/internal/config"
	"github.com/web3guy0/predsync/internal/store"
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
	log.Info().Msg("              PREDSYNC - LIVE AGGREGATOR")
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

	agg := aggregator.New(db, busClient, cfg.FinalAdvance, bus.PredictionsChannel)
	log.Info().Dur("final_advance", cfg.FinalAdvance).Msg("✅ Aggregator initialized")

	// ═══════════════════════════════════════════════════════════════════════════════
	// RUN
	// ═══════════════════════════════════════════════════════════════════════════════

	go agg.Run(ctx)

	msgs := busClient.Subscribe(ctx, bus.RoundUpdateChannel, bus.InstantBetChannel)
	log.Info().Msg("🚀 Aggregator running")

	for msg := range msgs {
		switch msg.Channel {
		case bus.RoundUpdateChannel:
			var update types.RoundUpdate
			if err := json.Unmarshal(msg.Payload, &update); err != nil {
				log.Warn().Err(err).Msg("Bad round update payload")
				continue
			}
			agg.OnRoundUpdate(update)
		case bus.InstantBetChannel:
			var envelope struct {
				Type string    `json:"type"`
				Data types.Bet `json:"data"`
			}
			if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
				log.Warn().Err(err).Msg("Bad instant bet payload")
				continue
			}
			agg.OnBet(envelope.Data)
		}
	}

	log.Info().Msg("👋 Aggregator stopped")
}
