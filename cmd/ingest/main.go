package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/predsync/internal/buffer"
	"github.com/web3guy0/predsync/internal/bus"
	"github.com/web3guy0/predsync/internal/chain"
	"github.com/web3guy0/predsync/internal/config"
	"github.com/web3guy0/predsync/internal/ingest"
	"github.com/web3guy0/predsync/internal/store"
)

const drainGrace = 5 * time.Second

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
	log.Info().Msg("              PREDSYNC - LIVE INGEST")
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

	host, _ := os.Hostname()
	if host == "" {
		host = "ingest"
	}
	member := fmt.Sprintf("%s-%d", host, os.Getpid())
	buf, err := buffer.New(ctx, cfg.RedisURL, cfg.StreamName, cfg.ConsumerGroup, member)
	if err != nil {
		log.Fatal().Err(err).Msg("Stream init failed")
	}
	defer buf.Close()
	log.Info().Str("member", member).Msg("✅ Buffer initialized")

	chainClient, err := chain.Dial(ctx, cfg.WSSURL, cfg.ContractAddr, "")
	if err != nil {
		log.Fatal().Err(err).Msg("Chain dial failed")
	}
	defer chainClient.Close()

	listener, err := ingest.NewListener(chainClient, buf, busClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Listener init failed")
	}
	consumer := ingest.NewConsumer(buf, db, busClient, cfg.BatchSize)
	watcher := ingest.NewRoundWatcher(chainClient, busClient)
	log.Info().Msg("✅ Listener + consumer + round watcher initialized")

	// ═══════════════════════════════════════════════════════════════════════════════
	// RUN
	// ═══════════════════════════════════════════════════════════════════════════════

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); listener.Run(ctx) }()
	go func() { defer wg.Done(); consumer.Run(ctx) }()
	go func() { defer wg.Done(); watcher.Run(ctx) }()

	log.Info().Msg("🚀 Ingest running")
	<-ctx.Done()
	log.Info().Msg("Shutting down, draining consumer...")

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		log.Info().Msg("👋 Ingest stopped")
	case <-time.After(drainGrace):
		log.Error().Msg("Drain timed out")
		os.Exit(1)
	}
}
