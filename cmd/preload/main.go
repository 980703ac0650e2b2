// Command preload runs the bulk preloader as a standalone long-lived
// process: every cycle it walks all students upstream and seeds the
// attempt store, so the relay has something to serve when the next
// outage hits.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exam-relay/internal/config"
	"github.com/stemsi/exam-relay/internal/database"
	"github.com/stemsi/exam-relay/internal/logger"
	"github.com/stemsi/exam-relay/internal/preload"
	"github.com/stemsi/exam-relay/internal/store"
	"github.com/stemsi/exam-relay/internal/upstream"
)

func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("upstream", cfg.UpstreamBaseURL).
		Dur("cycle", cfg.PreloadCycle).
		Msg("Starting preloader")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	attemptStore := store.NewAttemptStore(rdb, log)
	gateway := upstream.NewGateway(cfg, log)
	preloader := preload.New(gateway, attemptStore, rdb, cfg.PreloadRetryQueueName, cfg.SchoolID, cfg.PreloadCycle, log)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		log.Info().Str("signal", sig.String()).Msg("Shutting down...")
		cancel()
	}()

	preloader.Run(ctx)
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
