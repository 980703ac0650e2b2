package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exam-relay/internal/config"
	"github.com/stemsi/exam-relay/internal/database"
	"github.com/stemsi/exam-relay/internal/handler"
	"github.com/stemsi/exam-relay/internal/logger"
	"github.com/stemsi/exam-relay/internal/preload"
	"github.com/stemsi/exam-relay/internal/replay"
	"github.com/stemsi/exam-relay/internal/router"
	"github.com/stemsi/exam-relay/internal/service"
	"github.com/stemsi/exam-relay/internal/store"
	"github.com/stemsi/exam-relay/internal/upstream"
	"github.com/stemsi/exam-relay/internal/validator"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("upstream", cfg.UpstreamBaseURL).
		Str("queue", cfg.WriteQueueName).
		Msg("Starting Exam Relay")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Stores and Gateway ────────────────────────────────────────────
	attemptStore := store.NewAttemptStore(rdb, log)
	queueStore := store.NewQueueStore(rdb, log)
	gateway := upstream.NewGateway(cfg, log)

	// ─── Services ──────────────────────────────────────────────────────
	authService := service.NewAuthService(cfg, gateway, attemptStore, log)
	attemptService := service.NewAttemptService(attemptStore, queueStore, cfg.WriteQueueName, gateway, log)
	preloader := preload.New(gateway, attemptStore, rdb, cfg.PreloadRetryQueueName, cfg.SchoolID, cfg.PreloadCycle, log)

	// ─── Replay Engine ─────────────────────────────────────────────────
	engine := replay.NewEngine(cfg.WriteQueueName, queueStore, gateway, replay.Policy{
		PollInterval:      cfg.QueuePollInterval,
		ConnectivityDelay: cfg.ConnectivityRetryDelay,
		BackoffBase:       cfg.ReplayBackoffBase,
		MaxAttempts:       cfg.ReplayMaxAttempts,
	}, log)

	// Cut over from a retired queue generation before anything runs:
	// no writes are accepted yet, so the moved entries keep their order.
	if err := engine.DrainLegacy(ctx, cfg.LegacyQueueName); err != nil {
		log.Fatal().Err(err).Str("legacy", cfg.LegacyQueueName).Msg("Legacy queue drain failed")
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())

	go engine.Run(workerCtx)
	go preloader.RerunFailedExams(workerCtx)

	// ─── Handlers ──────────────────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:  handler.NewAuthHandler(authService),
		Exam:  handler.NewExamHandler(attemptService),
		Queue: handler.NewQueueHandler(queueStore, preloader, log),
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg)

	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop the replay engine after its in-flight attempt completes.
	// Unresolved entries stay at the queue head for the next start.
	workerCancel()
	time.Sleep(2 * time.Second)

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
