// Command extend-time adds minutes to a cached attempt's end time.
// Operator escape hatch for invigilator-approved extensions.
//
// Usage: extend-time <studentID> <examID> <minutes>
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exam-relay/internal/config"
	"github.com/stemsi/exam-relay/internal/database"
	"github.com/stemsi/exam-relay/internal/logger"
	"github.com/stemsi/exam-relay/internal/store"
)

func main() {
	if len(os.Args) != 4 {
		fmt.Fprintln(os.Stderr, "usage: extend-time <studentID> <examID> <minutes>")
		os.Exit(2)
	}

	studentID := os.Args[1]
	examID := os.Args[2]
	minutes, err := strconv.Atoi(os.Args[3])
	if err != nil || minutes <= 0 {
		fmt.Fprintln(os.Stderr, "minutes must be a positive integer")
		os.Exit(2)
	}

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	attemptStore := store.NewAttemptStore(rdb, log)

	attempt, err := attemptStore.GetAttempt(ctx, studentID, examID)
	if err != nil {
		log.Fatal().Err(err).
			Str("student_id", studentID).
			Str("exam_id", examID).
			Msg("Attempt not found")
	}

	extension := time.Duration(minutes) * time.Minute
	attempt.EndDatetime = attempt.EndDatetime.Add(extension)
	attempt.DurationSeconds += minutes * 60
	// Extending reopens an attempt the clock already closed.
	attempt.IsFinished = false

	if err := attemptStore.PutAttempt(ctx, attempt); err != nil {
		log.Fatal().Err(err).Msg("Failed to store attempt")
	}

	log.Info().
		Str("student_id", studentID).
		Str("exam_id", examID).
		Time("end_datetime", attempt.EndDatetime).
		Msg("Attempt extended")
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
