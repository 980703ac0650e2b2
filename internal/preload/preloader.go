// Package preload seeds the attempt store from the upstream service.
// The preloader walks every student, caches their profile, credentials,
// and full exam payloads, so reads and logins keep working through an
// upstream outage. Per-exam failures go to a dedicated retry queue
// consumed by RerunFailedExams; that queue has no dead-letter sibling
// and records are re-enqueued indefinitely.
package preload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-relay/internal/model"
	"github.com/stemsi/exam-relay/internal/store"
	"github.com/stemsi/exam-relay/internal/upstream"
)

// Preloader is the batch seeding process.
type Preloader struct {
	gateway    *upstream.Gateway
	attempts   *store.AttemptStore
	rdb        *redis.Client
	retryQueue string
	schoolID   string
	cycle      time.Duration
	retryPause time.Duration
	log        zerolog.Logger
}

// New creates a Preloader.
func New(
	gateway *upstream.Gateway,
	attempts *store.AttemptStore,
	rdb *redis.Client,
	retryQueue string,
	schoolID string,
	cycle time.Duration,
	log zerolog.Logger,
) *Preloader {
	return &Preloader{
		gateway:    gateway,
		attempts:   attempts,
		rdb:        rdb,
		retryQueue: retryQueue,
		schoolID:   schoolID,
		cycle:      cycle,
		retryPause: 5 * time.Second,
		log:        log.With().Str("component", "preloader").Logger(),
	}
}

// Run performs a full pass every cycle until ctx is cancelled.
func (p *Preloader) Run(ctx context.Context) {
	p.log.Info().Dur("cycle", p.cycle).Msg("Preloader started")

	for {
		if err := p.RunOnce(ctx); err != nil {
			p.log.Error().Err(err).Msg("Preload pass failed")
		}

		select {
		case <-ctx.Done():
			p.log.Info().Msg("Preloader stopped")
			return
		case <-time.After(p.cycle):
		}
	}
}

// RunOnce walks all students and seeds everything not yet cached.
func (p *Preloader) RunOnce(ctx context.Context) error {
	students, err := p.gateway.FetchStudents(ctx)
	if err != nil {
		return fmt.Errorf("fetch students: %w", err)
	}

	p.log.Info().Int("students", len(students)).Msg("Preload pass starting")

	seeded := 0
	for _, student := range students {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := p.preloadStudent(ctx, student)
		if err != nil {
			p.log.Warn().Err(err).Str("student_id", student.ID).Msg("Student preload incomplete")
			continue
		}
		seeded += n
	}

	p.log.Info().Int("attempts_seeded", seeded).Msg("Preload pass complete")
	return nil
}

func (p *Preloader) preloadStudent(ctx context.Context, student upstream.Student) (int, error) {
	identity := model.Identity{ID: student.ID, Email: student.Email, SchoolID: p.schoolID}

	exams, err := p.gateway.FetchStudentExams(ctx, identity)
	if err != nil {
		return 0, fmt.Errorf("fetch exams: %w", err)
	}

	summaries := make([]model.ExamSummary, 0, len(exams))
	for _, exam := range exams {
		summaries = append(summaries, model.ExamSummary{
			ExamID:          exam.ID,
			Title:           exam.Title,
			DurationSeconds: exam.DurationSeconds,
		})
	}

	if err := p.attempts.PutStudent(ctx, &model.StudentRecord{
		ID:       student.ID,
		Username: student.Username,
		Email:    student.Email,
		Name:     student.Name,
		Exams:    summaries,
	}); err != nil {
		return 0, err
	}

	if err := p.attempts.PutLogin(ctx, &model.StudentLoginRecord{
		ID:           student.ID,
		Username:     student.Username,
		Email:        student.Email,
		Name:         student.Name,
		PasswordHash: student.PasswordHash,
	}); err != nil {
		return 0, err
	}

	seeded := 0
	for _, exam := range exams {
		cached, err := p.attempts.HasAttempt(ctx, student.ID, exam.ID)
		if err != nil {
			return seeded, err
		}
		if cached {
			continue
		}

		if err := p.seedAttempt(ctx, identity, exam.ID, exam.Title); err != nil {
			// A distinct retry record, not a generic write: the rerun loop
			// re-fetches the whole exam rather than replaying a request.
			p.enqueueRetry(ctx, model.PreloadRetryRecord{
				StudentID: student.ID,
				Email:     student.Email,
				ExamID:    exam.ID,
				Title:     exam.Title,
			})
			p.log.Warn().
				Err(err).
				Str("student_id", student.ID).
				Str("exam_id", exam.ID).
				Msg("Exam preload failed, queued for rerun")
			continue
		}
		seeded++
	}

	return seeded, nil
}

// seedAttempt fetches, normalizes, and stores one student-exam payload.
func (p *Preloader) seedAttempt(ctx context.Context, student model.Identity, examID, title string) error {
	attempt, err := p.gateway.FetchExamQuestions(ctx, student, examID)
	if err != nil {
		return err
	}

	attempt.StudentID = student.ID
	attempt.ExamID = examID
	if attempt.Title == "" {
		attempt.Title = title
	}
	attempt.Normalize()

	return p.attempts.PutAttempt(ctx, attempt)
}

// RerunFailedExams consumes the retry queue until ctx is cancelled. On
// success the same store-and-sort normalization applies; on failure the
// record goes back to the tail. Nothing is ever dead-lettered here —
// the exam data either loads eventually or an operator intervenes.
func (p *Preloader) RerunFailedExams(ctx context.Context) {
	p.log.Info().Str("queue", p.retryQueue).Msg("Preload rerun loop started")

	for {
		if ctx.Err() != nil {
			p.log.Info().Msg("Preload rerun loop stopped")
			return
		}

		raw, err := p.rdb.LPop(ctx, p.retryQueue).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("Retry queue pop failed")
			}
			if !sleepCtx(ctx, p.retryPause) {
				return
			}
			continue
		}

		var record model.PreloadRetryRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			p.log.Error().Err(err).Msg("Undecodable retry record dropped")
			continue
		}

		identity := model.Identity{ID: record.StudentID, Email: record.Email, SchoolID: p.schoolID}
		if err := p.seedAttempt(ctx, identity, record.ExamID, record.Title); err != nil {
			p.log.Warn().
				Err(err).
				Str("student_id", record.StudentID).
				Str("exam_id", record.ExamID).
				Msg("Rerun failed, re-enqueueing")
			p.enqueueRetry(ctx, record)
			if !sleepCtx(ctx, p.retryPause) {
				return
			}
			continue
		}

		p.log.Info().
			Str("student_id", record.StudentID).
			Str("exam_id", record.ExamID).
			Msg("Rerun succeeded")
	}
}

func (p *Preloader) enqueueRetry(ctx context.Context, record model.PreloadRetryRecord) {
	raw, err := json.Marshal(record)
	if err != nil {
		p.log.Error().Err(err).Msg("Marshal retry record failed")
		return
	}
	if err := p.rdb.RPush(ctx, p.retryQueue, raw).Err(); err != nil {
		p.log.Error().Err(err).Msg("Enqueue retry record failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
