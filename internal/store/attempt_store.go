package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-relay/internal/apperror"
	"github.com/stemsi/exam-relay/internal/config"
	"github.com/stemsi/exam-relay/internal/model"
)

// AttemptStore is the keyed cache of exam-attempt snapshots and of
// student/login lookup records. Once an attempt has been loaded it is
// the source of truth for all reads; upstream confirmation happens
// asynchronously through the write queue.
//
// A read-modify-write on one attempt is not atomic against a concurrent
// write to the same attempt (no WATCH/transaction). Concurrent answers
// to different questions of one attempt can lose an update — known
// limitation, carried from the original design.
type AttemptStore struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewAttemptStore creates an AttemptStore on the shared Redis handle.
func NewAttemptStore(rdb *redis.Client, log zerolog.Logger) *AttemptStore {
	return &AttemptStore{
		rdb: rdb,
		log: log.With().Str("component", "attempt_store").Logger(),
	}
}

// GetAttempt loads the cached attempt for (studentID, examID). Returns
// apperror.NotFound when the attempt has never been seeded.
func (s *AttemptStore) GetAttempt(ctx context.Context, studentID, examID string) (*model.ExamAttempt, error) {
	field := config.CacheKey.AttemptField(studentID, examID)
	raw, err := s.rdb.HGet(ctx, config.CacheKey.AttemptsHash(), field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperror.NotFound(fmt.Sprintf("attempt %s not cached", field))
		}
		return nil, fmt.Errorf("get attempt %s: %w", field, err)
	}

	var attempt model.ExamAttempt
	if err := json.Unmarshal([]byte(raw), &attempt); err != nil {
		return nil, fmt.Errorf("unmarshal attempt %s: %w", field, err)
	}

	// Legacy (version 0) payloads predate the identity fields; backfill
	// from the key so validation and later writes carry them.
	if attempt.StudentID == "" {
		attempt.StudentID = studentID
	}
	if attempt.ExamID == "" {
		attempt.ExamID = examID
	}

	if err := attempt.Validate(); err != nil {
		return nil, fmt.Errorf("validate attempt %s: %w", field, err)
	}
	return &attempt, nil
}

// PutAttempt persists an attempt snapshot, stamping the current schema
// version. Legacy payloads are upgraded in place on their next write.
func (s *AttemptStore) PutAttempt(ctx context.Context, attempt *model.ExamAttempt) error {
	attempt.SchemaVersion = model.AttemptSchemaVersion

	raw, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}

	field := config.CacheKey.AttemptField(attempt.StudentID, attempt.ExamID)
	if err := s.rdb.HSet(ctx, config.CacheKey.AttemptsHash(), field, raw).Err(); err != nil {
		return fmt.Errorf("put attempt %s: %w", field, err)
	}

	s.log.Debug().Str("attempt", field).Msg("Attempt stored")
	return nil
}

// HasAttempt reports whether an attempt is already cached, without
// deserializing it. The preloader uses this to avoid overwriting live
// attempt state on its periodic passes.
func (s *AttemptStore) HasAttempt(ctx context.Context, studentID, examID string) (bool, error) {
	field := config.CacheKey.AttemptField(studentID, examID)
	ok, err := s.rdb.HExists(ctx, config.CacheKey.AttemptsHash(), field).Result()
	if err != nil {
		return false, fmt.Errorf("exists attempt %s: %w", field, err)
	}
	return ok, nil
}

// GetStudent loads the cached student profile + exam summaries.
func (s *AttemptStore) GetStudent(ctx context.Context, studentID string) (*model.StudentRecord, error) {
	raw, err := s.rdb.HGet(ctx, config.CacheKey.StudentsHash(), studentID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperror.NotFound(fmt.Sprintf("student %s not cached", studentID))
		}
		return nil, fmt.Errorf("get student %s: %w", studentID, err)
	}

	var record model.StudentRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("unmarshal student %s: %w", studentID, err)
	}
	return &record, nil
}

// PutStudent caches a student profile + exam summaries.
func (s *AttemptStore) PutStudent(ctx context.Context, record *model.StudentRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal student: %w", err)
	}
	if err := s.rdb.HSet(ctx, config.CacheKey.StudentsHash(), record.ID, raw).Err(); err != nil {
		return fmt.Errorf("put student %s: %w", record.ID, err)
	}
	return nil
}

// GetLogin loads the cached credential record for a username.
func (s *AttemptStore) GetLogin(ctx context.Context, username string) (*model.StudentLoginRecord, error) {
	raw, err := s.rdb.HGet(ctx, config.CacheKey.LoginsHash(), username).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperror.NotFound(fmt.Sprintf("login %s not cached", username))
		}
		return nil, fmt.Errorf("get login %s: %w", username, err)
	}

	var record model.StudentLoginRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("unmarshal login %s: %w", username, err)
	}
	return &record, nil
}

// PutLogin caches a credential record keyed by username.
func (s *AttemptStore) PutLogin(ctx context.Context, record *model.StudentLoginRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal login: %w", err)
	}
	if err := s.rdb.HSet(ctx, config.CacheKey.LoginsHash(), record.Username, raw).Err(); err != nil {
		return fmt.Errorf("put login %s: %w", record.Username, err)
	}
	return nil
}
