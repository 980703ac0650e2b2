package store

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stemsi/exam-relay/internal/apperror"
	"github.com/stemsi/exam-relay/internal/config"
	"github.com/stemsi/exam-relay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewAttemptStore(newTestRedis(t), zerolog.Nop())

	attempt := &model.ExamAttempt{
		StudentID:       "s1",
		ExamID:          "e1",
		DurationSeconds: 600,
		Questions: []model.Question{
			{ID: "q1", Position: 1, Type: model.QuestionSingleAnswer},
		},
	}
	require.NoError(t, s.PutAttempt(ctx, attempt))

	got, err := s.GetAttempt(ctx, "s1", "e1")
	require.NoError(t, err)
	assert.Equal(t, model.AttemptSchemaVersion, got.SchemaVersion)
	assert.Equal(t, 600, got.DurationSeconds)
	require.Len(t, got.Questions, 1)

	exists, err := s.HasAttempt(ctx, "s1", "e1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.HasAttempt(ctx, "s1", "other")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestGetAttemptNotFound(t *testing.T) {
	s := NewAttemptStore(newTestRedis(t), zerolog.Nop())

	_, err := s.GetAttempt(context.Background(), "nobody", "nothing")
	require.Error(t, err)
	assert.True(t, apperror.IsNotFound(err))
}

func TestGetAttemptAcceptsLegacyPayload(t *testing.T) {
	// Pre-versioning entries carry neither schema_version nor the
	// identity fields; the store backfills from the key.
	ctx := context.Background()
	rdb := newTestRedis(t)
	s := NewAttemptStore(rdb, zerolog.Nop())

	legacy := `{"questions":[{"id":"q1","position":2},{"id":"q2","position":1}],"isStarted":false,"durationSeconds":300}`
	field := config.CacheKey.AttemptField("s1", "e1")
	require.NoError(t, rdb.HSet(ctx, config.CacheKey.AttemptsHash(), field, legacy).Err())

	got, err := s.GetAttempt(ctx, "s1", "e1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.StudentID)
	assert.Equal(t, "e1", got.ExamID)
	assert.Equal(t, 0, got.SchemaVersion)
	assert.Len(t, got.Questions, 2)
}

func TestGetAttemptRejectsNewerSchema(t *testing.T) {
	ctx := context.Background()
	rdb := newTestRedis(t)
	s := NewAttemptStore(rdb, zerolog.Nop())

	future := `{"schema_version":99,"studentId":"s1","examId":"e1","questions":[]}`
	field := config.CacheKey.AttemptField("s1", "e1")
	require.NoError(t, rdb.HSet(ctx, config.CacheKey.AttemptsHash(), field, future).Err())

	_, err := s.GetAttempt(ctx, "s1", "e1")
	assert.Error(t, err)
}

func TestStudentAndLoginRecords(t *testing.T) {
	ctx := context.Background()
	s := NewAttemptStore(newTestRedis(t), zerolog.Nop())

	require.NoError(t, s.PutStudent(ctx, &model.StudentRecord{
		ID:    "s1",
		Email: "s1@school.test",
		Exams: []model.ExamSummary{{ExamID: "e1", Title: "Biology"}},
	}))
	require.NoError(t, s.PutLogin(ctx, &model.StudentLoginRecord{
		ID:       "s1",
		Username: "MAT001",
		Email:    "s1@school.test",
	}))

	student, err := s.GetStudent(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, student.Exams, 1)
	assert.Equal(t, "Biology", student.Exams[0].Title)

	login, err := s.GetLogin(ctx, "MAT001")
	require.NoError(t, err)
	assert.Equal(t, "s1", login.ID)

	_, err = s.GetLogin(ctx, "UNKNOWN")
	assert.True(t, apperror.IsNotFound(err))
}
