package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-relay/internal/config"
	"github.com/stemsi/exam-relay/internal/handler"
	"github.com/stemsi/exam-relay/internal/model"
	"github.com/stemsi/exam-relay/internal/preload"
	"github.com/stemsi/exam-relay/internal/service"
	"github.com/stemsi/exam-relay/internal/store"
	"github.com/stemsi/exam-relay/internal/upstream"
	"github.com/stemsi/exam-relay/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	router   *gin.Engine
	auth     *service.AuthService
	attempts *store.AttemptStore
	queue    *store.QueueStore
}

// newAPIFixture wires the full HTTP surface against miniredis with the
// upstream unreachable, which is the mode the relay exists for.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	validator.Setup()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		GinMode:             gin.TestMode,
		UpstreamBaseURL:     "http://127.0.0.1:1/",
		JWTSecret:           "test-secret",
		SessionTokenTTL:     time.Hour,
		UpstreamTokenTTL:    time.Minute,
		ServiceAccountID:    "svc-1",
		ServiceAccountEmail: "operator@school.test",
		SchoolID:            "sch-1",
		WriteQueueName:      "writes",
	}

	gateway := upstream.NewGateway(cfg, zerolog.Nop())
	attempts := store.NewAttemptStore(rdb, zerolog.Nop())
	queue := store.NewQueueStore(rdb, zerolog.Nop())

	authService := service.NewAuthService(cfg, gateway, attempts, zerolog.Nop())
	attemptService := service.NewAttemptService(attempts, queue, cfg.WriteQueueName, gateway, zerolog.Nop())
	preloader := preload.New(gateway, attempts, rdb, "preload-retries", cfg.SchoolID, time.Minute, zerolog.Nop())

	r := SetupRouter(authService, &Handlers{
		Auth:  handler.NewAuthHandler(authService),
		Exam:  handler.NewExamHandler(attemptService),
		Queue: handler.NewQueueHandler(queue, preloader, zerolog.Nop()),
	}, cfg)

	return &apiFixture{router: r, auth: authService, attempts: attempts, queue: queue}
}

func (f *apiFixture) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) sessionToken(t *testing.T) string {
	t.Helper()
	token, err := f.auth.MintSessionToken("s1", "s1@school.test")
	require.NoError(t, err)
	return token
}

func seedAPIAttempt(t *testing.T, f *apiFixture) {
	t.Helper()
	require.NoError(t, f.attempts.PutAttempt(context.Background(), &model.ExamAttempt{
		StudentID:       "s1",
		ExamID:          "e1",
		Title:           "Biology",
		DurationSeconds: 600,
		Questions: []model.Question{
			{ID: "q1", Position: 1, Type: model.QuestionSingleAnswer, Options: []model.Option{
				{ID: "o1", Position: 1},
				{ID: "o2", Position: 2},
			}},
		},
	}))
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	w := f.request(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestExamRoutesRequireSession(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodGet, "/api/v1/exams", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.request(t, http.MethodPost, "/api/v1/exams/e1/start", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStartAndAnswerFlow(t *testing.T) {
	f := newAPIFixture(t)
	seedAPIAttempt(t, f)
	token := f.sessionToken(t)

	w := f.request(t, http.MethodPost, "/api/v1/exams/e1/start", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var started struct {
		Data model.ExamAttempt `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	assert.True(t, started.Data.IsStarted)
	assert.False(t, started.Data.EndDatetime.IsZero())

	w = f.request(t, http.MethodPost, "/api/v1/exams/e1/questions/q1/answer", token,
		map[string]string{"optionId": "o2"})
	require.Equal(t, http.StatusOK, w.Code)

	var answered struct {
		Data model.ExamAttempt `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &answered))
	q := answered.Data.Question("q1")
	require.NotNil(t, q)
	assert.True(t, q.Options[1].Selected)

	// Both writes reached the durable queue despite the dead upstream.
	n, err := f.queue.Length(context.Background(), "writes")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestStartUnknownExamIs404(t *testing.T) {
	f := newAPIFixture(t)
	token := f.sessionToken(t)

	w := f.request(t, http.MethodPost, "/api/v1/exams/ghost/start", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "ATTEMPT_NOT_FOUND")
}

func TestTimeUpMissingAttemptIsOK(t *testing.T) {
	f := newAPIFixture(t)
	token := f.sessionToken(t)

	w := f.request(t, http.MethodPost, "/api/v1/exams/never-cached/time-up", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatePeekNeedsNoSession(t *testing.T) {
	f := newAPIFixture(t)
	seedAPIAttempt(t, f)

	w := f.request(t, http.MethodGet, "/api/v1/exams/state/s1/e1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Biology")
}

func TestQueueInspection(t *testing.T) {
	f := newAPIFixture(t)
	seedAPIAttempt(t, f)
	token := f.sessionToken(t)

	w := f.request(t, http.MethodPost, "/api/v1/exams/e1/finish", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.request(t, http.MethodGet, "/api/v1/queues/writes", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "api/exams/e1/finished")
}

func TestLoginValidation(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "MAT001"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "VALIDATION_ERROR")
}

func TestUnknownRouteIs404(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodGet, "/api/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
