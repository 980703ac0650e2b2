package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-relay/internal/apperror"
	"github.com/stemsi/exam-relay/internal/config"
	"github.com/stemsi/exam-relay/internal/model"
	"github.com/stemsi/exam-relay/internal/store"
	"github.com/stemsi/exam-relay/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newAuthFixture(t *testing.T, upstreamURL string) (*AuthService, *store.AttemptStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		UpstreamBaseURL:  upstreamURL,
		JWTSecret:        "test-secret",
		SessionTokenTTL:  time.Hour,
		UpstreamTokenTTL: time.Minute,
		SchoolID:         "sch-1",
	}
	gateway := upstream.NewGateway(cfg, zerolog.Nop())
	attempts := store.NewAttemptStore(rdb, zerolog.Nop())
	return NewAuthService(cfg, gateway, attempts, zerolog.Nop()), attempts
}

func TestLoginPassThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users/login", r.URL.Path)
		var creds map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		assert.Equal(t, "MAT001", creds["email"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user":{"id":"s1","email":"s1@school.test","name":"Sam"}}`))
	}))
	defer srv.Close()

	svc, _ := newAuthFixture(t, srv.URL+"/")

	result, err := svc.Login(context.Background(), "MAT001", "hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, result.AccessToken)
	assert.Contains(t, string(result.User), `"name":"Sam"`)

	claims, err := svc.ValidateSessionToken(result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "s1", claims.UserID)
	assert.Equal(t, "s1@school.test", claims.Email)
	assert.Equal(t, "sch-1", claims.SchoolID)
}

func TestLoginBadCredentialsSurfaceImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	svc, attempts := newAuthFixture(t, srv.URL+"/")

	// Even with a matching cached record, a reachable upstream that says
	// no must win. The cache is an outage fallback, not a bypass.
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, attempts.PutLogin(context.Background(), &model.StudentLoginRecord{
		ID:           "s1",
		Username:     "MAT001",
		PasswordHash: string(hash),
	}))

	_, err = svc.Login(context.Background(), "MAT001", "hunter2")
	require.Error(t, err)
	assert.Equal(t, apperror.KindAuth, apperror.KindOf(err))
}

func TestLoginOfflineFallback(t *testing.T) {
	svc, attempts := newAuthFixture(t, "http://127.0.0.1:1/")

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, attempts.PutLogin(context.Background(), &model.StudentLoginRecord{
		ID:           "s1",
		Username:     "MAT001",
		Email:        "s1@school.test",
		PasswordHash: string(hash),
	}))

	result, err := svc.Login(context.Background(), "MAT001", "hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, result.AccessToken)

	claims, err := svc.ValidateSessionToken(result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "s1", claims.UserID)

	// Wrong password and unknown user both fail closed.
	_, err = svc.Login(context.Background(), "MAT001", "wrong")
	assert.Equal(t, apperror.KindAuth, apperror.KindOf(err))

	_, err = svc.Login(context.Background(), "NOBODY", "hunter2")
	assert.Equal(t, apperror.KindAuth, apperror.KindOf(err))
}

func TestValidateSessionTokenRejectsGarbage(t *testing.T) {
	svc, _ := newAuthFixture(t, "http://127.0.0.1:1/")

	_, err := svc.ValidateSessionToken("not-a-token")
	require.Error(t, err)
	assert.Equal(t, apperror.KindAuth, apperror.KindOf(err))
}

func TestValidateSessionTokenRejectsExpired(t *testing.T) {
	svc, _ := newAuthFixture(t, "http://127.0.0.1:1/")
	svc.cfg.SessionTokenTTL = -time.Minute

	token, err := svc.MintSessionToken("s1", "s1@school.test")
	require.NoError(t, err)

	_, err = svc.ValidateSessionToken(token)
	require.Error(t, err)
	assert.Equal(t, apperror.KindAuth, apperror.KindOf(err))
}
