package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-relay/internal/config"
	"github.com/stemsi/exam-relay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newTestGateway(baseURL string) *Gateway {
	return NewGateway(&config.Config{
		UpstreamBaseURL:     baseURL,
		JWTSecret:           testSecret,
		UpstreamTokenTTL:    5 * time.Minute,
		ServiceAccountID:    "svc-1",
		ServiceAccountEmail: "operator@school.test",
		SchoolID:            "sch-1",
	}, zerolog.Nop())
}

// decodeAssertion verifies and parses the bearer token the gateway sent.
func decodeAssertion(t *testing.T, r *http.Request) *assertionClaims {
	t.Helper()
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	require.NotEmpty(t, raw)

	claims := &assertionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(testSecret), nil
	})
	require.NoError(t, err)
	require.True(t, token.Valid)
	return claims
}

func TestForwardSendsSignedIdentity(t *testing.T) {
	var got *assertionClaims
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = decodeAssertion(t, r)
		assert.Equal(t, "/api/exams", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"exams":[]}`))
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL + "/")
	res, err := g.Forward(context.Background(), http.MethodGet, "api/exams", nil,
		model.Identity{ID: "s1", Email: "s1@school.test", SchoolID: "sch-1"})
	require.NoError(t, err)

	assert.True(t, res.OK())
	assert.True(t, res.IsJSON)
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, "s1@school.test", got.Email)
	assert.Equal(t, "sch-1", got.SchoolID)
	assert.NotNil(t, got.ExpiresAt)
	assert.NotNil(t, got.IssuedAt)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), got.ExpiresAt.Time, 10*time.Second)
}

func TestForwardReturnsNon2xxWithoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL + "/")
	res, err := g.Forward(context.Background(), http.MethodPost, "api/exams/e1/start", nil, model.Identity{ID: "s1"})
	require.NoError(t, err)

	assert.False(t, res.OK())
	assert.Equal(t, http.StatusForbidden, res.Status)
	assert.Equal(t, "nope", string(res.Body))
	assert.False(t, res.IsJSON)
	assert.Error(t, res.Decode(&struct{}{}))
}

func TestForwardUnreachableIsConnectivity(t *testing.T) {
	// Reserved port with no listener.
	g := newTestGateway("http://127.0.0.1:1/")

	_, err := g.Forward(context.Background(), http.MethodGet, "api/exams", nil, model.Identity{ID: "s1"})
	require.Error(t, err)
	assert.True(t, IsConnectivity(err))
}

func TestSendUsesEntryIdentity(t *testing.T) {
	var got *assertionClaims
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = decodeAssertion(t, r)
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL + "/")
	err := g.Send(context.Background(), &model.QueueEntry{
		TargetURI:              "api/exams/e1/questions/q1/answer",
		Method:                 http.MethodPost,
		Body:                   map[string]any{"optionId": "o2"},
		Identity:               model.Identity{ID: "s1", Email: "s1@school.test"},
		ActingAsServiceAccount: true,
	})
	require.NoError(t, err)

	// The student identity embedded in the entry wins over the
	// service account even in acting-as-service-account mode.
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, "o2", body["optionId"])
}

func TestSendFallsBackToServiceAccount(t *testing.T) {
	var got *assertionClaims
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = decodeAssertion(t, r)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL + "/")
	err := g.Send(context.Background(), &model.QueueEntry{
		TargetURI:              "api/exams/e1/time-up",
		Method:                 http.MethodPost,
		ActingAsServiceAccount: true,
	})
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "svc-1", got.ID)
	assert.Equal(t, "operator@school.test", got.Email)
}

func TestSendNon2xxIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("exam already finished"))
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL + "/")
	err := g.Send(context.Background(), &model.QueueEntry{
		TargetURI: "api/exams/e1/finished",
		Method:    http.MethodPost,
		Identity:  model.Identity{ID: "s1"},
	})
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.Status)
	assert.Contains(t, se.Body, "already finished")
	assert.False(t, IsConnectivity(err))
}

func TestSendPropagatesEntryHeaders(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Forwarded-For")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := newTestGateway(srv.URL + "/")
	err := g.Send(context.Background(), &model.QueueEntry{
		TargetURI: "api/exams/e1/start",
		Method:    http.MethodPost,
		Headers:   map[string]string{"X-Forwarded-For": "10.0.0.7"},
		Identity:  model.Identity{ID: "s1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", gotHeader)
}
