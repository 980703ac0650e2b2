package service

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-relay/internal/apperror"
	"github.com/stemsi/exam-relay/internal/config"
	"github.com/stemsi/exam-relay/internal/model"
	"github.com/stemsi/exam-relay/internal/store"
	"github.com/stemsi/exam-relay/internal/upstream"
	"golang.org/x/crypto/bcrypt"
)

// SessionClaims is the local session token payload. Its identity fields
// mirror the upstream assertion payload so a session maps directly onto
// an Identity for enqueued writes.
type SessionClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"id"`
	Email    string `json:"email,omitempty"`
	SchoolID string `json:"schoolId,omitempty"`
}

// Identity converts the claims into an upstream identity.
func (c *SessionClaims) Identity() model.Identity {
	return model.Identity{ID: c.UserID, Email: c.Email, SchoolID: c.SchoolID}
}

// LoginResult is what a successful login returns to the client: the
// upstream's user object (or the cached record during an outage) plus a
// locally minted session token.
type LoginResult struct {
	User        json.RawMessage `json:"user"`
	AccessToken string          `json:"accessToken"`
}

// AuthService handles login and local session tokens. The normal path is
// a pass-through to the upstream login endpoint; when the upstream is
// unreachable it falls back to the credential records the preloader
// cached, so students can still sign in mid-outage.
type AuthService struct {
	cfg     *config.Config
	gateway *upstream.Gateway
	store   *store.AttemptStore
	log     zerolog.Logger
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config, gateway *upstream.Gateway, attemptStore *store.AttemptStore, log zerolog.Logger) *AuthService {
	return &AuthService{
		cfg:     cfg,
		gateway: gateway,
		store:   attemptStore,
		log:     log.With().Str("component", "auth_service").Logger(),
	}
}

// Login authenticates a student. Upstream validation errors (wrong
// password and the like) surface immediately; only connectivity-class
// failures trigger the cached fallback.
func (s *AuthService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	res, err := s.gateway.Forward(ctx, http.MethodPost, "api/v1/users/login", map[string]string{
		"email":    username,
		"password": password,
	}, model.Identity{})

	if err != nil {
		if !upstream.IsConnectivity(err) {
			return nil, apperror.Wrap(apperror.KindInternal, "upstream login failed", err)
		}
		s.log.Warn().Err(err).Str("username", username).Msg("Upstream login unreachable, trying cached credentials")
		return s.loginFromCache(ctx, username, password)
	}

	if !res.OK() {
		return nil, apperror.Auth("invalid username or password")
	}

	var body struct {
		User json.RawMessage `json:"user"`
	}
	if err := res.Decode(&body); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "decode upstream login response", err)
	}

	var user struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body.User, &user); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "decode upstream user", err)
	}

	token, err := s.MintSessionToken(user.ID, user.Email)
	if err != nil {
		return nil, err
	}

	return &LoginResult{User: body.User, AccessToken: token}, nil
}

// loginFromCache validates credentials against the preloaded login
// records. This path only exists for outages; a user the preloader has
// never seen cannot log in offline.
func (s *AuthService) loginFromCache(ctx context.Context, username, password string) (*LoginResult, error) {
	record, err := s.store.GetLogin(ctx, username)
	if err != nil {
		if apperror.IsNotFound(err) {
			return nil, apperror.Auth("invalid username")
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(record.PasswordHash), []byte(password)); err != nil {
		return nil, apperror.Auth("invalid username or password")
	}

	token, err := s.MintSessionToken(record.ID, record.Email)
	if err != nil {
		return nil, err
	}

	user, err := json.Marshal(record)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "marshal cached user", err)
	}

	s.log.Info().Str("username", username).Msg("Offline login from cached credentials")
	return &LoginResult{User: user, AccessToken: token}, nil
}

// MintSessionToken signs a local session token for a student identity.
func (s *AuthService) MintSessionToken(userID, email string) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.SessionTokenTTL)),
		},
		UserID:   userID,
		Email:    email,
		SchoolID: s.cfg.SchoolID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", apperror.Wrap(apperror.KindInternal, "sign session token", err)
	}
	return signed, nil
}

// ValidateSessionToken parses and validates a session token.
func (s *AuthService) ValidateSessionToken(tokenStr string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperror.Auth("unexpected signing method")
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, apperror.Wrap(apperror.KindAuth, "token expired or invalid", err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, apperror.Auth("invalid token claims")
	}
	return claims, nil
}
