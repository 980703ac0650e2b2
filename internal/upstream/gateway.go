// Package upstream is the single egress point to the third-party exam
// service. It mints short-lived signed identity assertions, shapes
// requests, and classifies failures so the replay engine can apply the
// correct retry class.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-relay/internal/config"
	"github.com/stemsi/exam-relay/internal/model"
)

// assertionClaims is the signed payload the upstream verifies. The
// lifetime claims are minted fresh on every send; identities stored in
// queue entries never carry exp/iat, so nothing stale can be replayed.
type assertionClaims struct {
	jwt.RegisteredClaims
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	SchoolID string `json:"schoolId,omitempty"`
}

// Result is an upstream response: status plus raw body, JSON-decoded on
// demand. Non-JSON upstream responses (plain text) are kept verbatim.
type Result struct {
	Status int
	Body   []byte
	IsJSON bool
}

// OK reports whether the status is 2xx.
func (r *Result) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Decode unmarshals a JSON body into v.
func (r *Result) Decode(v any) error {
	if !r.IsJSON {
		return fmt.Errorf("upstream response is not JSON (status %d)", r.Status)
	}
	return json.Unmarshal(r.Body, v)
}

// Gateway issues authenticated HTTP calls to the upstream exam service.
// Two identity modes: pass-through (the original caller's identity) and
// service-account (the fixed operator identity), the latter used when
// replaying queued writes on behalf of a student whose session is gone.
type Gateway struct {
	baseURL        string
	secret         []byte
	tokenTTL       time.Duration
	serviceAccount model.Identity
	client         *http.Client
	log            zerolog.Logger
}

// NewGateway creates a Gateway from configuration.
func NewGateway(cfg *config.Config, log zerolog.Logger) *Gateway {
	return &Gateway{
		baseURL:  cfg.UpstreamBaseURL,
		secret:   []byte(cfg.JWTSecret),
		tokenTTL: cfg.UpstreamTokenTTL,
		serviceAccount: model.Identity{
			ID:       cfg.ServiceAccountID,
			Email:    cfg.ServiceAccountEmail,
			SchoolID: cfg.SchoolID,
		},
		client: &http.Client{},
		log:    log.With().Str("component", "upstream_gateway").Logger(),
	}
}

// ServiceAccount returns the fixed operator identity.
func (g *Gateway) ServiceAccount() model.Identity {
	return g.serviceAccount
}

// MintToken signs a short-lived assertion for the given identity.
func (g *Gateway) MintToken(identity model.Identity) (string, error) {
	now := time.Now()
	claims := assertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.tokenTTL)),
		},
		ID:       identity.ID,
		Email:    identity.Email,
		SchoolID: identity.SchoolID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

// Forward issues a pass-through call with the caller's identity and
// returns the upstream response whatever its status. Only transport
// failures error (as *ConnectivityError); handlers surface 4xx bodies
// to the client directly.
func (g *Gateway) Forward(ctx context.Context, method, path string, body any, identity model.Identity) (*Result, error) {
	return g.do(ctx, method, path, body, identity, nil)
}

// Send replays a queued entry. In acting-as-service-account mode the
// assertion is minted fresh by the relay itself — from the student
// identity embedded in the entry when present, else from the fixed
// operator identity — because the original caller's session no longer
// exists at replay time. A non-2xx response is returned as a
// *StatusError so the engine counts it against the retry budget.
func (g *Gateway) Send(ctx context.Context, entry *model.QueueEntry) error {
	identity := entry.Identity
	if entry.ActingAsServiceAccount && identity.IsZero() {
		identity = entry.ServiceAccountIdentity
		if identity.IsZero() {
			identity = g.serviceAccount
		}
	}

	res, err := g.do(ctx, entry.Method, entry.TargetURI, entry.Body, identity, entry.Headers)
	if err != nil {
		return err
	}
	if !res.OK() {
		return &StatusError{Status: res.Status, Body: string(res.Body)}
	}

	g.log.Debug().
		Str("uri", entry.TargetURI).
		Int("status", res.Status).
		Msg("Replayed entry confirmed")
	return nil
}

func (g *Gateway) do(ctx context.Context, method, path string, body any, identity model.Identity, headers map[string]string) (*Result, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	token, err := g.MintToken(identity)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &ConnectivityError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectivityError{Err: err}
	}

	return &Result{
		Status: resp.StatusCode,
		Body:   raw,
		IsJSON: strings.Contains(resp.Header.Get("Content-Type"), "application/json"),
	}, nil
}
