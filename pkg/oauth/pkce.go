package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// pkceVerifierBytes is the number of random bytes for the PKCE code verifier.
	// 32 bytes encodes to 43 base64url characters, the RFC 7636 minimum.
	pkceVerifierBytes = 32

	// stateBytes is the number of random bytes for the state and nonce
	// parameters (256 bits).
	stateBytes = 32

	// CodeChallengeMethodS256 is the only challenge method the proxy uses.
	CodeChallengeMethodS256 = "S256"
)

// AuthorizationAttempt holds the per-login secrets of one authorization
// code cycle. It is never persisted.
type AuthorizationAttempt struct {
	// ID correlates log lines of one cycle.
	ID string

	CodeVerifier        string
	CodeChallenge       string
	CodeChallengeMethod string

	// State correlates the callback with this attempt.
	State string

	// Nonce is bound into the ID token when set.
	Nonce string

	// RedirectURI is the exact redirect_uri sent to the authorization server.
	RedirectURI string

	CreatedAt time.Time
	Deadline  time.Time
}

// Discard clears the secrets held by the attempt.
func (a *AuthorizationAttempt) Discard() {
	if a == nil {
		return
	}
	a.CodeVerifier = ""
	a.CodeChallenge = ""
	a.State = ""
	a.Nonce = ""
}

// PKCEEngine creates authorization attempts. It performs no network I/O and
// is deterministic for a given random source and clock.
type PKCEEngine struct {
	random io.Reader
	now    func() time.Time
}

// PKCEOption configures a PKCEEngine.
type PKCEOption func(*PKCEEngine)

// WithRandom sets the source of randomness. Tests pass a fixed reader.
func WithRandom(r io.Reader) PKCEOption {
	return func(e *PKCEEngine) {
		e.random = r
	}
}

// WithPKCEClock sets the clock used for CreatedAt and Deadline.
func WithPKCEClock(now func() time.Time) PKCEOption {
	return func(e *PKCEEngine) {
		e.now = now
	}
}

// NewPKCEEngine creates an engine backed by crypto/rand.
func NewPKCEEngine(opts ...PKCEOption) *PKCEEngine {
	e := &PKCEEngine{
		random: rand.Reader,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewAttempt generates a fresh verifier, challenge, state and (optionally)
// nonce for redirectURI. The attempt expires after ttl.
func (e *PKCEEngine) NewAttempt(redirectURI string, ttl time.Duration, withNonce bool) (*AuthorizationAttempt, error) {
	verifier, err := e.randomString(pkceVerifierBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate random bytes for PKCE: %w", err)
	}
	state, err := e.randomString(stateBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}
	var nonce string
	if withNonce {
		nonce, err = e.randomString(stateBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}
	}

	now := e.now()
	return &AuthorizationAttempt{
		ID:                  uuid.NewString(),
		CodeVerifier:        verifier,
		CodeChallenge:       S256Challenge(verifier),
		CodeChallengeMethod: CodeChallengeMethodS256,
		State:               state,
		Nonce:               nonce,
		RedirectURI:         redirectURI,
		CreatedAt:           now,
		Deadline:            now.Add(ttl),
	}, nil
}

func (e *PKCEEngine) randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(e.random, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// S256Challenge returns base64url(SHA-256(verifier)) without padding.
func S256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// BuildAuthorizationURL constructs the authorization request URL for attempt.
// Existing query parameters on the authorization endpoint are preserved.
func BuildAuthorizationURL(metadata *Metadata, attempt *AuthorizationAttempt, clientID string, scopes []string) (string, error) {
	if metadata == nil || metadata.AuthorizationEndpoint == "" {
		return "", fmt.Errorf("issuer metadata has no authorization endpoint")
	}
	authURL, err := url.Parse(metadata.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	query := authURL.Query()
	query.Set("response_type", "code")
	query.Set("client_id", clientID)
	query.Set("redirect_uri", attempt.RedirectURI)
	query.Set("state", attempt.State)
	query.Set("code_challenge", attempt.CodeChallenge)
	query.Set("code_challenge_method", attempt.CodeChallengeMethod)

	if len(scopes) > 0 {
		query.Set("scope", strings.Join(scopes, " "))
	}
	if attempt.Nonce != "" {
		query.Set("nonce", attempt.Nonce)
	}

	authURL.RawQuery = query.Encode()
	return authURL.String(), nil
}
