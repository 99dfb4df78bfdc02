// Package oauthtest provides an in-process OpenID Provider for tests. It
// implements discovery, an authorization endpoint that redirects straight
// back to the client, a PKCE-checking token endpoint and a JWKS endpoint.
package oauthtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
)

const keyID = "oauthtest-key"

type pendingCode struct {
	clientID      string
	redirectURI   string
	codeChallenge string
	nonce         string
	scope         string
}

// Provider is a fake OpenID Provider. Exported fields may be changed between
// requests; they are read under the provider's lock.
type Provider struct {
	Server *httptest.Server
	Issuer string

	// ClientID is the only client the provider accepts.
	ClientID string
	// ClientSecret, when set, must be sent in the form body.
	ClientSecret string
	// ExpiresIn is the lifetime reported for access tokens, in seconds.
	ExpiresIn int
	// IssueRefreshTokens controls whether token responses carry a refresh token.
	IssueRefreshTokens bool
	// IssueIDTokens controls whether signed ID tokens are returned.
	IssueIDTokens bool
	// RejectRefresh makes every refresh_token grant fail with invalid_grant.
	RejectRefresh bool
	// DenyAuthorization makes the authorization endpoint redirect back with
	// error=access_denied.
	DenyAuthorization bool
	// OmitTokenEndpoint removes token_endpoint from the discovery document.
	OmitTokenEndpoint bool
	// ForceNonce overrides the nonce placed in ID tokens when non-empty.
	ForceNonce string
	// Now is the clock used for ID token iat/exp.
	Now func() time.Time

	mu             sync.Mutex
	key            *rsa.PrivateKey
	codes          map[string]pendingCode
	refreshTokens  map[string]bool
	counter        int
	discoveryCount int
	authorizeCount int
	tokenRequests  []url.Values
}

// NewProvider starts a provider for clientID. It is closed on test cleanup.
func NewProvider(t testing.TB, clientID string) *Provider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}

	p := &Provider{
		ClientID:           clientID,
		ExpiresIn:          3600,
		IssueRefreshTokens: true,
		Now:                time.Now,
		key:                key,
		codes:              make(map[string]pendingCode),
		refreshTokens:      make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("/authorize", p.handleAuthorize)
	mux.HandleFunc("/token", p.handleToken)
	mux.HandleFunc("/jwks", p.handleJWKS)

	p.Server = httptest.NewServer(mux)
	p.Issuer = p.Server.URL
	t.Cleanup(p.Server.Close)
	return p
}

// DiscoveryCount returns how many discovery documents were served.
func (p *Provider) DiscoveryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discoveryCount
}

// AuthorizeCount returns how many authorization requests were received.
func (p *Provider) AuthorizeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authorizeCount
}

// TokenRequests returns a copy of every token endpoint form received.
func (p *Provider) TokenRequests() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]url.Values, len(p.tokenRequests))
	copy(out, p.tokenRequests)
	return out
}

// GrantCount returns how many token requests used grantType.
func (p *Provider) GrantCount(grantType string) int {
	n := 0
	for _, form := range p.TokenRequests() {
		if form.Get("grant_type") == grantType {
			n++
		}
	}
	return n
}

// IssueRefreshToken registers a refresh token the provider will accept, for
// tests that seed a token cache directly.
func (p *Provider) IssueRefreshToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshTokens[token] = true
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.discoveryCount++
	omitToken := p.OmitTokenEndpoint
	p.mu.Unlock()

	doc := map[string]any{
		"issuer":                           p.Issuer,
		"authorization_endpoint":           p.Issuer + "/authorize",
		"jwks_uri":                         p.Issuer + "/jwks",
		"end_session_endpoint":             p.Issuer + "/logout",
		"response_types_supported":         []string{"code"},
		"code_challenge_methods_supported": []string{"S256"},
		"grant_types_supported":            []string{"authorization_code", "refresh_token"},
	}
	if !omitToken {
		doc["token_endpoint"] = p.Issuer + "/token"
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleAuthorize plays the part of the user approving consent and redirects
// straight back to redirect_uri.
func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || q.Get("redirect_uri") == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.authorizeCount++
	deny := p.DenyAuthorization
	p.counter++
	code := fmt.Sprintf("code-%d", p.counter)
	if !deny {
		p.codes[code] = pendingCode{
			clientID:      q.Get("client_id"),
			redirectURI:   q.Get("redirect_uri"),
			codeChallenge: q.Get("code_challenge"),
			nonce:         q.Get("nonce"),
			scope:         q.Get("scope"),
		}
	}
	p.mu.Unlock()

	back := redirectURI.Query()
	back.Set("state", q.Get("state"))
	if deny {
		back.Set("error", "access_denied")
		back.Set("error_description", "The user denied the request")
	} else {
		back.Set("code", code)
	}
	redirectURI.RawQuery = back.Encode()
	http.Redirect(w, r, redirectURI.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request", err.Error())
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenRequests = append(p.tokenRequests, r.PostForm)

	if r.PostForm.Get("client_id") != p.ClientID {
		tokenError(w, "invalid_client", "unknown client")
		return
	}
	if p.ClientSecret != "" && r.PostForm.Get("client_secret") != p.ClientSecret {
		tokenError(w, "invalid_client", "bad client secret")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		code := r.PostForm.Get("code")
		pending, ok := p.codes[code]
		if !ok {
			tokenError(w, "invalid_grant", "unknown or used code")
			return
		}
		delete(p.codes, code)
		if pending.redirectURI != r.PostForm.Get("redirect_uri") {
			tokenError(w, "invalid_grant", "redirect_uri mismatch")
			return
		}
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != pending.codeChallenge {
			tokenError(w, "invalid_grant", "PKCE verification failed")
			return
		}
		p.issue(w, pending.nonce, pending.scope)
	case "refresh_token":
		rt := r.PostForm.Get("refresh_token")
		if p.RejectRefresh || !p.refreshTokens[rt] {
			tokenError(w, "invalid_grant", "refresh token rejected")
			return
		}
		delete(p.refreshTokens, rt)
		p.issue(w, "", "")
	default:
		tokenError(w, "unsupported_grant_type", r.PostForm.Get("grant_type"))
	}
}

// issue writes a token response. Caller holds p.mu.
func (p *Provider) issue(w http.ResponseWriter, nonce, scope string) {
	p.counter++
	resp := map[string]any{
		"access_token": fmt.Sprintf("access-%d", p.counter),
		"token_type":   "Bearer",
		"expires_in":   p.ExpiresIn,
	}
	if scope != "" {
		resp["scope"] = scope
	}
	if p.IssueRefreshTokens {
		rt := fmt.Sprintf("refresh-%d", p.counter)
		p.refreshTokens[rt] = true
		resp["refresh_token"] = rt
	}
	if p.IssueIDTokens {
		if p.ForceNonce != "" {
			nonce = p.ForceNonce
		}
		idToken, err := p.signIDToken(nonce)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp["id_token"] = idToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) signIDToken(nonce string) (string, error) {
	now := p.Now()
	claims := map[string]any{
		"iss":   p.Issuer,
		"sub":   "user-1",
		"aud":   p.ClientID,
		"email": "user@example.com",
		"name":  "Test User",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	return SignJWT(p.key, claims)
}

// SignJWT signs claims with key using RS256 and the provider key ID.
func SignJWT(key *rsa.PrivateKey, claims map[string]any) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", keyID),
	)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return jws.CompactSerialize()
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.key.PublicKey,
		KeyID:     keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	writeJSON(w, http.StatusOK, set)
}

func tokenError(w http.ResponseWriter, code, description string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
