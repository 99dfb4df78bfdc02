package oauth

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultRefreshMargin is how long before expiry a cached access token stops
// being used and a refresh is attempted instead.
const DefaultRefreshMargin = 60 * time.Second

// DefaultTokenStorageDir is the default directory for storing OAuth tokens,
// relative to the user's home directory.
const DefaultTokenStorageDir = ".mcp/authful_mcp_proxy/tokens"

// DefaultScopes are requested when no scopes are configured.
var DefaultScopes = []string{"openid", "profile", "email"}

// NormalizeIssuerURL trims surrounding whitespace and trailing slashes so an
// issuer configured as "https://idp/" and "https://idp" resolves to the same
// discovery document and the same token cache file.
func NormalizeIssuerURL(issuer string) string {
	return strings.TrimRight(strings.TrimSpace(issuer), "/")
}

// NormalizeScopes splits, de-duplicates and orders scopes so that "openid"
// always comes first.
func NormalizeScopes(scopes []string) []string {
	seen := map[string]bool{"openid": true}
	out := []string{"openid"}
	for _, s := range scopes {
		for _, f := range strings.Fields(s) {
			if seen[f] {
				continue
			}
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// IDTokenClaims holds the identity claims extracted from ID tokens.
type IDTokenClaims struct {
	// Subject is the unique user identifier (sub claim).
	Subject string `json:"sub"`
	// Email is the user's email address (email claim).
	Email string `json:"email"`
	// Name is the display name (name claim).
	Name string `json:"name"`
	// Nonce echoes the nonce sent in the authorization request.
	Nonce string `json:"nonce"`
}

// Freshness classifies a cached token set at a given instant.
type Freshness int

const (
	// FreshnessMissing means there is no usable access token.
	FreshnessMissing Freshness = iota
	// FreshnessValid means the access token can be used without a network call.
	FreshnessValid
	// FreshnessExpiring means the access token is expired or within the
	// refresh margin of expiring.
	FreshnessExpiring
)

// String implements fmt.Stringer.
func (f Freshness) String() string {
	switch f {
	case FreshnessValid:
		return "valid"
	case FreshnessExpiring:
		return "expiring"
	default:
		return "missing"
	}
}

// TokenSet is the set of tokens issued by one authorization or refresh.
type TokenSet struct {
	// AccessToken is the bearer token attached to backend requests.
	AccessToken string `json:"access_token"`

	// RefreshToken is used to obtain new access tokens (optional).
	RefreshToken string `json:"refresh_token,omitempty"`

	// IDToken is the OIDC ID token (optional).
	IDToken string `json:"id_token,omitempty"`

	// TokenType is typically "Bearer".
	TokenType string `json:"token_type,omitempty"`

	// Scope is the granted scope(s), space-separated.
	Scope string `json:"scope,omitempty"`

	// IssuedAt is the local clock reading taken when the token request was sent.
	IssuedAt time.Time `json:"issued_at"`

	// ExpiresAt is IssuedAt plus expires_in. Zero means the issuer did not
	// report a lifetime.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// NewTokenSet converts a token endpoint response into a TokenSet. The expiry
// is computed from issuedAt and expires_in, never from a timestamp supplied
// by someone else.
func NewTokenSet(tok *oauth2.Token, issuedAt time.Time) *TokenSet {
	issuedAt = issuedAt.Round(0).UTC()
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		IssuedAt:     issuedAt,
	}
	if ts.TokenType == "" {
		ts.TokenType = "Bearer"
	}
	if secs := expiresInSeconds(tok); secs > 0 {
		ts.ExpiresAt = issuedAt.Add(time.Duration(secs) * time.Second)
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = idToken
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		ts.Scope = scope
	}
	return ts
}

// expiresInSeconds reads expires_in from the token response. Older oauth2
// code paths leave ExpiresIn unset, so the raw response is checked as well.
func expiresInSeconds(tok *oauth2.Token) int64 {
	if tok.ExpiresIn > 0 {
		return tok.ExpiresIn
	}
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return n
		}
	}
	return 0
}

// FreshnessAt reports whether the token set can be used at now. A token is
// valid only if it will still be valid margin after now. This is the only
// place expiry is evaluated.
func (t *TokenSet) FreshnessAt(now time.Time, margin time.Duration) Freshness {
	if t == nil || t.AccessToken == "" {
		return FreshnessMissing
	}
	if t.ExpiresAt.IsZero() {
		return FreshnessValid
	}
	if now.Add(margin).Before(t.ExpiresAt) {
		return FreshnessValid
	}
	return FreshnessExpiring
}

// ValidAt is shorthand for FreshnessAt(now, margin) == FreshnessValid.
func (t *TokenSet) ValidAt(now time.Time, margin time.Duration) bool {
	return t.FreshnessAt(now, margin) == FreshnessValid
}

// CanRefresh reports whether a refresh token grant can be attempted.
func (t *TokenSet) CanRefresh() bool {
	return t != nil && t.RefreshToken != ""
}

// IsUsable reports whether the token set is structurally worth keeping:
// it must carry an access token or a refresh token.
func (t *TokenSet) IsUsable() bool {
	return t != nil && (t.AccessToken != "" || t.RefreshToken != "")
}

// Scopes returns the scope as a slice of individual scopes.
func (t *TokenSet) Scopes() []string {
	if t == nil || t.Scope == "" {
		return nil
	}
	return strings.Fields(t.Scope)
}

// Metadata is the subset of the OpenID Provider configuration document that
// the proxy uses.
type Metadata struct {
	// Issuer is the authorization server's issuer identifier.
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint.
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint.
	TokenEndpoint string `json:"token_endpoint"`

	// EndSessionEndpoint is the RP-initiated logout endpoint (optional).
	EndSessionEndpoint string `json:"end_session_endpoint,omitempty"`

	// UserinfoEndpoint is the URL of the userinfo endpoint.
	UserinfoEndpoint string `json:"userinfo_endpoint,omitempty"`

	// JwksURI is the URL of the JSON Web Key Set.
	JwksURI string `json:"jwks_uri,omitempty"`

	// ScopesSupported lists the OAuth 2.0 scope values supported.
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the response_type values supported.
	ResponseTypesSupported []string `json:"response_types_supported,omitempty"`

	// GrantTypesSupported lists the grant types supported.
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods.
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods.
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// CanVerifyIDTokens reports whether the metadata carries what ID token
// verification needs: the issuer identifier and its JWKS location.
func (m *Metadata) CanVerifyIDTokens() bool {
	return m != nil && m.Issuer != "" && m.JwksURI != ""
}

// SupportsPKCE returns true if the server supports S256 PKCE.
func (m *Metadata) SupportsPKCE() bool {
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == "S256" {
			return true
		}
	}
	// If not specified, assume S256 is supported (OAuth 2.1 requirement)
	return len(m.CodeChallengeMethodsSupported) == 0
}

// AuthChallenge represents parsed information from a WWW-Authenticate header.
type AuthChallenge struct {
	// Scheme is the authentication scheme (typically "Bearer").
	Scheme string

	// Realm is the protection realm.
	Realm string

	// ResourceMetadataURL is the RFC 9728 protected resource metadata URL.
	ResourceMetadataURL string

	// Scope is the space-separated list of required OAuth scopes.
	Scope string

	// Error is the error code, e.g. "invalid_token" or "insufficient_scope".
	Error string

	// ErrorDescription is a human-readable error description (if any).
	ErrorDescription string
}

// String renders the challenge for error messages.
func (c *AuthChallenge) String() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(c.Scheme)
	if c.Error != "" {
		b.WriteString(" error=" + c.Error)
	}
	if c.ErrorDescription != "" {
		b.WriteString(" (" + c.ErrorDescription + ")")
	}
	if c.Scope != "" {
		b.WriteString(" scope=" + c.Scope)
	}
	return b.String()
}
