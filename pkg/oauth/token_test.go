package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/authful-mcp-proxy/pkg/oauth/oauthtest"
)

func TestExchangeCode(t *testing.T) {
	provider := oauthtest.NewProvider(t, "my-client")
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewClient(WithClock(fixedClock(issued)))

	md, err := c.DiscoverMetadata(context.Background(), provider.Issuer)
	require.NoError(t, err)
	attempt, err := NewPKCEEngine().NewAttempt("http://127.0.0.1:9999/callback", time.Minute, false)
	require.NoError(t, err)
	code := authorize(t, md, attempt, "my-client")

	ts, err := c.ExchangeCode(context.Background(), md, Credentials{ClientID: "my-client"}, attempt, code)
	require.NoError(t, err)

	assert.NotEmpty(t, ts.AccessToken)
	assert.NotEmpty(t, ts.RefreshToken)
	assert.Equal(t, issued.Add(time.Hour), ts.ExpiresAt)
	assert.Equal(t, "openid", ts.Scope)

	forms := provider.TokenRequests()
	require.Len(t, forms, 1)
	assert.Equal(t, "authorization_code", forms[0].Get("grant_type"))
	assert.Equal(t, code, forms[0].Get("code"))
	assert.Equal(t, attempt.CodeVerifier, forms[0].Get("code_verifier"))
	assert.Equal(t, "http://127.0.0.1:9999/callback", forms[0].Get("redirect_uri"))
	assert.Equal(t, "my-client", forms[0].Get("client_id"))
	_, hasSecret := forms[0]["client_secret"]
	assert.False(t, hasSecret, "public clients must not send client_secret")
}

func TestExchangeCode_FormBody(t *testing.T) {
	var form url.Values
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		_ = r.ParseForm()
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","token_type":"Bearer","expires_in":60}`))
	}))
	defer server.Close()

	md := &Metadata{AuthorizationEndpoint: server.URL + "/authorize", TokenEndpoint: server.URL + "/token"}
	attempt := &AuthorizationAttempt{CodeVerifier: "original-verifier", RedirectURI: "http://localhost:8080/auth/callback"}

	ts, err := NewClient().ExchangeCode(context.Background(), md, Credentials{ClientID: "my-client", ClientSecret: "s3cret"}, attempt, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "at", ts.AccessToken)

	assert.Equal(t, "application/x-www-form-urlencoded", contentType)
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "abc123", form.Get("code"))
	assert.Equal(t, "original-verifier", form.Get("code_verifier"))
	assert.Equal(t, "my-client", form.Get("client_id"))
	assert.Equal(t, "s3cret", form.Get("client_secret"))
}

func TestExchangeCode_Rejected(t *testing.T) {
	provider := oauthtest.NewProvider(t, "my-client")
	c := NewClient()
	md, err := c.DiscoverMetadata(context.Background(), provider.Issuer)
	require.NoError(t, err)

	attempt, err := NewPKCEEngine().NewAttempt("http://127.0.0.1:9999/callback", time.Minute, false)
	require.NoError(t, err)
	code := authorize(t, md, attempt, "my-client")

	// A different verifier breaks the PKCE binding.
	wrong := *attempt
	wrong.CodeVerifier = "not-the-verifier-that-was-used-for-the-challenge"
	_, err = c.ExchangeCode(context.Background(), md, Credentials{ClientID: "my-client"}, &wrong, code)

	var exErr *TokenExchangeError
	require.True(t, errors.As(err, &exErr), "got %v", err)
	assert.Equal(t, GrantAuthorizationCode, exErr.Grant)
	assert.Equal(t, http.StatusBadRequest, exErr.StatusCode)
	assert.Equal(t, "invalid_grant", exErr.ErrorCode)
	assert.True(t, exErr.Rejected())
	assert.Contains(t, exErr.Error(), "invalid_grant")
}

func TestExchangeCode_EmptyCode(t *testing.T) {
	_, err := NewClient().ExchangeCode(context.Background(), &Metadata{}, Credentials{}, &AuthorizationAttempt{}, "")
	var exErr *TokenExchangeError
	require.True(t, errors.As(err, &exErr))
	assert.False(t, exErr.Rejected())
}

func TestRefreshToken(t *testing.T) {
	provider := oauthtest.NewProvider(t, "my-client")
	provider.IssueRefreshToken("seeded-refresh")
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewClient(WithClock(fixedClock(issued)))
	md, err := c.DiscoverMetadata(context.Background(), provider.Issuer)
	require.NoError(t, err)

	previous := &TokenSet{AccessToken: "old", RefreshToken: "seeded-refresh", IDToken: "old-id", Scope: "openid email"}
	ts, err := c.RefreshToken(context.Background(), md, Credentials{ClientID: "my-client"}, previous)
	require.NoError(t, err)

	assert.NotEqual(t, "old", ts.AccessToken)
	assert.NotEqual(t, "seeded-refresh", ts.RefreshToken, "provider rotates refresh tokens")
	assert.Equal(t, "old-id", ts.IDToken)
	assert.Equal(t, "openid email", ts.Scope)
	assert.Equal(t, issued.Add(time.Hour), ts.ExpiresAt)

	forms := provider.TokenRequests()
	require.Len(t, forms, 1)
	assert.Equal(t, "refresh_token", forms[0].Get("grant_type"))
	assert.Equal(t, "seeded-refresh", forms[0].Get("refresh_token"))
	assert.Equal(t, "my-client", forms[0].Get("client_id"))
}

func TestRefreshToken_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	provider := oauthtest.NewProvider(t, "my-client")
	provider.IssueRefreshTokens = false
	provider.IssueRefreshToken("long-lived")
	c := NewClient()
	md, err := c.DiscoverMetadata(context.Background(), provider.Issuer)
	require.NoError(t, err)

	ts, err := c.RefreshToken(context.Background(), md, Credentials{ClientID: "my-client"}, &TokenSet{RefreshToken: "long-lived"})
	require.NoError(t, err)
	assert.Equal(t, "long-lived", ts.RefreshToken)
}

func TestRefreshToken_Rejected(t *testing.T) {
	provider := oauthtest.NewProvider(t, "my-client")
	provider.RejectRefresh = true
	provider.IssueRefreshToken("revoked")
	c := NewClient()
	md, err := c.DiscoverMetadata(context.Background(), provider.Issuer)
	require.NoError(t, err)

	_, err = c.RefreshToken(context.Background(), md, Credentials{ClientID: "my-client"}, &TokenSet{RefreshToken: "revoked"})
	var exErr *TokenExchangeError
	require.True(t, errors.As(err, &exErr), "got %v", err)
	assert.Equal(t, GrantRefreshToken, exErr.Grant)
	assert.Equal(t, "invalid_grant", exErr.ErrorCode)
}

func TestRefreshToken_NoRefreshToken(t *testing.T) {
	_, err := NewClient().RefreshToken(context.Background(), &Metadata{}, Credentials{}, &TokenSet{AccessToken: "a"})
	var exErr *TokenExchangeError
	require.True(t, errors.As(err, &exErr))
	assert.Equal(t, GrantRefreshToken, exErr.Grant)
}

func TestRefreshToken_NetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	tokenURL := server.URL + "/token"
	server.Close()

	_, err := NewClient().RefreshToken(context.Background(), &Metadata{TokenEndpoint: tokenURL}, Credentials{ClientID: "c"}, &TokenSet{RefreshToken: "r"})
	var exErr *TokenExchangeError
	require.True(t, errors.As(err, &exErr))
	assert.Zero(t, exErr.StatusCode)
	assert.False(t, exErr.Rejected())
}
