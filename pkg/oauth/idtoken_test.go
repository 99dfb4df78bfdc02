package oauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/authful-mcp-proxy/pkg/oauth/oauthtest"
)

func exchangeWithNonce(t *testing.T, provider *oauthtest.Provider, c *Client) (*Metadata, *AuthorizationAttempt, *TokenSet) {
	t.Helper()
	md, err := c.DiscoverMetadata(context.Background(), provider.Issuer)
	require.NoError(t, err)
	attempt, err := NewPKCEEngine().NewAttempt("http://127.0.0.1:9999/callback", time.Minute, true)
	require.NoError(t, err)
	code := authorize(t, md, attempt, provider.ClientID)
	ts, err := c.ExchangeCode(context.Background(), md, Credentials{ClientID: provider.ClientID}, attempt, code)
	require.NoError(t, err)
	require.NotEmpty(t, ts.IDToken)
	return md, attempt, ts
}

func TestVerifyIDToken(t *testing.T) {
	provider := oauthtest.NewProvider(t, "my-client")
	provider.IssueIDTokens = true
	c := NewClient()

	md, attempt, ts := exchangeWithNonce(t, provider, c)

	claims, err := c.VerifyIDToken(context.Background(), md, "my-client", ts.IDToken, attempt.Nonce)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "user@example.com", claims.Email)
	assert.Equal(t, attempt.Nonce, claims.Nonce)
}

func TestVerifyIDToken_NonceMismatch(t *testing.T) {
	provider := oauthtest.NewProvider(t, "my-client")
	provider.IssueIDTokens = true
	provider.ForceNonce = "replayed-nonce"
	c := NewClient()

	md, attempt, ts := exchangeWithNonce(t, provider, c)

	_, err := c.VerifyIDToken(context.Background(), md, "my-client", ts.IDToken, attempt.Nonce)
	var idErr *IDTokenError
	require.True(t, errors.As(err, &idErr), "got %v", err)
	assert.Equal(t, "nonce mismatch", idErr.Reason)
}

func TestVerifyIDToken_WrongAudience(t *testing.T) {
	provider := oauthtest.NewProvider(t, "my-client")
	provider.IssueIDTokens = true
	c := NewClient()

	md, attempt, ts := exchangeWithNonce(t, provider, c)

	_, err := c.VerifyIDToken(context.Background(), md, "another-client", ts.IDToken, attempt.Nonce)
	var idErr *IDTokenError
	require.True(t, errors.As(err, &idErr))
	assert.Equal(t, "verification failed", idErr.Reason)
}

func TestVerifyIDToken_NoJWKS(t *testing.T) {
	_, err := NewClient().VerifyIDToken(context.Background(), &Metadata{Issuer: "https://a"}, "c", "x.y.z", "")
	var idErr *IDTokenError
	assert.True(t, errors.As(err, &idErr))
}

func TestVerifyIDToken_NoIssuer(t *testing.T) {
	_, err := NewClient().VerifyIDToken(context.Background(), &Metadata{JwksURI: "https://a/keys"}, "c", "x.y.z", "")
	var idErr *IDTokenError
	assert.True(t, errors.As(err, &idErr))
}
