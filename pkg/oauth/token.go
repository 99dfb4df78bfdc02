package oauth

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

// Credentials identify the proxy to the token endpoint. ClientSecret is empty
// for public clients.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// oauth2Config builds an oauth2.Config for metadata. Client authentication
// goes in the form body (client_secret_post), and client_secret is omitted
// entirely when empty.
func (c *Client) oauth2Config(metadata *Metadata, creds Credentials, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   metadata.AuthorizationEndpoint,
			TokenURL:  metadata.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// ExchangeCode redeems an authorization code received for attempt. The
// request carries the attempt's redirect_uri and code_verifier.
func (c *Client) ExchangeCode(ctx context.Context, metadata *Metadata, creds Credentials, attempt *AuthorizationAttempt, code string) (*TokenSet, error) {
	if code == "" {
		return nil, &TokenExchangeError{Grant: GrantAuthorizationCode, Err: errors.New("empty authorization code")}
	}
	cfg := c.oauth2Config(metadata, creds, attempt.RedirectURI)

	issuedAt := c.now()
	tok, err := cfg.Exchange(c.withHTTPClient(ctx), code, oauth2.VerifierOption(attempt.CodeVerifier))
	if err != nil {
		return nil, newTokenExchangeError(GrantAuthorizationCode, err)
	}
	return NewTokenSet(tok, issuedAt), nil
}

// RefreshToken runs the refresh_token grant. When the issuer does not rotate
// the refresh token, the previous one is kept in the returned set. The ID
// token is carried over too if the response does not include a new one.
func (c *Client) RefreshToken(ctx context.Context, metadata *Metadata, creds Credentials, previous *TokenSet) (*TokenSet, error) {
	if !previous.CanRefresh() {
		return nil, &TokenExchangeError{Grant: GrantRefreshToken, Err: errors.New("no refresh token available")}
	}
	cfg := c.oauth2Config(metadata, creds, "")

	issuedAt := c.now()
	// An empty access token makes the source refresh immediately.
	src := cfg.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: previous.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, newTokenExchangeError(GrantRefreshToken, err)
	}

	ts := NewTokenSet(tok, issuedAt)
	if ts.RefreshToken == "" {
		ts.RefreshToken = previous.RefreshToken
	}
	if ts.IDToken == "" {
		ts.IDToken = previous.IDToken
	}
	if ts.Scope == "" {
		ts.Scope = previous.Scope
	}
	return ts, nil
}
