// Package oauth implements the OpenID Connect client side used by
// authful-mcp-proxy.
//
// # Core Components
//
//   - Client: discovery of <issuer>/.well-known/openid-configuration with a
//     per-instance cache, authorization code exchange, refresh and ID token
//     verification
//   - PKCEEngine: verifier, S256 challenge, state and nonce generation with
//     injectable randomness, and BuildAuthorizationURL
//   - TokenSet: the tokens of one issuance, with FreshnessAt as the single
//     expiry decision taking an explicit current time
//   - AuthChallenge: parsed WWW-Authenticate header of a backend rejection
//
// Token endpoint calls go through golang.org/x/oauth2 with client
// authentication in the form body. ID tokens are verified with
// github.com/coreos/go-oidc/v3.
//
// Errors are typed: *DiscoveryError, *TokenExchangeError and *IDTokenError.
package oauth
