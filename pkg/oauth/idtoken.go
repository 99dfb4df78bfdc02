package oauth

import (
	"context"
	"crypto/subtle"

	"github.com/coreos/go-oidc/v3/oidc"
)

// VerifyIDToken checks the signature, issuer, audience and expiry of rawIDToken
// against the issuer's JWKS and, when expectedNonce is set, that the token
// carries it.
func (c *Client) VerifyIDToken(ctx context.Context, metadata *Metadata, clientID, rawIDToken, expectedNonce string) (*IDTokenClaims, error) {
	if !metadata.CanVerifyIDTokens() {
		return nil, &IDTokenError{Reason: "issuer metadata has no issuer or jwks_uri"}
	}

	ctx = oidc.ClientContext(ctx, c.httpClient)
	keySet := oidc.NewRemoteKeySet(ctx, metadata.JwksURI)
	verifier := oidc.NewVerifier(metadata.Issuer, keySet, &oidc.Config{
		ClientID: clientID,
		Now:      c.now,
	})

	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, &IDTokenError{Reason: "verification failed", Err: err}
	}

	var claims IDTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, &IDTokenError{Reason: "unreadable claims", Err: err}
	}

	if expectedNonce != "" && subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(expectedNonce)) != 1 {
		return nil, &IDTokenError{Reason: "nonce mismatch"}
	}
	return &claims, nil
}
