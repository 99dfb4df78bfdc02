package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// DiscoveryError is returned when the issuer's OpenID configuration cannot be
// fetched or does not describe a usable provider.
type DiscoveryError struct {
	// Issuer is the normalized issuer URL.
	Issuer string
	// URL is the discovery document URL that was requested.
	URL string
	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int
	// Reason is a short human-readable cause.
	Reason string
	// Err is the underlying error, if any.
	Err error
}

func (e *DiscoveryError) Error() string {
	msg := fmt.Sprintf("OIDC discovery failed for %s: %s", e.Issuer, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Grant names used in TokenExchangeError.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// TokenExchangeError is returned when the token endpoint rejects a request,
// cannot be reached, or answers with something that is not a token response.
type TokenExchangeError struct {
	// Grant is GrantAuthorizationCode or GrantRefreshToken.
	Grant string
	// StatusCode is the HTTP status of the token endpoint response, 0 if none.
	StatusCode int
	// ErrorCode is the OAuth error code, e.g. "invalid_grant".
	ErrorCode string
	// ErrorDescription is the OAuth error_description, if any.
	ErrorDescription string
	// Err is the underlying error.
	Err error
}

func (e *TokenExchangeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "token request (%s) failed", e.Grant)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " with status %d", e.StatusCode)
	}
	if e.ErrorCode != "" {
		fmt.Fprintf(&b, ": %s", e.ErrorCode)
		if e.ErrorDescription != "" {
			fmt.Fprintf(&b, " (%s)", e.ErrorDescription)
		}
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TokenExchangeError) Unwrap() error {
	return e.Err
}

// Rejected reports whether the token endpoint answered and refused the
// request, as opposed to a transport failure.
func (e *TokenExchangeError) Rejected() bool {
	return e.StatusCode >= http.StatusBadRequest && e.StatusCode < http.StatusInternalServerError
}

// newTokenExchangeError wraps an error from the oauth2 package, lifting the
// protocol fields of *oauth2.RetrieveError.
func newTokenExchangeError(grant string, err error) *TokenExchangeError {
	te := &TokenExchangeError{Grant: grant, Err: err}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil {
			te.StatusCode = re.Response.StatusCode
		}
		te.ErrorCode = re.ErrorCode
		te.ErrorDescription = re.ErrorDescription
	}
	return te
}

// IDTokenError is returned when an ID token fails verification or does not
// carry the nonce of the attempt.
type IDTokenError struct {
	Reason string
	Err    error
}

func (e *IDTokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ID token rejected: %s: %v", e.Reason, e.Err)
	}
	return "ID token rejected: " + e.Reason
}

func (e *IDTokenError) Unwrap() error {
	return e.Err
}
