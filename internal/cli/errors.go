package cli

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/giantswarm/authful-mcp-proxy/internal/agent/oauth"
	"github.com/giantswarm/authful-mcp-proxy/internal/config"
	pkgoauth "github.com/giantswarm/authful-mcp-proxy/pkg/oauth"
)

// Category groups errors by what the operator has to do about them.
type Category int

const (
	// CategoryUnknown is anything not recognized below.
	CategoryUnknown Category = iota
	// CategoryConfiguration means a setting is wrong: issuer, client ID,
	// redirect URI, token directory or backend URL.
	CategoryConfiguration
	// CategoryNetwork means the issuer or backend could not be reached.
	CategoryNetwork
	// CategoryDenied means the user or the issuer declined the login.
	CategoryDenied
	// CategoryTimeout means the login was not completed in time.
	CategoryTimeout
	// CategoryPortInUse means the callback port is taken.
	CategoryPortInUse
	// CategoryBackendRejected means the backend refused a freshly issued token.
	CategoryBackendRejected
)

// String returns a short label for the category.
func (c Category) String() string {
	switch c {
	case CategoryConfiguration:
		return "configuration"
	case CategoryNetwork:
		return "network"
	case CategoryDenied:
		return "denied"
	case CategoryTimeout:
		return "timeout"
	case CategoryPortInUse:
		return "port-in-use"
	case CategoryBackendRejected:
		return "backend-rejected"
	default:
		return "unknown"
	}
}

// Classification is the result of Classify.
type Classification struct {
	Category Category
	// Hint is a one-line suggestion for the operator. It may be empty.
	Hint string
}

// backendStatusError is implemented by errors carrying a backend HTTP status.
type backendStatusError interface {
	error
	BackendStatus() int
}

// Classify assigns err to a category. The most specific error in the chain
// wins; plain transport errors are recognized last.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	var validation config.ValidationErrors
	if errors.As(err, &validation) {
		return Classification{CategoryConfiguration, "fix the listed settings (flags, environment or config file)"}
	}

	var cbErr *oauth.CallbackError
	if errors.As(err, &cbErr) {
		switch cbErr.Kind {
		case oauth.CallbackPortInUse:
			return Classification{CategoryPortInUse, "stop the other process using the callback port or change --oidc-redirect-url"}
		case oauth.CallbackAuthorizationDenied:
			return Classification{CategoryDenied, "the login was declined; run the request again to retry"}
		case oauth.CallbackStateMismatch:
			return Classification{CategoryTimeout, "callbacks arrived for a different login attempt; complete the login in the most recently opened browser tab"}
		case oauth.CallbackTimeout:
			return Classification{CategoryTimeout, "complete the login in the browser before the timeout or raise --login-timeout"}
		default:
			return Classification{CategoryConfiguration, "check that --oidc-redirect-url names a local address the proxy can listen on"}
		}
	}

	var authErr *oauth.AuthorizationError
	if errors.As(err, &authErr) {
		return Classification{CategoryBackendRejected, "the backend does not accept tokens from this issuer or client; check the scopes and audience it expects"}
	}

	var idErr *pkgoauth.IDTokenError
	if errors.As(err, &idErr) {
		return Classification{CategoryConfiguration, "check that the issuer URL and client ID match the provider"}
	}

	var tokenErr *pkgoauth.TokenExchangeError
	if errors.As(err, &tokenErr) {
		return classifyTokenError(tokenErr)
	}

	var discoveryErr *pkgoauth.DiscoveryError
	if errors.As(err, &discoveryErr) {
		if discoveryErr.StatusCode == 0 && isTransportError(discoveryErr.Err) {
			return Classification{CategoryNetwork, "check network access to the issuer"}
		}
		if discoveryErr.StatusCode >= http.StatusInternalServerError {
			return Classification{CategoryNetwork, "the issuer is failing; try again later"}
		}
		return Classification{CategoryConfiguration, "check --oidc-issuer-url; it must serve /.well-known/openid-configuration"}
	}

	var storeErr *oauth.StoreError
	if errors.As(err, &storeErr) {
		return Classification{CategoryConfiguration, "check the permissions of the token directory or set --token-dir"}
	}

	var backendErr backendStatusError
	if errors.As(err, &backendErr) {
		switch status := backendErr.BackendStatus(); {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return Classification{CategoryBackendRejected, "the backend refused the token"}
		case status >= http.StatusInternalServerError:
			return Classification{CategoryNetwork, "the backend is failing; try again later"}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{CategoryTimeout, ""}
	}

	if isTLSError(err) {
		return Classification{CategoryNetwork, "TLS certificate verification failed"}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Classification{CategoryNetwork, "the host name could not be resolved"}
	}
	if isTransportError(err) {
		return Classification{CategoryNetwork, "check network access"}
	}

	return Classification{}
}

func classifyTokenError(err *pkgoauth.TokenExchangeError) Classification {
	switch err.ErrorCode {
	case "invalid_client", "unauthorized_client":
		return Classification{CategoryConfiguration, "check --oidc-client-id and --oidc-client-secret"}
	case "invalid_grant":
		if err.Grant == pkgoauth.GrantRefreshToken {
			return Classification{CategoryDenied, "the session was revoked; log in again"}
		}
		return Classification{CategoryConfiguration, "the code was rejected; check that --oidc-redirect-url is registered for the client"}
	case "access_denied":
		return Classification{CategoryDenied, ""}
	}
	if err.StatusCode == 0 && isTransportError(err.Err) {
		return Classification{CategoryNetwork, "check network access to the token endpoint"}
	}
	if err.StatusCode >= http.StatusInternalServerError {
		return Classification{CategoryNetwork, "the token endpoint is failing; try again later"}
	}
	if err.Rejected() {
		return Classification{CategoryConfiguration, "the token endpoint rejected the request; check the client settings"}
	}
	return Classification{}
}

// Describe formats err with its hint on one line.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	c := Classify(err)
	if c.Hint == "" {
		return err.Error()
	}
	return fmt.Sprintf("%v (hint: %s)", err, c.Hint)
}

// isTLSError checks if the error is related to TLS/certificate issues.
func isTLSError(err error) bool {
	if err == nil {
		return false
	}

	var certErr x509.CertificateInvalidError
	var hostErr x509.HostnameError
	var unknownAuthErr x509.UnknownAuthorityError
	var systemRootsErr x509.SystemRootsError

	if errors.As(err, &certErr) || errors.As(err, &hostErr) ||
		errors.As(err, &unknownAuthErr) || errors.As(err, &systemRootsErr) {
		return true
	}

	errStr := err.Error()
	for _, keyword := range []string{"x509:", "tls:", "TLS handshake"} {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}
	return false
}

// isTransportError reports whether err is a failure to reach the remote
// side at all.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}

	errStr := err.Error()
	for _, keyword := range []string{
		"connection refused",
		"connection reset",
		"network is unreachable",
		"no route to host",
		"dial tcp",
		"i/o timeout",
	} {
		if strings.Contains(errStr, keyword) {
			return true
		}
	}
	return false
}
