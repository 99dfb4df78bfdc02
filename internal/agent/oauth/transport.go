package oauth

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/giantswarm/authful-mcp-proxy/pkg/logging"
	pkgoauth "github.com/giantswarm/authful-mcp-proxy/pkg/oauth"
)

// TokenSource supplies bearer tokens to the Transport. *Manager implements it.
type TokenSource interface {
	// Token returns a token valid for the next request.
	Token(ctx context.Context) (string, error)
	// Renew returns a replacement for a token the backend rejected.
	Renew(ctx context.Context, rejected string) (string, error)
}

// Transport is an http.RoundTripper that authenticates every request with a
// bearer token. When the backend answers 401 it renews the token once and
// resends the request; a second 401 is returned as an *AuthorizationError.
type Transport struct {
	// Base performs the actual requests. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	// Source provides the tokens.
	Source TokenSource
}

// NewHTTPClient returns an HTTP client whose requests carry a bearer token
// from source. No client-wide timeout is set so long-lived event streams
// survive; callers bound individual requests with their context.
func NewHTTPClient(source TokenSource, base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &Transport{Base: base, Source: source}}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	ctx := req.Context()
	token, err := t.Source.Token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := t.base().RoundTrip(withBearer(req, token, body))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if challenge := pkgoauth.ParseWWWAuthenticateFromResponse(resp); challenge != nil {
		logging.Debug("Transport", "Backend challenge: %s", challenge)
	}
	discard(resp)

	logging.Info("Transport", "Backend rejected token %s, renewing", logging.Fingerprint(token))
	renewed, err := t.Source.Renew(ctx, token)
	if err != nil {
		return nil, err
	}

	resp, err = t.base().RoundTrip(withBearer(req, renewed, body))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		challenge := pkgoauth.ParseWWWAuthenticateFromResponse(resp)
		discard(resp)
		return nil, &AuthorizationError{
			StatusCode: resp.StatusCode,
			URL:        req.URL.Redacted(),
			Challenge:  challenge,
		}
	}
	return resp, nil
}

// bufferBody reads and closes the request body so it can be sent twice.
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

// withBearer clones req with body and the Authorization header set.
func withBearer(req *http.Request, token string, body []byte) *http.Request {
	out := req.Clone(req.Context())
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		out.ContentLength = int64(len(body))
	}
	out.Header.Set("Authorization", "Bearer "+token)
	return out
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
