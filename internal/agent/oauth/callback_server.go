package oauth

import (
	"context"
	"crypto/subtle"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"sync"
	"syscall"
	"time"

	"github.com/giantswarm/authful-mcp-proxy/pkg/logging"
)

// DefaultCallbackTimeout is how long to wait for the OAuth callback.
const DefaultCallbackTimeout = 5 * time.Minute

// DefaultCallbackPath is used when the redirect URL has no path.
const DefaultCallbackPath = "/callback"

//go:embed templates/callback_success.html
var callbackSuccessHTML string

//go:embed templates/callback_error.html
var callbackErrorHTML string

var (
	successTemplate = template.Must(template.New("success").Parse(callbackSuccessHTML))
	errorTemplate   = template.Must(template.New("error").Parse(callbackErrorHTML))
)

// CallbackResult represents the result of an OAuth callback.
type CallbackResult struct {
	// Code is the authorization code from the OAuth provider.
	Code string

	// State is the state parameter, already checked against the attempt.
	State string

	// Error is the error code if the authorization failed.
	Error string

	// ErrorDescription is a human-readable error description.
	ErrorDescription string
}

// IsError returns true if the callback result represents an error.
func (r *CallbackResult) IsError() bool {
	return r.Error != ""
}

// CallbackServer is a temporary local HTTP server for receiving one OAuth
// callback. It accepts exactly one callback carrying the expected state;
// callbacks with any other state get an error page and are otherwise
// ignored.
type CallbackServer struct {
	redirectURL   *url.URL
	expectedState string

	addr        string
	redirectURI string
	server      *http.Server
	listener    net.Listener

	resultCh chan *CallbackResult
	errorCh  chan error
	once     sync.Once
	stopOnce sync.Once

	mu         sync.Mutex
	mismatches int
}

// NewCallbackServer creates a callback server for redirectURL that expects
// expectedState. Port 0 in redirectURL binds a random free port.
func NewCallbackServer(redirectURL *url.URL, expectedState string) *CallbackServer {
	return &CallbackServer{
		redirectURL:   redirectURL,
		expectedState: expectedState,
		resultCh:      make(chan *CallbackResult, 1),
		errorCh:       make(chan error, 1),
	}
}

// bindAddress maps the redirect host to the address to listen on.
// "localhost" binds the IPv4 loopback, matching what browsers resolve first.
func bindAddress(u *url.URL) string {
	host := u.Hostname()
	if host == "" || host == "localhost" {
		host = "127.0.0.1"
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}
	return net.JoinHostPort(host, port)
}

// Start binds the callback port and begins serving. It returns the exact
// redirect URI to send in the authorization request.
func (s *CallbackServer) Start() (string, error) {
	s.addr = bindAddress(s.redirectURL)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		kind := CallbackListenFailed
		if errors.Is(err, syscall.EADDRINUSE) {
			kind = CallbackPortInUse
		}
		return "", &CallbackError{Kind: kind, Addr: s.addr, Err: err}
	}
	s.listener = listener

	redirect := *s.redirectURL
	if redirect.Port() == "0" {
		port := listener.Addr().(*net.TCPAddr).Port
		redirect.Host = net.JoinHostPort(redirect.Hostname(), fmt.Sprint(port))
		s.addr = listener.Addr().String()
	}
	if redirect.Path == "" {
		redirect.Path = DefaultCallbackPath
	}
	redirect.RawQuery = ""
	redirect.Fragment = ""
	s.redirectURI = redirect.String()

	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, s.handleCallback)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			select {
			case s.errorCh <- err:
			default:
			}
		}
	}()

	logging.Debug("Callback", "Listening for authorization callback on %s", s.redirectURI)
	return s.redirectURI, nil
}

// WaitForCallback blocks until a matching callback arrives or timeout
// elapses. Either way the server is stopped and the port released before
// it returns.
func (s *CallbackServer) WaitForCallback(timeout time.Duration) (*CallbackResult, error) {
	defer s.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-s.resultCh:
		if result.IsError() {
			return nil, &CallbackError{
				Kind:             CallbackAuthorizationDenied,
				Addr:             s.addr,
				ErrorCode:        result.Error,
				ErrorDescription: result.ErrorDescription,
			}
		}
		return result, nil
	case err := <-s.errorCh:
		return nil, &CallbackError{Kind: CallbackListenFailed, Addr: s.addr, Err: err}
	case <-timer.C:
		mismatches := s.Mismatches()
		kind := CallbackTimeout
		if mismatches > 0 {
			kind = CallbackStateMismatch
		}
		return nil, &CallbackError{Kind: kind, Addr: s.addr, Mismatches: mismatches}
	}
}

// Mismatches returns how many callbacks were rejected for a foreign state.
func (s *CallbackServer) Mismatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mismatches
}

// handleCallback handles the OAuth callback request.
func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	// Set security headers
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	state := query.Get("state")
	if subtle.ConstantTimeCompare([]byte(state), []byte(s.expectedState)) != 1 {
		s.mu.Lock()
		s.mismatches++
		s.mu.Unlock()
		logging.Audit("callback_state_mismatch", "Rejected authorization callback with unexpected state (len=%d, from=%s)", len(state), r.RemoteAddr)
		renderPage(w, http.StatusBadRequest, errorTemplate, map[string]string{
			"Error":       "invalid_state",
			"Description": "This sign-in response does not belong to the pending login. Return to the original sign-in window or start again.",
		})
		return
	}

	result := &CallbackResult{
		Code:             query.Get("code"),
		State:            state,
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}
	if !result.IsError() && result.Code == "" {
		renderPage(w, http.StatusBadRequest, errorTemplate, map[string]string{
			"Error":       "invalid_request",
			"Description": "The sign-in response did not contain an authorization code.",
		})
		return
	}

	// Only handle once - use sync.Once to ensure idempotency
	var handled bool
	s.once.Do(func() {
		handled = true
		if result.IsError() {
			logging.Audit("authorization_denied", "Authorization server returned error %q", result.Error)
			renderPage(w, http.StatusOK, errorTemplate, map[string]string{
				"Error":       result.Error,
				"Description": result.ErrorDescription,
			})
		} else {
			renderPage(w, http.StatusOK, successTemplate, nil)
		}
		s.resultCh <- result
	})

	if !handled {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
	}
}

func renderPage(w http.ResponseWriter, status int, tmpl *template.Template, data map[string]string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = tmpl.Execute(w, data)
}

// Stop gracefully shuts down the callback server. Safe to call repeatedly.
func (s *CallbackServer) Stop() {
	s.stopOnce.Do(func() {
		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.server.Shutdown(ctx)
		}
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
}

// RedirectURI returns the redirect URI bound by Start.
func (s *CallbackServer) RedirectURI() string {
	return s.redirectURI
}

// Addr returns the listen address.
func (s *CallbackServer) Addr() string {
	return s.addr
}
