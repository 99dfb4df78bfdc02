package oauth

import (
	"errors"
	"fmt"

	pkgoauth "github.com/giantswarm/authful-mcp-proxy/pkg/oauth"
)

// CallbackErrorKind distinguishes the ways waiting for the authorization
// redirect can fail.
type CallbackErrorKind int

const (
	// CallbackTimeout means no matching callback arrived before the deadline.
	CallbackTimeout CallbackErrorKind = iota
	// CallbackPortInUse means the callback port could not be bound.
	CallbackPortInUse
	// CallbackAuthorizationDenied means the authorization server redirected
	// back with an error parameter.
	CallbackAuthorizationDenied
	// CallbackStateMismatch means the deadline passed and only callbacks with
	// a foreign state were received.
	CallbackStateMismatch
	// CallbackListenFailed covers any other failure to start the listener.
	CallbackListenFailed
)

// String returns the string representation of the kind.
func (k CallbackErrorKind) String() string {
	switch k {
	case CallbackTimeout:
		return "timeout"
	case CallbackPortInUse:
		return "port_in_use"
	case CallbackAuthorizationDenied:
		return "authorization_denied"
	case CallbackStateMismatch:
		return "state_mismatch"
	case CallbackListenFailed:
		return "listen_failed"
	default:
		return "unknown"
	}
}

// Sentinel errors matched by CallbackError.Is.
var (
	ErrCallbackTimeout     = errors.New("timed out waiting for authorization callback")
	ErrPortInUse           = errors.New("callback port already in use")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrStateMismatch       = errors.New("authorization callback state mismatch")
)

// CallbackError is returned by CallbackServer.
type CallbackError struct {
	Kind CallbackErrorKind
	// Addr is the listen address involved.
	Addr string
	// ErrorCode and ErrorDescription are copied from a denied callback.
	ErrorCode        string
	ErrorDescription string
	// Mismatches counts callbacks rejected for a foreign state.
	Mismatches int
	Err        error
}

func (e *CallbackError) Error() string {
	switch e.Kind {
	case CallbackTimeout:
		return fmt.Sprintf("%s on %s", ErrCallbackTimeout, e.Addr)
	case CallbackStateMismatch:
		return fmt.Sprintf("%s: %d callback(s) with unexpected state on %s before timeout", ErrStateMismatch, e.Mismatches, e.Addr)
	case CallbackPortInUse:
		return fmt.Sprintf("%s: %s (is another proxy instance running?)", ErrPortInUse, e.Addr)
	case CallbackAuthorizationDenied:
		if e.ErrorDescription != "" {
			return fmt.Sprintf("%s: %s: %s", ErrAuthorizationDenied, e.ErrorCode, e.ErrorDescription)
		}
		return fmt.Sprintf("%s: %s", ErrAuthorizationDenied, e.ErrorCode)
	default:
		return fmt.Sprintf("failed to start callback server on %s: %v", e.Addr, e.Err)
	}
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind. A state mismatch that ended
// in a timeout also matches ErrCallbackTimeout.
func (e *CallbackError) Is(target error) bool {
	switch target {
	case ErrCallbackTimeout:
		return e.Kind == CallbackTimeout || e.Kind == CallbackStateMismatch
	case ErrPortInUse:
		return e.Kind == CallbackPortInUse
	case ErrAuthorizationDenied:
		return e.Kind == CallbackAuthorizationDenied
	case ErrStateMismatch:
		return e.Kind == CallbackStateMismatch
	}
	return false
}

// StoreError is returned when the token cache cannot be written or removed.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("token store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// SessionError is returned by the session manager once an authorization
// cycle has failed. State is where the cycle was when it failed.
type SessionError struct {
	Issuer string
	State  SessionState
	Err    error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("authentication with %s failed while %s: %v", e.Issuer, e.State, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// AuthorizationError is returned by the auth transport when the backend
// rejects the request again after the token was renewed.
type AuthorizationError struct {
	StatusCode int
	URL        string
	// Challenge is the parsed WWW-Authenticate header, if any.
	Challenge *pkgoauth.AuthChallenge
}

func (e *AuthorizationError) Error() string {
	msg := fmt.Sprintf("backend %s rejected the renewed token with status %d", e.URL, e.StatusCode)
	if s := e.Challenge.String(); s != "" {
		msg += ": " + s
	}
	return msg
}
