package oauth

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	pkgoauth "github.com/giantswarm/authful-mcp-proxy/pkg/oauth"
)

func TestCallbackError_Is(t *testing.T) {
	tests := []struct {
		kind    CallbackErrorKind
		matches []error
		misses  []error
	}{
		{CallbackTimeout, []error{ErrCallbackTimeout}, []error{ErrStateMismatch, ErrPortInUse}},
		{CallbackStateMismatch, []error{ErrStateMismatch, ErrCallbackTimeout}, []error{ErrAuthorizationDenied}},
		{CallbackPortInUse, []error{ErrPortInUse}, []error{ErrCallbackTimeout}},
		{CallbackAuthorizationDenied, []error{ErrAuthorizationDenied}, []error{ErrCallbackTimeout}},
		{CallbackListenFailed, nil, []error{ErrPortInUse, ErrCallbackTimeout}},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", &CallbackError{Kind: tt.kind, Addr: "127.0.0.1:8080"})
			for _, target := range tt.matches {
				assert.True(t, errors.Is(err, target), "should match %v", target)
			}
			for _, target := range tt.misses {
				assert.False(t, errors.Is(err, target), "should not match %v", target)
			}
		})
	}
}

func TestCallbackError_UnwrapsCause(t *testing.T) {
	err := &CallbackError{Kind: CallbackPortInUse, Addr: "127.0.0.1:8080", Err: syscall.EADDRINUSE}
	assert.True(t, errors.Is(err, syscall.EADDRINUSE))
	assert.Contains(t, err.Error(), "127.0.0.1:8080")
}

func TestCallbackError_DeniedMessage(t *testing.T) {
	err := &CallbackError{Kind: CallbackAuthorizationDenied, ErrorCode: "access_denied", ErrorDescription: "nope"}
	assert.Equal(t, "authorization denied: access_denied: nope", err.Error())
}

func TestSessionError(t *testing.T) {
	cause := &CallbackError{Kind: CallbackTimeout, Addr: "127.0.0.1:8080"}
	err := &SessionError{Issuer: "https://idp", State: StateAuthorizing, Err: cause}

	assert.True(t, errors.Is(err, ErrCallbackTimeout))
	assert.True(t, strings.HasPrefix(err.Error(), "authentication with https://idp failed while authorizing"))
}

func TestAuthorizationError(t *testing.T) {
	err := &AuthorizationError{StatusCode: 401, URL: "https://mcp.example.com/mcp"}
	assert.Equal(t, "backend https://mcp.example.com/mcp rejected the renewed token with status 401", err.Error())

	err.Challenge = &pkgoauth.AuthChallenge{Scheme: "Bearer", Error: "invalid_token"}
	assert.Contains(t, err.Error(), "invalid_token")
}

func TestStoreError(t *testing.T) {
	err := &StoreError{Op: "write", Path: "/tmp/x", Err: syscall.EACCES}
	assert.True(t, errors.Is(err, syscall.EACCES))
	assert.Equal(t, "token store write /tmp/x: permission denied", err.Error())
}
