package cmd

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/authful-mcp-proxy/internal/agent"
	"github.com/giantswarm/authful-mcp-proxy/internal/agent/oauth"
	"github.com/giantswarm/authful-mcp-proxy/internal/config"
)

// isolateConfig keeps the user's config file and OIDC environment out of
// the test.
func isolateConfig(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, key := range []string{
		"MCP_BACKEND_URL", "OIDC_ISSUER_URL", "OIDC_CLIENT_ID", "OIDC_CLIENT_SECRET",
		"OIDC_SCOPES", "OIDC_REDIRECT_URL", "OIDC_LOGIN_TIMEOUT", "OIDC_USE_NONCE",
		"MCP_PROXY_DEBUG", "MCP_PROXY_SILENT", "MCP_PROXY_TOKEN_DIR",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func newFlagCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "test"}
	registerFlags(c)
	c.Flags().StringVar(&flagDumpMessages, "dump-messages", "", "")
	c.Flags().DurationVar(&flagHTTPTimeout, "http-timeout", 0, "")
	require.NoError(t, c.ParseFlags(args))
	return c
}

func TestSetVersion(t *testing.T) {
	originalVersion := rootCmd.Version
	defer func() { rootCmd.Version = originalVersion }()

	SetVersion("1.2.3-test")
	assert.Equal(t, "1.2.3-test", GetVersion())
}

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "authful-mcp-proxy", rootCmd.Name())
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	assert.True(t, rootCmd.SilenceUsage)
	assert.True(t, rootCmd.SilenceErrors)

	for _, name := range []string{
		"oidc-issuer-url", "oidc-client-id", "oidc-client-secret", "oidc-scopes",
		"oidc-redirect-url", "login-timeout", "refresh-margin", "no-nonce",
		"token-dir", "no-browser", "config", "silent", "debug", "no-banner", "log-file",
	} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "flag %s", name)
	}
	assert.NotNil(t, rootCmd.Flags().Lookup("dump-messages"))
	assert.NotNil(t, rootCmd.Flags().Lookup("http-timeout"))
}

func TestSubcommands(t *testing.T) {
	found := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		found[c.Name()] = true
	}
	assert.True(t, found["version"])
	assert.True(t, found["auth"])
}

func TestApplyFlagsOnlyWhenChanged(t *testing.T) {
	cfg := config.Default()
	cfg.OIDC.IssuerURL = "https://from-env.example.com"
	cfg.OIDC.ClientID = "env-client"

	c := newFlagCommand(t,
		"--oidc-client-id", "flag-client",
		"--oidc-scopes", "groups,offline_access",
		"--login-timeout", "90s",
		"--no-nonce",
		"--debug",
		"--http-timeout", "5s",
	)
	applyFlags(c, cfg)

	assert.Equal(t, "https://from-env.example.com", cfg.OIDC.IssuerURL)
	assert.Equal(t, "flag-client", cfg.OIDC.ClientID)
	assert.Equal(t, config.ScopeList{"groups", "offline_access"}, cfg.OIDC.Scopes)
	assert.Equal(t, 90*time.Second, cfg.OIDC.LoginTimeout)
	assert.False(t, cfg.OIDC.UseNonce)
	assert.True(t, cfg.Proxy.Debug)
	assert.Equal(t, 5*time.Second, cfg.Proxy.HTTPTimeout)
	assert.Equal(t, config.DefaultRedirectURL, cfg.OIDC.RedirectURL)
}

func TestLoadConfigPrecedence(t *testing.T) {
	isolateConfig(t)
	t.Setenv("MCP_BACKEND_URL", "https://env.example.com/mcp")
	t.Setenv("OIDC_ISSUER_URL", "https://auth.example.com")
	t.Setenv("OIDC_CLIENT_ID", "env-client")

	c := newFlagCommand(t, "--oidc-client-id", "flag-client")
	cfg, err := loadConfig(c, []string{"https://arg.example.com/mcp"})
	require.NoError(t, err)

	assert.Equal(t, "https://arg.example.com/mcp", cfg.BackendURL)
	assert.Equal(t, "https://auth.example.com", cfg.OIDC.IssuerURL)
	assert.Equal(t, "flag-client", cfg.OIDC.ClientID)
	require.NoError(t, cfg.Validate())
}

func TestGetExitCode(t *testing.T) {
	var validation config.ValidationErrors
	validation.Add("backend_url", "is required")

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitCodeSuccess},
		{"generic", errors.New("boom"), ExitCodeError},
		{"config", validation, ExitCodeConfig},
		{"timeout", &oauth.CallbackError{Kind: oauth.CallbackTimeout}, ExitCodeAuthFailed},
		{"port", &oauth.CallbackError{Kind: oauth.CallbackPortInUse}, ExitCodeAuthFailed},
		{"denied", &oauth.CallbackError{Kind: oauth.CallbackAuthorizationDenied}, ExitCodeAuthFailed},
		{"backend", &oauth.AuthorizationError{StatusCode: 401}, ExitCodeBackendRejected},
		{"backend status", &agent.BackendError{StatusCode: 403}, ExitCodeBackendRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, getExitCode(tt.err))
		})
	}
}

func TestRunProxyRejectsInvalidConfig(t *testing.T) {
	isolateConfig(t)

	c := newFlagCommand(t)
	err := runProxy(c, nil)

	var errs config.ValidationErrors
	require.ErrorAs(t, err, &errs)
	assert.Equal(t, ExitCodeConfig, getExitCode(err))
}

func TestRootCommandRunsProxyUntilStdinCloses(t *testing.T) {
	isolateConfig(t)

	originalVersion := rootCmd.Version
	rootCmd.Version = "9.9.9-test"

	var stderr, stdout bytes.Buffer
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	defer func() {
		rootCmd.Version = originalVersion
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	}()

	rootCmd.SetArgs([]string{
		"http://127.0.0.1:1/mcp",
		"--oidc-issuer-url", "https://auth.example.com",
		"--oidc-client-id", "client",
		"--token-dir", t.TempDir(),
		"--silent=false", "--no-banner=false", "--debug=false",
	})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, stderr.String(), "authful-mcp-proxy 9.9.9-test")
	assert.Contains(t, stderr.String(), "backend: http://127.0.0.1:1/mcp")
	assert.Empty(t, stdout.String())
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	printBanner(&buf, "1.2.3-test", "https://mcp.example.com/mcp", "https://auth.example.com", "client")

	out := buf.String()
	assert.Contains(t, out, "authful-mcp-proxy 1.2.3-test")
	assert.Contains(t, out, "backend: https://mcp.example.com/mcp")
	assert.Contains(t, out, "issuer:  https://auth.example.com")
	assert.Contains(t, out, "client:  client")
}
