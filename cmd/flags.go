package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/authful-mcp-proxy/internal/agent/oauth"
	"github.com/giantswarm/authful-mcp-proxy/internal/config"
	"github.com/giantswarm/authful-mcp-proxy/pkg/logging"
	pkgoauth "github.com/giantswarm/authful-mcp-proxy/pkg/oauth"
)

// Flags shared by the proxy and the auth commands. They only override the
// configuration when set on the command line.
var (
	flagConfigFile    string
	flagIssuerURL     string
	flagClientID      string
	flagClientSecret  string
	flagScopes        string
	flagRedirectURL   string
	flagLoginTimeout  time.Duration
	flagRefreshMargin time.Duration
	flagNoNonce       bool
	flagTokenDir      string
	flagNoBrowser     bool
	flagSilent        bool
	flagDebug         bool
	flagNoBanner      bool
	flagLogFile       string

	// Proxy only.
	flagDumpMessages string
	flagHTTPTimeout  time.Duration
)

func registerFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&flagConfigFile, "config", "", "Config file (default ~/.mcp/authful_mcp_proxy/config.yaml)")
	f.StringVar(&flagIssuerURL, "oidc-issuer-url", "", "OIDC issuer URL (env OIDC_ISSUER_URL)")
	f.StringVar(&flagClientID, "oidc-client-id", "", "OAuth client ID (env OIDC_CLIENT_ID)")
	f.StringVar(&flagClientSecret, "oidc-client-secret", "", "OAuth client secret, omit for public clients (env OIDC_CLIENT_SECRET)")
	f.StringVar(&flagScopes, "oidc-scopes", "", `Space- or comma-separated scopes (default "openid profile email")`)
	f.StringVar(&flagRedirectURL, "oidc-redirect-url", "", "Loopback redirect URL (default "+config.DefaultRedirectURL+")")
	f.DurationVar(&flagLoginTimeout, "login-timeout", 0, "Maximum time to complete the browser login (default 5m)")
	f.DurationVar(&flagRefreshMargin, "refresh-margin", 0, "Refresh tokens this long before they expire (default 60s)")
	f.BoolVar(&flagNoNonce, "no-nonce", false, "Do not send or check an OIDC nonce")
	f.StringVar(&flagTokenDir, "token-dir", "", "Token cache directory (default ~/.mcp/authful_mcp_proxy/tokens)")
	f.BoolVar(&flagNoBrowser, "no-browser", false, "Print the login URL instead of opening a browser")
	f.BoolVar(&flagSilent, "silent", false, "Only log errors and omit the banner")
	f.BoolVar(&flagDebug, "debug", false, "Enable debug logging (env MCP_PROXY_DEBUG)")
	f.BoolVar(&flagNoBanner, "no-banner", false, "Do not print the startup banner")
	f.StringVar(&flagLogFile, "log-file", "", "Write logs to this file instead of stderr")
}

// loadConfig layers the command-line flags over the loaded configuration.
// A positional argument is the backend URL.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: flagConfigFile})
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, cfg)
	if len(args) > 0 {
		cfg.BackendURL = args[0]
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed

	if changed("oidc-issuer-url") {
		cfg.OIDC.IssuerURL = flagIssuerURL
	}
	if changed("oidc-client-id") {
		cfg.OIDC.ClientID = flagClientID
	}
	if changed("oidc-client-secret") {
		cfg.OIDC.ClientSecret = flagClientSecret
	}
	if changed("oidc-scopes") {
		cfg.OIDC.Scopes = config.ParseScopes(flagScopes)
	}
	if changed("oidc-redirect-url") {
		cfg.OIDC.RedirectURL = flagRedirectURL
	}
	if changed("login-timeout") {
		cfg.OIDC.LoginTimeout = flagLoginTimeout
	}
	if changed("refresh-margin") {
		cfg.OIDC.RefreshMargin = flagRefreshMargin
	}
	if changed("no-nonce") {
		cfg.OIDC.UseNonce = !flagNoNonce
	}
	if changed("token-dir") {
		cfg.Proxy.TokenDir = flagTokenDir
	}
	if changed("no-browser") {
		cfg.Proxy.NoBrowser = flagNoBrowser
	}
	if changed("silent") {
		cfg.Proxy.Silent = flagSilent
	}
	if changed("debug") {
		cfg.Proxy.Debug = flagDebug
	}
	if changed("no-banner") {
		cfg.Proxy.NoBanner = flagNoBanner
	}
	if changed("log-file") {
		cfg.Proxy.LogFile = flagLogFile
	}
	if changed("dump-messages") {
		cfg.Proxy.DumpMessages = flagDumpMessages
	}
	if changed("http-timeout") {
		cfg.Proxy.HTTPTimeout = flagHTTPTimeout
	}
}

// setupLogging sends logs to stderr or the configured log file. Nothing may
// be logged to stdout while proxying.
func setupLogging(cfg *config.Config) (func(), error) {
	if cfg.Proxy.LogFile == "" {
		logging.InitForCLI(cfg.LogLevel(), os.Stderr)
		return func() {}, nil
	}

	f, err := os.OpenFile(cfg.Proxy.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logging.InitForCLI(cfg.LogLevel(), f)
	return func() { _ = f.Close() }, nil
}

// newSessionManager wires the token store, the OAuth client and the session
// manager for cfg. A nil prompt prints the login URL to stderr.
func newSessionManager(cfg *config.Config, prompt io.Writer) (*oauth.Manager, *oauth.TokenStore, error) {
	store, err := oauth.NewTokenStore(cfg.Proxy.TokenDir)
	if err != nil {
		return nil, nil, err
	}
	redirect, err := cfg.Redirect()
	if err != nil {
		return nil, nil, err
	}

	client := pkgoauth.NewClient(
		pkgoauth.WithHTTPClient(&http.Client{Timeout: cfg.Proxy.HTTPTimeout}),
	)

	sessionCfg := oauth.SessionConfig{
		IssuerURL: cfg.OIDC.IssuerURL,
		Credentials: pkgoauth.Credentials{
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: cfg.OIDC.ClientSecret,
		},
		Scopes:        cfg.Scopes(),
		RedirectURL:   redirect,
		LoginTimeout:  cfg.OIDC.LoginTimeout,
		RefreshMargin: cfg.OIDC.RefreshMargin,
		UseNonce:      cfg.OIDC.UseNonce,
		Prompt:        prompt,
	}
	if !cfg.Proxy.NoBrowser {
		sessionCfg.OpenBrowser = oauth.OpenBrowser
	}

	manager, err := oauth.NewManager(sessionCfg, client, store)
	if err != nil {
		return nil, nil, err
	}
	return manager, store, nil
}
