package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/giantswarm/authful-mcp-proxy/internal/agent"
	"github.com/giantswarm/authful-mcp-proxy/internal/agent/oauth"
	"github.com/giantswarm/authful-mcp-proxy/internal/cli"
	"github.com/giantswarm/authful-mcp-proxy/pkg/logging"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error, including network failures.
	ExitCodeError = 1
	// ExitCodeConfig indicates invalid or inconsistent configuration.
	ExitCodeConfig = 2
	// ExitCodeAuthFailed indicates the login was declined, timed out, or
	// could not listen for the callback.
	ExitCodeAuthFailed = 3
	// ExitCodeBackendRejected indicates the backend refused a fresh token.
	ExitCodeBackendRejected = 4
)

// rootCmd runs the proxy when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "authful-mcp-proxy [BACKEND_URL]",
	Short: "Stdio MCP proxy that adds OIDC authentication to a remote MCP server",
	Long: `authful-mcp-proxy lets a stdio MCP client (Claude Desktop, Cursor, ...)
talk to a streamable HTTP MCP server that requires an OAuth bearer token.

On the first request it logs you in with your OIDC provider in the browser
(Authorization Code flow with PKCE), caches the tokens under
~/.mcp/authful_mcp_proxy/tokens and refreshes them silently afterwards.

Examples:
  authful-mcp-proxy https://mcp.example.com/mcp \
    --oidc-issuer-url https://auth.example.com \
    --oidc-client-id my-client

  MCP_BACKEND_URL=https://mcp.example.com/mcp \
  OIDC_ISSUER_URL=https://auth.example.com \
  OIDC_CLIENT_ID=my-client authful-mcp-proxy`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProxy,
	// Errors are printed by Execute with a hint.
	SilenceUsage:  true,
	SilenceErrors: true,
}

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application. It is called by
// main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "authful-mcp-proxy version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", cli.Describe(err))
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
func getExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	switch cli.Classify(err).Category {
	case cli.CategoryConfiguration:
		return ExitCodeConfig
	case cli.CategoryDenied, cli.CategoryTimeout, cli.CategoryPortInUse:
		return ExitCodeAuthFailed
	case cli.CategoryBackendRejected:
		return ExitCodeBackendRejected
	default:
		return ExitCodeError
	}
}

func init() {
	registerFlags(rootCmd)
	rootCmd.Flags().StringVar(&flagDumpMessages, "dump-messages", "", "Append every relayed JSON-RPC message to this file")
	rootCmd.Flags().DurationVar(&flagHTTPTimeout, "http-timeout", 0, "Maximum wait for backend response headers (default 60s)")

	rootCmd.AddCommand(newVersionCmd())
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.ShowBanner() {
		printBanner(cmd.ErrOrStderr(), cmd.Root().Version, cfg.BackendURL, cfg.OIDC.IssuerURL, cfg.OIDC.ClientID)
	}

	manager, store, err := newSessionManager(cfg, nil)
	if err != nil {
		return err
	}

	// Pick up tokens written by "auth login" or another proxy instance.
	if err := os.MkdirAll(store.Dir(), 0o700); err != nil {
		logging.Warn("Proxy", "Failed to create token directory %s: %v", store.Dir(), err)
	}
	watcher := oauth.NewCacheWatcher(oauth.CacheWatcherConfig{
		Path:     store.Path(manager.Issuer()),
		OnChange: manager.Reload,
	})
	if err := watcher.Start(); err != nil {
		logging.Warn("Proxy", "Token cache watcher not started: %v", err)
	}
	defer watcher.Stop()

	// Only the wait for response headers is bounded: a request may wait for
	// an interactive login and the event stream stays open indefinitely.
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = cfg.Proxy.HTTPTimeout

	bridgeCfg := agent.BridgeConfig{
		BackendURL:    cfg.BackendURL,
		HTTPClient:    oauth.NewHTTPClient(manager, base),
		Stdin:         cmd.InOrStdin(),
		Stdout:        cmd.OutOrStdout(),
		DescribeError: cli.Describe,
	}
	if cfg.Proxy.DumpMessages != "" {
		messages, closer, err := agent.OpenMessageLog(cfg.Proxy.DumpMessages)
		if err != nil {
			return err
		}
		defer closer.Close()
		bridgeCfg.Messages = messages
	}

	bridge, err := agent.NewBridge(bridgeCfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info("Proxy", "Relaying stdio to %s", cfg.BackendURL)
	err = bridge.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logging.Info("Proxy", "Shutting down")
		return nil
	}
	return err
}

func printBanner(w io.Writer, version, backendURL, issuerURL, clientID string) {
	fmt.Fprintf(w, "authful-mcp-proxy %s\n", version)
	fmt.Fprintf(w, "  backend: %s\n", backendURL)
	fmt.Fprintf(w, "  issuer:  %s\n", issuerURL)
	fmt.Fprintf(w, "  client:  %s\n\n", clientID)
}
