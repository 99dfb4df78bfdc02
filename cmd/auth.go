package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/giantswarm/authful-mcp-proxy/internal/config"
)

// authCmd represents the auth command group
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the cached OIDC login",
	Long: `Manage the tokens the proxy caches for the configured issuer.

The auth commands use the same --oidc-* flags, environment variables and
config file as the proxy itself.

Examples:
  authful-mcp-proxy auth login     # Log in now instead of on the first request
  authful-mcp-proxy auth status    # Show the cached token
  authful-mcp-proxy auth logout    # Remove the cached token`,
}

// authLogoutCmd represents the auth logout command
var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the cached tokens",
	Long: `Remove the cached tokens for the configured issuer.

The next request through the proxy starts a new browser login. Tokens are
only removed locally; nothing is revoked at the issuer.`,
	Args: cobra.NoArgs,
	RunE: runAuthLogout,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
}

// loadAuthConfig loads and validates the settings the auth commands need.
func loadAuthConfig(cmd *cobra.Command) (*config.Config, func(), error) {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ValidateAuth(); err != nil {
		return nil, nil, err
	}
	closeLog, err := setupLogging(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, closeLog, nil
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadAuthConfig(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	manager, store, err := newSessionManager(cfg, nil)
	if err != nil {
		return err
	}
	if err := manager.Logout(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s Removed cached tokens for %s (%s)\n",
		text.FgGreen.Sprint("✓"), manager.Issuer(), store.Path(manager.Issuer()))
	return nil
}
