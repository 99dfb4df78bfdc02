package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/giantswarm/authful-mcp-proxy/internal/agent/oauth"
	pkgoauth "github.com/giantswarm/authful-mcp-proxy/pkg/oauth"
)

// authStatusCmd represents the auth status command
var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cached token",
	Long: `Show the token cached for the configured issuer: whether it is still
valid, when it expires, whether it can be refreshed, the granted scopes and
the identity in the ID token.

Nothing is sent to the issuer.`,
	Args: cobra.NoArgs,
	RunE: runAuthStatus,
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadAuthConfig(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	manager, store, err := newSessionManager(cfg, nil)
	if err != nil {
		return err
	}

	renderStatus(cmd.OutOrStdout(), manager.Status(time.Now()), store.Path(manager.Issuer()), time.Now())
	return nil
}

// renderStatus prints st as a key/value table.
func renderStatus(w io.Writer, st oauth.SessionStatus, cachePath string, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{text.FgHiCyan.Sprint("KEY"), text.FgHiCyan.Sprint("VALUE")})

	t.AppendRow(table.Row{"Issuer", st.Issuer})
	t.AppendRow(table.Row{"Cache file", cachePath})
	t.AppendRow(table.Row{"Token", formatFreshness(st.Freshness)})

	if st.Freshness != pkgoauth.FreshnessMissing {
		expires := "never"
		if !st.ExpiresAt.IsZero() {
			expires = formatExpiryWithDirection(now, st.ExpiresAt)
		}
		t.AppendRow(table.Row{"Expires", expires})

		refresh := text.FgYellow.Sprint("not available (browser login on expiry)")
		if st.HasRefreshToken {
			refresh = text.FgGreen.Sprint("available")
		}
		t.AppendRow(table.Row{"Refresh token", refresh})

		if len(st.Scopes) > 0 {
			t.AppendRow(table.Row{"Scopes", strings.Join(st.Scopes, " ")})
		}
		if subject, email := idTokenIdentity(st.IDToken); subject != "" || email != "" {
			t.AppendRow(table.Row{"Subject", subject})
			if email != "" {
				t.AppendRow(table.Row{"Email", email})
			}
		}
	}

	t.Render()

	if st.Freshness == pkgoauth.FreshnessMissing {
		fmt.Fprintln(w, "\nNot logged in. Run 'authful-mcp-proxy auth login' or start the proxy to log in.")
	}
}

func formatFreshness(f pkgoauth.Freshness) string {
	switch f {
	case pkgoauth.FreshnessValid:
		return text.FgGreen.Sprint("valid")
	case pkgoauth.FreshnessExpiring:
		return text.FgYellow.Sprint("expired or expiring (refreshed on next use)")
	default:
		return text.FgHiBlack.Sprint("none")
	}
}

// idTokenIdentity reads sub and email from an ID token for display. The
// signature is not checked; the token was verified when it was issued.
func idTokenIdentity(raw string) (subject, email string) {
	if raw == "" {
		return "", ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return "", ""
	}
	subject, _ = claims["sub"].(string)
	email, _ = claims["email"].(string)
	return subject, email
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "expired"
	}
	if d < time.Minute {
		return "< 1 minute"
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		if minutes == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	days := int(d.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

// formatExpiryWithDirection formats a time as "in X" or "expired X ago".
func formatExpiryWithDirection(now, expiresAt time.Time) string {
	remaining := expiresAt.Sub(now)
	if remaining > 0 {
		return "in " + formatDuration(remaining)
	}
	return text.FgYellow.Sprintf("expired %s ago", formatDuration(-remaining))
}
