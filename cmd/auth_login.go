package cmd

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// authLoginCmd represents the auth login command
var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in with the OIDC provider",
	Long: `Run the browser login now and cache the tokens.

A login always runs, even if a valid token is cached. A proxy already
running for the same issuer picks up the new tokens automatically.`,
	Args: cobra.NoArgs,
	RunE: runAuthLogin,
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadAuthConfig(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriterFile(os.Stderr))
	s.Suffix = " Waiting for the browser login to complete..."
	prompt := &spinnerPrompt{w: cmd.ErrOrStderr(), spinner: s}

	manager, _, err := newSessionManager(cfg, prompt)
	if err != nil {
		return err
	}

	tokens, err := manager.Login(cmd.Context())
	s.Stop()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s Logged in to %s\n", text.FgGreen.Sprint("✓"), manager.Issuer())
	if !tokens.ExpiresAt.IsZero() {
		fmt.Fprintf(cmd.OutOrStdout(), "  Access token expires %s\n", formatExpiryWithDirection(time.Now(), tokens.ExpiresAt))
	}
	return nil
}

// spinnerPrompt prints the login URL and then starts the spinner, so the
// animation never overwrites the URL.
type spinnerPrompt struct {
	w       io.Writer
	spinner *spinner.Spinner
	once    sync.Once
}

func (p *spinnerPrompt) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.once.Do(p.spinner.Start)
	return n, err
}
