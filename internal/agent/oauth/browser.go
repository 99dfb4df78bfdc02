package oauth

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/browser"
)

func init() {
	// The launcher's own output must never reach stdout, which carries the
	// JSON-RPC stream.
	browser.Stdout = os.Stderr
	browser.Stderr = os.Stderr
}

// OpenBrowser opens the specified URL in the default web browser.
func OpenBrowser(url string) error {
	if err := browser.OpenURL(url); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}

// PrintAuthURL writes the manual fallback instructions for authURL to w.
func PrintAuthURL(w io.Writer, authURL string) {
	fmt.Fprintf(w, "\nTo authenticate, open this URL in your browser:\n\n  %s\n\n", authURL)
}
