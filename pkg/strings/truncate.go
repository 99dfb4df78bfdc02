// Package strings holds small text helpers shared by the proxy packages.
package strings

import (
	"strings"
)

// DefaultSnippetLen is the length backend error bodies are cut to.
const DefaultSnippetLen = 200

// minSnippetLen leaves room for one character and the ellipsis.
const minSnippetLen = 4

// Snippet collapses all whitespace in s to single spaces and shortens the
// result to at most maxLen runes, ending in "..." when cut. The result is
// always a single line, so it can be embedded in log lines and JSON-RPC
// error messages.
func Snippet(s string, maxLen int) string {
	if maxLen < minSnippetLen {
		maxLen = minSnippetLen
	}
	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}
