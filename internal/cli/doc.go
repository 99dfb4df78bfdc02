// Package cli turns errors from the proxy into something an operator can act
// on.
//
// Classify walks an error chain and assigns it one Category: a configuration
// mistake, a network failure, a declined or rejected login, a login timeout,
// a busy callback port, or a backend that refused the token. Describe renders
// the error together with a one-line hint for that category, and is what the
// bridge sends to the MCP client when a request fails.
package cli
