// Package oauth keeps the proxy authenticated against an OIDC issuer.
//
// The Manager owns the token lifecycle for one issuer. It serves cached
// access tokens while they are valid beyond the refresh margin, refreshes
// them with the refresh_token grant when they are not, and falls back to an
// interactive Authorization Code flow with PKCE when refreshing is
// impossible or rejected. At most one refresh or authorization cycle runs at
// a time; concurrent callers wait for it and share its outcome.
//
// # Interactive flow
//
// A CallbackServer is bound on the loopback redirect URI before the browser
// is opened. It accepts exactly one redirect carrying the expected state and
// shuts down, releasing the port, on success, failure or timeout.
//
// # Token storage
//
// Tokens are stored, one file per issuer, in:
//
//	~/.mcp/authful_mcp_proxy/tokens/{sanitized-issuer}_tokens.json
//
// The directory is kept at 0700 and files at 0600. Writes are atomic and
// serialized across processes with a lock file. A CacheWatcher notices when
// another process rewrites the file so the Manager can adopt the newer
// tokens.
//
// # Transport
//
// Transport wraps an http.RoundTripper. It adds the bearer token to every
// request and, on a 401, renews the token and resends the request once.
package oauth
