// Package agent relays MCP traffic between a local stdio client and a
// remote streamable HTTP MCP server.
//
// A Bridge reads newline-delimited JSON-RPC messages from stdin and POSTs
// them, in order, to the backend. JSON and server-sent event responses are
// written back to stdout one message per line. The backend's
// Mcp-Session-Id is captured and sent on later requests, and once the
// client has initialized, a GET stream carries server-initiated messages.
//
// Authentication is not handled here. The Bridge is given an *http.Client
// whose transport adds bearer tokens (see package oauth), so a request that
// waits for the user to log in simply blocks; messages read meanwhile are
// queued and relayed once it completes.
//
// Failures never stop the relay. A request that cannot be delivered is
// answered with a JSON-RPC error carrying the request's id:
//
//	{"jsonrpc":"2.0","id":3,"error":{"code":-32603,"message":"..."}}
//
// MessageLogger records every relayed message for troubleshooting
// (--dump-messages).
package agent
