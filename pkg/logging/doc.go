// Package logging provides the structured logger used by authful-mcp-proxy.
//
// It is a thin layer over log/slog that tags every entry with a subsystem
// name:
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//	logging.Info("Session", "Using cached token for %s", issuer)
//	logging.Error("Bridge", err, "Backend request failed")
//
// Standard output is reserved for the JSON-RPC stream, so InitForCLI never
// writes there. Security relevant events go through Audit, which prefixes
// the message with SECURITY_AUDIT and records the event name as an attribute.
// Secrets are never logged; Fingerprint gives a short hash for correlation.
package logging
