// Package config assembles the proxy configuration.
//
// Values are layered, later sources overriding earlier ones:
//
//  1. built-in defaults (Default)
//  2. an optional YAML file, ~/.mcp/authful_mcp_proxy/config.yaml or --config
//  3. a .env file in the working directory, for variables not already set
//  4. environment variables such as OIDC_ISSUER_URL or MCP_PROXY_DEBUG
//  5. command-line flags the user set explicitly (applied by package cmd)
//
// A minimal configuration file:
//
//	backend_url: https://mcp.example.com/mcp
//	oidc:
//	  issuer_url: https://auth.example.com/realms/dev
//	  client_id: my-client
//	  scopes: [openid, profile, email]
//	  redirect_url: http://localhost:8080/auth/callback
//
// Validate must be called once all layers are applied.
package config
