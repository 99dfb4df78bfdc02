package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/giantswarm/authful-mcp-proxy/pkg/logging"
	pkgoauth "github.com/giantswarm/authful-mcp-proxy/pkg/oauth"
)

const (
	// DefaultRedirectURL is the loopback callback registered with the issuer.
	DefaultRedirectURL = "http://localhost:8080/auth/callback"

	// DefaultLoginTimeout bounds the interactive login.
	DefaultLoginTimeout = 5 * time.Minute

	// DefaultHTTPTimeout bounds waiting for backend response headers.
	DefaultHTTPTimeout = 60 * time.Second
)

// Config is the complete proxy configuration.
type Config struct {
	// BackendURL is the streamable HTTP MCP endpoint to proxy to.
	BackendURL string `yaml:"backend_url" env:"MCP_BACKEND_URL"`

	OIDC  OIDCConfig  `yaml:"oidc"`
	Proxy ProxyConfig `yaml:"proxy"`
}

// OIDCConfig configures authentication against the issuer.
type OIDCConfig struct {
	IssuerURL string `yaml:"issuer_url" env:"OIDC_ISSUER_URL"`
	ClientID  string `yaml:"client_id" env:"OIDC_CLIENT_ID"`
	// ClientSecret is optional; public clients rely on PKCE alone.
	ClientSecret string    `yaml:"client_secret" env:"OIDC_CLIENT_SECRET"`
	Scopes       ScopeList `yaml:"scopes" env:"OIDC_SCOPES"`
	RedirectURL  string    `yaml:"redirect_url" env:"OIDC_REDIRECT_URL"`

	LoginTimeout  time.Duration `yaml:"login_timeout" env:"OIDC_LOGIN_TIMEOUT"`
	RefreshMargin time.Duration `yaml:"refresh_margin" env:"OIDC_REFRESH_MARGIN"`
	UseNonce      bool          `yaml:"use_nonce" env:"OIDC_USE_NONCE"`
}

// ProxyConfig configures the local side of the proxy.
type ProxyConfig struct {
	// TokenDir overrides ~/.mcp/authful_mcp_proxy/tokens.
	TokenDir     string        `yaml:"token_dir" env:"MCP_PROXY_TOKEN_DIR"`
	NoBrowser    bool          `yaml:"no_browser" env:"MCP_PROXY_NO_BROWSER"`
	Debug        bool          `yaml:"debug" env:"MCP_PROXY_DEBUG"`
	Silent       bool          `yaml:"silent" env:"MCP_PROXY_SILENT"`
	NoBanner     bool          `yaml:"no_banner"`
	LogFile      string        `yaml:"log_file" env:"MCP_PROXY_LOG_FILE"`
	DumpMessages string        `yaml:"dump_messages" env:"MCP_PROXY_DUMP_MESSAGES"`
	HTTPTimeout  time.Duration `yaml:"http_timeout" env:"MCP_PROXY_HTTP_TIMEOUT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		OIDC: OIDCConfig{
			Scopes:        append(ScopeList(nil), pkgoauth.DefaultScopes...),
			RedirectURL:   DefaultRedirectURL,
			LoginTimeout:  DefaultLoginTimeout,
			RefreshMargin: pkgoauth.DefaultRefreshMargin,
			UseNonce:      true,
		},
		Proxy: ProxyConfig{
			HTTPTimeout: DefaultHTTPTimeout,
		},
	}
}

// ScopeList is a list of OAuth scopes. From text (environment, flags) it is
// parsed as a space- or comma-separated list.
type ScopeList []string

// ParseScopes splits a space- or comma-separated scope string.
func ParseScopes(s string) ScopeList {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ScopeList) UnmarshalText(text []byte) error {
	*s = ParseScopes(string(text))
	return nil
}

// UnmarshalYAML accepts a sequence or a single scope string.
func (s *ScopeList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = ParseScopes(node.Value)
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}
	*s = list
	return nil
}

// String joins the scopes with spaces.
func (s ScopeList) String() string {
	return strings.Join(s, " ")
}

// Scopes returns the requested scopes with "openid" first.
func (c *Config) Scopes() []string {
	return pkgoauth.NormalizeScopes(c.OIDC.Scopes)
}

// Redirect returns the parsed redirect URL.
func (c *Config) Redirect() (*url.URL, error) {
	return url.Parse(c.OIDC.RedirectURL)
}

// LogLevel returns the log level selected by Debug and Silent.
func (c *Config) LogLevel() logging.LogLevel {
	switch {
	case c.Proxy.Debug:
		return logging.LevelDebug
	case c.Proxy.Silent:
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// ShowBanner reports whether the startup banner is printed.
func (c *Config) ShowBanner() bool {
	return !c.Proxy.NoBanner && !c.Proxy.Silent
}

// Validate checks everything needed to run the proxy.
func (c *Config) Validate() error {
	errs := c.validateAuth()
	if c.BackendURL == "" {
		errs.Add("backend_url", "is required (BACKEND_URL argument or MCP_BACKEND_URL)")
	} else if err := validateHTTPURL(c.BackendURL); err != nil {
		errs.Add("backend_url", err.Error(), c.BackendURL)
	}
	if c.Proxy.HTTPTimeout <= 0 {
		errs.Add("http_timeout", "must be positive", c.Proxy.HTTPTimeout)
	}
	if c.Proxy.Debug && c.Proxy.Silent {
		errs.Add("silent", "cannot be combined with debug")
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ValidateAuth checks only the settings the auth commands need.
func (c *Config) ValidateAuth() error {
	if errs := c.validateAuth(); errs.HasErrors() {
		return errs
	}
	return nil
}

func (c *Config) validateAuth() ValidationErrors {
	var errs ValidationErrors

	if c.OIDC.IssuerURL == "" {
		errs.Add("oidc.issuer_url", "is required (--oidc-issuer-url or OIDC_ISSUER_URL)")
	} else if err := validateHTTPURL(c.OIDC.IssuerURL); err != nil {
		errs.Add("oidc.issuer_url", err.Error(), c.OIDC.IssuerURL)
	}

	if c.OIDC.ClientID == "" {
		errs.Add("oidc.client_id", "is required (--oidc-client-id or OIDC_CLIENT_ID)")
	}

	if err := validateRedirectURL(c.OIDC.RedirectURL); err != nil {
		errs.Add("oidc.redirect_url", err.Error(), c.OIDC.RedirectURL)
	}

	if c.OIDC.LoginTimeout <= 0 {
		errs.Add("oidc.login_timeout", "must be positive", c.OIDC.LoginTimeout)
	}
	if c.OIDC.RefreshMargin < 0 {
		errs.Add("oidc.refresh_margin", "must not be negative", c.OIDC.RefreshMargin)
	}
	return errs
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is not a valid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host")
	}
	return nil
}

// validateRedirectURL requires an http URL on a loopback host with a path.
func validateRedirectURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is not a valid URL: %v", err)
	}
	if u.Scheme != "http" {
		return fmt.Errorf("must use http, got %q", u.Scheme)
	}
	if !isLoopback(u.Hostname()) {
		return fmt.Errorf("must point to localhost or a loopback address, got %q", u.Hostname())
	}
	if u.Path == "" || u.Path == "/" {
		return fmt.Errorf("must include a callback path")
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
