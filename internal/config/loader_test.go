package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

const sampleYAML = `backend_url: https://mcp.example.com/mcp
oidc:
  issuer_url: https://auth.example.com/
  client_id: from-yaml
  scopes: [profile, groups]
  login_timeout: 2m
  use_nonce: false
proxy:
  no_browser: true
  http_timeout: 15s
`

func TestLoadDefaultsOnly(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(LoadOptions{EnvFile: "-", Environ: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", sampleYAML, 0o600)

	cfg, err := Load(LoadOptions{ConfigFile: path, EnvFile: "-", Environ: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, "https://mcp.example.com/mcp", cfg.BackendURL)
	assert.Equal(t, "from-yaml", cfg.OIDC.ClientID)
	assert.Equal(t, ScopeList{"profile", "groups"}, cfg.OIDC.Scopes)
	assert.Equal(t, 2*time.Minute, cfg.OIDC.LoginTimeout)
	assert.False(t, cfg.OIDC.UseNonce)
	assert.True(t, cfg.Proxy.NoBrowser)
	assert.Equal(t, 15*time.Second, cfg.Proxy.HTTPTimeout)
	// Unset keys keep their defaults.
	assert.Equal(t, DefaultRedirectURL, cfg.OIDC.RedirectURL)
}

func TestLoadDefaultConfigPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeFile(t, home, filepath.Join(userConfigDir, configFileName), sampleYAML, 0o600)

	path, err := DefaultConfigPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".mcp", "authful_mcp_proxy", "config.yaml"), path)

	cfg, err := Load(LoadOptions{EnvFile: "-", Environ: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, "from-yaml", cfg.OIDC.ClientID)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(LoadOptions{
		ConfigFile: filepath.Join(t.TempDir(), "absent.yaml"),
		EnvFile:    "-",
		Environ:    map[string]string{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "oidc: [not, a, map\n", 0o600)

	_, err := Load(LoadOptions{ConfigFile: path, EnvFile: "-", Environ: map[string]string{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading config from")
}

func TestLoadEnvironmentOverridesYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", sampleYAML, 0o600)

	cfg, err := Load(LoadOptions{
		ConfigFile: path,
		EnvFile:    "-",
		Environ: map[string]string{
			"OIDC_CLIENT_ID":         "from-env",
			"OIDC_SCOPES":            "email,offline_access",
			"OIDC_LOGIN_TIMEOUT":     "30s",
			"MCP_PROXY_DEBUG":        "true",
			"MCP_PROXY_HTTP_TIMEOUT": "90s",
			"UNRELATED":              "x",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.OIDC.ClientID)
	assert.Equal(t, ScopeList{"email", "offline_access"}, cfg.OIDC.Scopes)
	assert.Equal(t, 30*time.Second, cfg.OIDC.LoginTimeout)
	assert.True(t, cfg.Proxy.Debug)
	assert.Equal(t, 90*time.Second, cfg.Proxy.HTTPTimeout)
	assert.Equal(t, "https://mcp.example.com/mcp", cfg.BackendURL)
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	envFile := writeFile(t, t.TempDir(), ".env",
		"OIDC_CLIENT_ID=from-dotenv\nOIDC_CLIENT_SECRET=s3cret\n", 0o600)

	environ := map[string]string{"OIDC_CLIENT_ID": "from-env"}
	cfg, err := Load(LoadOptions{EnvFile: envFile, Environ: environ})
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.OIDC.ClientID)
	assert.Equal(t, "s3cret", cfg.OIDC.ClientSecret)
	assert.Len(t, environ, 1, "caller's environment must not be modified")
}

func TestLoadMissingDotEnvIsIgnored(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(LoadOptions{
		EnvFile: filepath.Join(t.TempDir(), ".env"),
		Environ: map[string]string{"OIDC_CLIENT_ID": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, "x", cfg.OIDC.ClientID)
}

func TestLoadInvalidEnvironmentValue(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := Load(LoadOptions{
		EnvFile: "-",
		Environ: map[string]string{"OIDC_LOGIN_TIMEOUT": "soon"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing environment")
}

func TestEnvironMap(t *testing.T) {
	m := environMap([]string{"A=1", "B=x=y", "EMPTY=", "BROKEN"})

	assert.Equal(t, map[string]string{"A": "1", "B": "x=y", "EMPTY": ""}, m)
}
