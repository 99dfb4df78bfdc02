package oauth

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgoauth "github.com/giantswarm/authful-mcp-proxy/pkg/oauth"
)

const testIssuer = "https://auth.example.com/realms/dev"

func testTokenSet(expiresIn time.Duration) *pkgoauth.TokenSet {
	now := time.Now().UTC().Truncate(time.Second)
	return &pkgoauth.TokenSet{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		IDToken:      "id-token",
		TokenType:    "Bearer",
		Scope:        "openid profile",
		IssuedAt:     now,
		ExpiresAt:    now.Add(expiresIn),
	}
}

func TestSanitizeIssuer(t *testing.T) {
	tests := []struct {
		issuer string
		want   string
	}{
		{"https://auth.example.com", "auth.example.com"},
		{"https://auth.example.com/", "auth.example.com"},
		{"https://auth.example.com/realms/dev", "auth.example.com_realms_dev"},
		{"http://localhost:8080/tenant", "localhost_8080_tenant"},
		{"https://login.example-idp.io/a?b=c", "login.example-idp.io_a_b_c"},
		{"", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.issuer, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeIssuer(tt.issuer))
		})
	}
}

func TestTokenStore_SaveAndLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tokens")
	store, err := NewTokenStore(dir)
	require.NoError(t, err)

	ts := testTokenSet(time.Hour)
	require.NoError(t, store.Save(testIssuer, ts))

	path := store.Path(testIssuer)
	assert.Equal(t, filepath.Join(dir, "auth.example.com_realms_dev_tokens.json"), path)

	loaded := store.Load(testIssuer)
	require.NotNil(t, loaded)
	assert.Equal(t, ts.AccessToken, loaded.AccessToken)
	assert.Equal(t, ts.RefreshToken, loaded.RefreshToken)
	assert.Equal(t, ts.IDToken, loaded.IDToken)
	assert.Equal(t, ts.Scope, loaded.Scope)
	assert.True(t, ts.ExpiresAt.Equal(loaded.ExpiresAt))

	// A trailing slash names the same issuer.
	assert.NotNil(t, store.Load(testIssuer+"/"))
}

func TestTokenStore_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions")
	}

	dir := filepath.Join(t.TempDir(), "tokens")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	store, err := NewTokenStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(testIssuer, testTokenSet(time.Hour)))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	info, err = os.Stat(store.Path(testIssuer))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// No temporary files are left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestTokenStore_LoadMissingOrCorrupt(t *testing.T) {
	store, err := NewTokenStore(t.TempDir())
	require.NoError(t, err)

	assert.Nil(t, store.Load(testIssuer), "missing file")

	require.NoError(t, os.WriteFile(store.Path(testIssuer), []byte("{not json"), 0o600))
	assert.Nil(t, store.Load(testIssuer), "corrupt file")

	require.NoError(t, os.WriteFile(store.Path(testIssuer), []byte(`{"issuer_url":"`+testIssuer+`"}`), 0o600))
	assert.Nil(t, store.Load(testIssuer), "file without tokens")
}

func TestTokenStore_IssuerMismatch(t *testing.T) {
	store, err := NewTokenStore(t.TempDir())
	require.NoError(t, err)

	// Both issuers sanitize to the same file name.
	require.NoError(t, store.Save("https://auth.example.com/a_b", testTokenSet(time.Hour)))
	require.Equal(t, store.Path("https://auth.example.com/a_b"), store.Path("https://auth.example.com/a/b"))

	assert.Nil(t, store.Load("https://auth.example.com/a/b"))
	assert.NotNil(t, store.Load("https://auth.example.com/a_b"))
}

func TestTokenStore_ExpiredTokenStillLoads(t *testing.T) {
	store, err := NewTokenStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save(testIssuer, testTokenSet(-time.Hour)))

	loaded := store.Load(testIssuer)
	require.NotNil(t, loaded, "expired tokens are kept for their refresh token")
	assert.Equal(t, pkgoauth.FreshnessExpiring, loaded.FreshnessAt(time.Now(), 0))
}

func TestTokenStore_Clear(t *testing.T) {
	store, err := NewTokenStore(filepath.Join(t.TempDir(), "never-created"))
	require.NoError(t, err)

	require.NoError(t, store.Clear(testIssuer), "clearing without a directory")

	require.NoError(t, store.Save(testIssuer, testTokenSet(time.Hour)))
	require.NoError(t, store.Clear(testIssuer))
	assert.Nil(t, store.Load(testIssuer))

	_, err = os.Stat(store.Path(testIssuer))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, store.Clear(testIssuer), "clearing twice")
}

func TestTokenStore_SaveNil(t *testing.T) {
	store, err := NewTokenStore(t.TempDir())
	require.NoError(t, err)

	err = store.Save(testIssuer, nil)
	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "save", storeErr.Op)
}

func TestTokenStore_UnwritableDirectory(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("needs POSIX permissions enforced for the current user")
	}

	parent := t.TempDir()
	require.NoError(t, os.Chmod(parent, 0o500))
	t.Cleanup(func() { _ = os.Chmod(parent, 0o700) })

	store, err := NewTokenStore(filepath.Join(parent, "tokens"))
	require.NoError(t, err)

	err = store.Save(testIssuer, testTokenSet(time.Hour))
	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
}

func TestNewTokenStore_DefaultDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	store, err := NewTokenStore("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".mcp", "authful_mcp_proxy", "tokens"), store.Dir())
}
