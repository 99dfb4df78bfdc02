package oauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/oauth2"
)

func TestTokenSet_FreshnessAt(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	margin := 60 * time.Second

	tests := []struct {
		name  string
		token *TokenSet
		want  Freshness
	}{
		{"nil token", nil, FreshnessMissing},
		{"no access token", &TokenSet{RefreshToken: "r"}, FreshnessMissing},
		{"no expiry", &TokenSet{AccessToken: "a"}, FreshnessValid},
		{"expires well after margin", &TokenSet{AccessToken: "a", ExpiresAt: now.Add(10 * time.Minute)}, FreshnessValid},
		{"expires inside margin", &TokenSet{AccessToken: "a", ExpiresAt: now.Add(30 * time.Second)}, FreshnessExpiring},
		{"expires exactly at margin", &TokenSet{AccessToken: "a", ExpiresAt: now.Add(margin)}, FreshnessExpiring},
		{"already expired", &TokenSet{AccessToken: "a", ExpiresAt: now.Add(-time.Hour)}, FreshnessExpiring},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.token.FreshnessAt(now, margin)
			assert.Equal(t, tt.want, got, "freshness %s", got)
			assert.Equal(t, tt.want == FreshnessValid, tt.token.ValidAt(now, margin))
		})
	}
}

func TestNewTokenSet(t *testing.T) {
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tok := (&oauth2.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresIn:    300,
	}).WithExtra(map[string]interface{}{
		"id_token": "id.token.value",
		"scope":    "openid email",
	})

	ts := NewTokenSet(tok, issued)

	assert.Equal(t, "access", ts.AccessToken)
	assert.Equal(t, "refresh", ts.RefreshToken)
	assert.Equal(t, "id.token.value", ts.IDToken)
	assert.Equal(t, "Bearer", ts.TokenType)
	assert.Equal(t, []string{"openid", "email"}, ts.Scopes())
	assert.Equal(t, issued, ts.IssuedAt)
	assert.Equal(t, issued.Add(5*time.Minute), ts.ExpiresAt)
	assert.True(t, ts.CanRefresh())
	assert.True(t, ts.IsUsable())
}

func TestNewTokenSet_ExpiresInFromRawResponse(t *testing.T) {
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tok := (&oauth2.Token{AccessToken: "access"}).WithExtra(map[string]interface{}{
		"expires_in": float64(120),
	})

	ts := NewTokenSet(tok, issued)
	assert.Equal(t, issued.Add(2*time.Minute), ts.ExpiresAt)
}

func TestNewTokenSet_NoLifetime(t *testing.T) {
	ts := NewTokenSet(&oauth2.Token{AccessToken: "access", TokenType: "bearer"}, time.Now())
	assert.True(t, ts.ExpiresAt.IsZero())
	assert.Equal(t, "bearer", ts.TokenType)
	assert.False(t, ts.CanRefresh())
}

func TestNormalizeScopes(t *testing.T) {
	assert.Equal(t, []string{"openid"}, NormalizeScopes(nil))
	assert.Equal(t, []string{"openid", "profile", "email"}, NormalizeScopes([]string{"profile email"}))
	assert.Equal(t, []string{"openid", "email", "profile"}, NormalizeScopes([]string{"email", "openid", "profile", "email"}))
}

func TestNormalizeIssuerURL(t *testing.T) {
	assert.Equal(t, "https://auth.example.com", NormalizeIssuerURL("https://auth.example.com/"))
	assert.Equal(t, "https://auth.example.com/realms/a", NormalizeIssuerURL(" https://auth.example.com/realms/a// "))
}

func TestMetadata_CanVerifyIDTokens(t *testing.T) {
	assert.True(t, (&Metadata{Issuer: "https://a", JwksURI: "https://a/keys"}).CanVerifyIDTokens())
	assert.False(t, (&Metadata{Issuer: "https://a"}).CanVerifyIDTokens())
	assert.False(t, (&Metadata{JwksURI: "https://a/keys"}).CanVerifyIDTokens())
	assert.False(t, (*Metadata)(nil).CanVerifyIDTokens())
}

func TestTokenSet_ScopesNil(t *testing.T) {
	var ts *TokenSet
	assert.Nil(t, ts.Scopes())
	assert.Nil(t, (&TokenSet{}).Scopes())
}

func TestMetadata_SupportsPKCE(t *testing.T) {
	assert.True(t, (&Metadata{}).SupportsPKCE())
	assert.True(t, (&Metadata{CodeChallengeMethodsSupported: []string{"plain", "S256"}}).SupportsPKCE())
	assert.False(t, (&Metadata{CodeChallengeMethodsSupported: []string{"plain"}}).SupportsPKCE())
}
