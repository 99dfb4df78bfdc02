package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/authful-mcp-proxy/pkg/logging"
	pkgoauth "github.com/giantswarm/authful-mcp-proxy/pkg/oauth"
)

// SessionState is the position of the session manager in the token
// lifecycle.
type SessionState int

const (
	// StateCold means no token set is known.
	StateCold SessionState = iota
	// StateCachedValid means the cached access token is usable.
	StateCachedValid
	// StateCachedExpiring means the cached access token is expired or about
	// to expire.
	StateCachedExpiring
	// StateRefreshing means a refresh_token grant is in flight.
	StateRefreshing
	// StateAuthorizing means the interactive browser flow is running.
	StateAuthorizing
	// StateReady means a fresh token was obtained in this process.
	StateReady
	// StateFailed means the last cycle failed. The next request starts over.
	StateFailed
)

// String returns the string representation of the state.
func (s SessionState) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateCachedValid:
		return "cached_valid"
	case StateCachedExpiring:
		return "cached_expiring"
	case StateRefreshing:
		return "refreshing"
	case StateAuthorizing:
		return "authorizing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Store is the persistence the session manager needs. *TokenStore
// implements it.
type Store interface {
	Load(issuer string) *pkgoauth.TokenSet
	Save(issuer string, ts *pkgoauth.TokenSet) error
	Clear(issuer string) error
}

// SessionConfig configures a Manager.
type SessionConfig struct {
	// IssuerURL is the OIDC issuer.
	IssuerURL string

	// Credentials identify the client at the token endpoint.
	Credentials pkgoauth.Credentials

	// Scopes are requested during authorization. "openid" is always added.
	Scopes []string

	// RedirectURL is the registered loopback redirect URI.
	RedirectURL *url.URL

	// LoginTimeout bounds how long the callback listener waits.
	LoginTimeout time.Duration

	// RefreshMargin is how long before expiry a token stops being used.
	RefreshMargin time.Duration

	// UseNonce adds an OIDC nonce and checks it in the returned ID token.
	UseNonce bool

	// OpenBrowser launches the user's browser. Nil only prints the URL.
	OpenBrowser func(url string) error

	// Prompt receives the authorization URL for manual use. Defaults to stderr.
	Prompt io.Writer

	// Now is the clock for expiry decisions. Defaults to time.Now.
	Now func() time.Time

	// Random is the entropy source for PKCE. Defaults to crypto/rand.
	Random io.Reader

	// OnStateChange is called after every state transition.
	OnStateChange func(from, to SessionState)
}

// SessionStatus is a snapshot of the cached credentials.
type SessionStatus struct {
	Issuer          string
	State           SessionState
	Freshness       pkgoauth.Freshness
	ExpiresAt       time.Time
	HasRefreshToken bool
	Scopes          []string
	IDToken         string
	LastError       error
}

// Manager obtains and keeps a valid access token for one issuer. It is safe
// for concurrent use; at most one refresh or authorization cycle runs at a
// time and concurrent callers share its outcome.
type Manager struct {
	cfg    SessionConfig
	client *pkgoauth.Client
	store  Store
	pkce   *pkgoauth.PKCEEngine
	now    func() time.Time

	loadOnce sync.Once
	flight   singleflight.Group

	mu      sync.RWMutex
	state   SessionState
	tokens  *pkgoauth.TokenSet
	lastErr error
}

const renewKey = "renew"

// NewManager creates a session manager. The token cache is read lazily on
// first use.
func NewManager(cfg SessionConfig, client *pkgoauth.Client, store Store) (*Manager, error) {
	cfg.IssuerURL = pkgoauth.NormalizeIssuerURL(cfg.IssuerURL)
	if cfg.IssuerURL == "" {
		return nil, errors.New("issuer URL is required")
	}
	if cfg.Credentials.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if cfg.RedirectURL == nil {
		return nil, errors.New("redirect URL is required")
	}
	if client == nil || store == nil {
		return nil, errors.New("OAuth client and token store are required")
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = DefaultCallbackTimeout
	}
	if cfg.RefreshMargin < 0 {
		cfg.RefreshMargin = 0
	}
	if cfg.Prompt == nil {
		cfg.Prompt = os.Stderr
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Scopes = pkgoauth.NormalizeScopes(cfg.Scopes)

	pkceOpts := []pkgoauth.PKCEOption{pkgoauth.WithPKCEClock(cfg.Now)}
	if cfg.Random != nil {
		pkceOpts = append(pkceOpts, pkgoauth.WithRandom(cfg.Random))
	}

	return &Manager{
		cfg:    cfg,
		client: client,
		store:  store,
		pkce:   pkgoauth.NewPKCEEngine(pkceOpts...),
		now:    cfg.Now,
		state:  StateCold,
	}, nil
}

// Issuer returns the normalized issuer URL.
func (m *Manager) Issuer() string {
	return m.cfg.IssuerURL
}

// State returns the current state.
func (m *Manager) State() SessionState {
	m.ensureLoaded()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Status returns a snapshot of the cached credentials at now.
func (m *Manager) Status(now time.Time) SessionStatus {
	m.ensureLoaded()
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := SessionStatus{
		Issuer:    m.cfg.IssuerURL,
		State:     m.state,
		Freshness: m.tokens.FreshnessAt(now, m.cfg.RefreshMargin),
		LastError: m.lastErr,
	}
	if m.tokens != nil {
		st.ExpiresAt = m.tokens.ExpiresAt
		st.HasRefreshToken = m.tokens.RefreshToken != ""
		st.Scopes = m.tokens.Scopes()
		st.IDToken = m.tokens.IDToken
	}
	return st
}

// Token returns a valid access token. A cached token that is still valid
// beyond the refresh margin is returned without any network call; otherwise
// the token is refreshed, or the interactive flow is run.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.ensureLoaded()

	m.mu.RLock()
	ts := m.tokens
	m.mu.RUnlock()

	if ts.ValidAt(m.now(), m.cfg.RefreshMargin) {
		return ts.AccessToken, nil
	}
	return m.renew(ctx)
}

// Renew is called with the access token the backend rejected. If
// another caller has already replaced that token, the replacement is
// returned. Otherwise the token is discarded, bypassing the expiry check,
// and a refresh or authorization cycle runs.
func (m *Manager) Renew(ctx context.Context, rejected string) (string, error) {
	m.ensureLoaded()

	m.mu.Lock()
	if m.tokens != nil && m.tokens.AccessToken != "" && m.tokens.AccessToken != rejected &&
		m.tokens.ValidAt(m.now(), m.cfg.RefreshMargin) {
		token := m.tokens.AccessToken
		m.mu.Unlock()
		return token, nil
	}
	if m.tokens != nil && m.tokens.AccessToken == rejected {
		logging.Audit("token_rejected", "Backend rejected access token %s, forcing renewal", logging.Fingerprint(rejected))
		invalidated := *m.tokens
		invalidated.AccessToken = ""
		m.tokens = &invalidated
		m.mu.Unlock()
		m.setState(StateCachedExpiring)
		return m.renew(ctx)
	}
	m.mu.Unlock()

	return m.renew(ctx)
}

// Login runs the interactive flow regardless of the cache and persists the
// result. Unlike Token, a failure to write the cache is returned.
func (m *Manager) Login(ctx context.Context) (*pkgoauth.TokenSet, error) {
	m.ensureLoaded()

	// Shares the cycle with renew: a Token call during the login waits for
	// it, and a login started during a refresh adopts the refreshed set.
	v, err, _ := m.flight.Do(renewKey, func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)
		ts, err := m.authorize(ctx)
		if err != nil {
			return nil, err
		}
		return ts, m.complete(ts)
	})
	return flightTokens(v), err
}

// Logout clears the cache file and forgets the in-memory tokens.
func (m *Manager) Logout() error {
	m.ensureLoaded()
	err := m.store.Clear(m.cfg.IssuerURL)

	m.mu.Lock()
	m.tokens = nil
	m.lastErr = nil
	m.mu.Unlock()
	m.setState(StateCold)
	return err
}

// Reload re-reads the token cache and adopts its token set if it was issued
// after the one held in memory. It is called when another process rewrote
// the cache.
func (m *Manager) Reload() {
	ts := m.store.Load(m.cfg.IssuerURL)
	if ts == nil {
		return
	}

	m.mu.Lock()
	current := m.tokens
	if current != nil && (ts.AccessToken == current.AccessToken && ts.RefreshToken == current.RefreshToken ||
		!ts.IssuedAt.After(current.IssuedAt)) {
		m.mu.Unlock()
		return
	}
	m.tokens = ts
	m.mu.Unlock()

	logging.Info("Session", "Adopted token set for %s written by another process", m.cfg.IssuerURL)
	m.setState(m.cachedState(ts))
}

func (m *Manager) ensureLoaded() {
	m.loadOnce.Do(func() {
		ts := m.store.Load(m.cfg.IssuerURL)
		m.mu.Lock()
		if m.tokens == nil {
			m.tokens = ts
		}
		m.mu.Unlock()
		if ts != nil {
			logging.Debug("Session", "Loaded cached token set for %s", m.cfg.IssuerURL)
			m.setState(m.cachedState(ts))
		}
	})
}

func (m *Manager) cachedState(ts *pkgoauth.TokenSet) SessionState {
	switch ts.FreshnessAt(m.now(), m.cfg.RefreshMargin) {
	case pkgoauth.FreshnessValid:
		return StateCachedValid
	case pkgoauth.FreshnessExpiring:
		return StateCachedExpiring
	default:
		if ts.CanRefresh() {
			return StateCachedExpiring
		}
		return StateCold
	}
}

// renew joins or starts the single renewal cycle. The cycle is detached from
// the caller's context: it ends on success, failure or the login timeout.
func (m *Manager) renew(ctx context.Context) (string, error) {
	v, err, shared := m.flight.Do(renewKey, func() (interface{}, error) {
		return m.runCycle(context.WithoutCancel(ctx))
	})
	if shared {
		logging.Debug("Session", "Joined in-flight authentication cycle for %s", m.cfg.IssuerURL)
	}
	ts := flightTokens(v)
	var storeErr *StoreError
	if err != nil && !(errors.As(err, &storeErr) && ts != nil) {
		return "", err
	}
	if err != nil {
		// Joined a Login whose cache write failed; the tokens are in memory.
		logging.Error("Session", err, "Failed to persist token, keeping it in memory")
	}
	if ts == nil || ts.AccessToken == "" {
		return "", &SessionError{Issuer: m.cfg.IssuerURL, State: m.State(), Err: errors.New("authentication cycle returned no access token")}
	}
	return ts.AccessToken, nil
}

// flightTokens extracts the token set a cycle on renewKey produced.
func flightTokens(v interface{}) *pkgoauth.TokenSet {
	ts, _ := v.(*pkgoauth.TokenSet)
	return ts
}

func (m *Manager) runCycle(ctx context.Context) (*pkgoauth.TokenSet, error) {
	m.mu.RLock()
	ts := m.tokens
	m.mu.RUnlock()

	// Another cycle may have finished between the caller's check and ours.
	if ts.ValidAt(m.now(), m.cfg.RefreshMargin) {
		return ts, nil
	}

	if ts.CanRefresh() {
		m.setState(StateCachedExpiring)
		refreshed, err := m.refresh(ctx, ts)
		if err == nil {
			if err := m.complete(refreshed); err != nil {
				logging.Error("Session", err, "Failed to persist refreshed token, keeping it in memory")
			}
			return refreshed, nil
		}
		logging.Warn("Session", "Token refresh failed, falling back to interactive login: %v", err)
	}

	fresh, err := m.authorize(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.complete(fresh); err != nil {
		logging.Error("Session", err, "Failed to persist token, keeping it in memory")
	}
	return fresh, nil
}

func (m *Manager) refresh(ctx context.Context, previous *pkgoauth.TokenSet) (*pkgoauth.TokenSet, error) {
	m.setState(StateRefreshing)

	metadata, err := m.client.DiscoverMetadata(ctx, m.cfg.IssuerURL)
	if err != nil {
		return nil, err
	}
	ts, err := m.client.RefreshToken(ctx, metadata, m.cfg.Credentials, previous)
	if err != nil {
		return nil, err
	}
	logging.Audit("token_refreshed", "Refreshed access token for %s", m.cfg.IssuerURL)
	return ts, nil
}

// authorize runs one interactive authorization code cycle.
func (m *Manager) authorize(ctx context.Context) (*pkgoauth.TokenSet, error) {
	m.setState(StateAuthorizing)

	metadata, err := m.client.DiscoverMetadata(ctx, m.cfg.IssuerURL)
	if err != nil {
		return nil, m.fail(err)
	}

	attempt, err := m.pkce.NewAttempt(m.cfg.RedirectURL.String(), m.cfg.LoginTimeout, m.cfg.UseNonce)
	if err != nil {
		return nil, m.fail(err)
	}
	defer attempt.Discard()

	// Bind before anything is shown to the user, so a busy port fails fast.
	server := NewCallbackServer(m.cfg.RedirectURL, attempt.State)
	redirectURI, err := server.Start()
	if err != nil {
		return nil, m.fail(err)
	}
	attempt.RedirectURI = redirectURI

	authURL, err := pkgoauth.BuildAuthorizationURL(metadata, attempt, m.cfg.Credentials.ClientID, m.cfg.Scopes)
	if err != nil {
		server.Stop()
		return nil, m.fail(err)
	}

	logging.Info("Session", "Authentication required for %s (attempt %s), waiting up to %s", m.cfg.IssuerURL, attempt.ID, m.cfg.LoginTimeout)
	m.presentAuthURL(authURL)

	result, err := server.WaitForCallback(m.cfg.LoginTimeout)
	if err != nil {
		return nil, m.fail(err)
	}

	ts, err := m.client.ExchangeCode(ctx, metadata, m.cfg.Credentials, attempt, result.Code)
	if err != nil {
		return nil, m.fail(err)
	}

	if attempt.Nonce != "" && ts.IDToken != "" {
		if !metadata.CanVerifyIDTokens() {
			logging.Debug("Session", "Issuer metadata lacks issuer or jwks_uri, skipping ID token verification")
		} else if _, err := m.client.VerifyIDToken(ctx, metadata, m.cfg.Credentials.ClientID, ts.IDToken, attempt.Nonce); err != nil {
			return nil, m.fail(err)
		}
	}

	logging.Audit("authorization_completed", "Authorization code exchanged for %s (attempt %s)", m.cfg.IssuerURL, attempt.ID)
	return ts, nil
}

func (m *Manager) presentAuthURL(authURL string) {
	PrintAuthURL(m.cfg.Prompt, authURL)
	if m.cfg.OpenBrowser == nil {
		return
	}
	if err := m.cfg.OpenBrowser(authURL); err != nil {
		logging.Warn("Session", "Could not open a browser, open the URL above manually: %v", err)
	}
}

// complete adopts ts and writes it to the cache.
func (m *Manager) complete(ts *pkgoauth.TokenSet) error {
	m.mu.Lock()
	m.tokens = ts
	m.lastErr = nil
	m.mu.Unlock()
	m.setState(StateReady)

	return m.store.Save(m.cfg.IssuerURL, ts)
}

// fail records err, moves to StateFailed and wraps err in a SessionError
// carrying the state in which the cycle failed.
func (m *Manager) fail(err error) error {
	m.mu.Lock()
	at := m.state
	m.lastErr = err
	m.mu.Unlock()
	m.setState(StateFailed)

	logging.Error("Session", err, "Authentication cycle for %s failed", m.cfg.IssuerURL)
	return &SessionError{Issuer: m.cfg.IssuerURL, State: at, Err: err}
}

func (m *Manager) setState(to SessionState) {
	m.mu.Lock()
	from := m.state
	m.state = to
	hook := m.cfg.OnStateChange
	m.mu.Unlock()

	if from == to {
		return
	}
	logging.Debug("Session", "State %s -> %s", from, to)
	if hook != nil {
		hook(from, to)
	}
}

// String implements fmt.Stringer for log output.
func (s SessionStatus) String() string {
	return fmt.Sprintf("%s (%s, expires %s)", s.State, s.Freshness, formatExpiry(s.ExpiresAt))
}
