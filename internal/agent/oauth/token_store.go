package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/giantswarm/authful-mcp-proxy/pkg/logging"
	pkgoauth "github.com/giantswarm/authful-mcp-proxy/pkg/oauth"
)

const (
	// dirPerm and filePerm restrict the cache to the owning user.
	dirPerm  fs.FileMode = 0o700
	filePerm fs.FileMode = 0o600

	tokenFileSuffix = "_tokens.json"
)

// cacheEntry is the on-disk form of one issuer's token set. The issuer URL is
// stored alongside the tokens so a file name collision between two issuers
// never hands one issuer's tokens to the other.
type cacheEntry struct {
	IssuerURL string    `json:"issuer_url"`
	SavedAt   time.Time `json:"saved_at"`
	pkgoauth.TokenSet
}

// TokenStore persists one token set per issuer as a JSON file.
//
// SECURITY: This store handles sensitive OAuth credentials.
//   - The directory is forced to 0700 and files are written 0600, whatever
//     the umask
//   - Writes go to a temporary file that is renamed over the target, so a
//     crash never leaves a truncated cache
//   - A lock file serializes writers across proxy processes
//   - Token values are NEVER logged
type TokenStore struct {
	dir string
	now func() time.Time
}

// NewTokenStore creates a token store rooted at dir. An empty dir selects
// ~/.mcp/authful_mcp_proxy/tokens. The directory is created on first save.
func NewTokenStore(dir string) (*TokenStore, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, pkgoauth.DefaultTokenStorageDir)
	}
	return &TokenStore{dir: dir, now: time.Now}, nil
}

// Dir returns the storage directory.
func (s *TokenStore) Dir() string {
	return s.dir
}

// SanitizeIssuer turns an issuer URL into a file name stem: the scheme is
// dropped and every character other than letters, digits, '.' and '-' is
// replaced with '_'.
func SanitizeIssuer(issuer string) string {
	issuer = pkgoauth.NormalizeIssuerURL(issuer)
	if i := strings.Index(issuer, "://"); i >= 0 {
		issuer = issuer[i+3:]
	}

	var b strings.Builder
	for _, r := range issuer {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

// Path returns the cache file path for issuer.
func (s *TokenStore) Path(issuer string) string {
	return filepath.Join(s.dir, SanitizeIssuer(issuer)+tokenFileSuffix)
}

// Load returns the cached token set for issuer, or nil if there is none.
// Missing, unreadable and malformed files all count as "no credentials".
func (s *TokenStore) Load(issuer string) *pkgoauth.TokenSet {
	path := s.Path(issuer)

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logging.Warn("TokenStore", "Ignoring unreadable token cache %s: %v", path, err)
		}
		return nil
	}

	if info, err := os.Stat(path); err == nil && info.Mode().Perm()&0o077 != 0 {
		logging.Warn("TokenStore", "Token cache %s is accessible by other users (mode %04o)", path, info.Mode().Perm())
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		logging.Warn("TokenStore", "Ignoring malformed token cache %s: %v", path, err)
		return nil
	}
	if entry.IssuerURL != "" && entry.IssuerURL != pkgoauth.NormalizeIssuerURL(issuer) {
		logging.Warn("TokenStore", "Ignoring token cache %s written for a different issuer", path)
		return nil
	}
	if !entry.TokenSet.IsUsable() {
		logging.Debug("TokenStore", "Ignoring token cache %s without tokens", path)
		return nil
	}

	ts := entry.TokenSet
	return &ts
}

// Save atomically replaces the cache file for issuer with ts.
func (s *TokenStore) Save(issuer string, ts *pkgoauth.TokenSet) error {
	if ts == nil {
		return &StoreError{Op: "save", Path: s.Path(issuer), Err: errors.New("nil token set")}
	}
	if err := s.ensureDir(); err != nil {
		return err
	}
	path := s.Path(issuer)

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return &StoreError{Op: "lock", Path: path, Err: err}
	}
	defer func() { _ = lock.Unlock() }()

	data, err := json.MarshalIndent(cacheEntry{
		IssuerURL: pkgoauth.NormalizeIssuerURL(issuer),
		SavedAt:   s.now().UTC(),
		TokenSet:  *ts,
	}, "", "  ")
	if err != nil {
		return &StoreError{Op: "encode", Path: path, Err: err}
	}

	if err := writeFileAtomic(path, data); err != nil {
		logging.Warn("TokenStore", "SECURITY_AUDIT: token cache write failed for %s: %v", issuer, err)
		return &StoreError{Op: "write", Path: path, Err: err}
	}

	logging.Audit("token_stored", "OAuth token cached for %s (access=%s, refresh=%t, expires_at=%s)",
		issuer, logging.Fingerprint(ts.AccessToken), ts.RefreshToken != "", formatExpiry(ts.ExpiresAt))
	return nil
}

// Clear removes the cache file for issuer. Clearing a missing file is not an
// error.
func (s *TokenStore) Clear(issuer string) error {
	path := s.Path(issuer)
	if _, err := os.Stat(s.dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return &StoreError{Op: "lock", Path: path, Err: err}
	}
	defer func() { _ = lock.Unlock() }()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &StoreError{Op: "remove", Path: path, Err: err}
	}
	logging.Audit("token_cleared", "OAuth token cache cleared for %s", issuer)
	return nil
}

// ensureDir creates the storage directory and tightens its mode to 0700.
func (s *TokenStore) ensureDir() error {
	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return &StoreError{Op: "create directory", Path: s.dir, Err: err}
	}
	info, err := os.Stat(s.dir)
	if err != nil {
		return &StoreError{Op: "stat directory", Path: s.dir, Err: err}
	}
	if info.Mode().Perm() != dirPerm {
		if err := os.Chmod(s.dir, dirPerm); err != nil {
			return &StoreError{Op: "chmod directory", Path: s.dir, Err: err}
		}
	}
	return nil
}

// writeFileAtomic writes data to a temporary file next to path and renames it
// into place.
func writeFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if err = tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
