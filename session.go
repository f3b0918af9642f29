package statuspage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Session
// ============================================================================

// Session is the credential pair plus the last selected organization.
type Session struct {
	AccessToken    string `toml:"access_token"`
	RefreshToken   string `toml:"refresh_token"`
	OrganizationID string `toml:"organization_id,omitempty"`
}

// SessionStore holds the current Session. Implementations must be safe for
// concurrent use. Load returns the zero Session when nothing is stored.
type SessionStore interface {
	Load() (Session, error)
	Save(Session) error
	Clear() error
}

// ============================================================================
// MemorySessionStore
// ============================================================================

// MemorySessionStore keeps the session in memory only.
type MemorySessionStore struct {
	mu      sync.RWMutex
	session Session
}

// NewMemorySessionStore creates a store seeded with s.
func NewMemorySessionStore(s Session) *MemorySessionStore {
	return &MemorySessionStore{session: s}
}

func (m *MemorySessionStore) Load() (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session, nil
}

func (m *MemorySessionStore) Save(s Session) error {
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
	return nil
}

func (m *MemorySessionStore) Clear() error {
	m.mu.Lock()
	m.session = Session{}
	m.mu.Unlock()
	return nil
}

// ============================================================================
// FileSessionStore
// ============================================================================

// FileSessionStore persists the session as TOML at Path with owner-only
// permissions.
type FileSessionStore struct {
	Path string
	mu   sync.Mutex
}

// NewFileSessionStore creates a store backed by path.
func NewFileSessionStore(path string) *FileSessionStore {
	return &FileSessionStore{Path: path}
}

// DefaultSessionPath returns ~/.statuspage/session.toml.
func DefaultSessionPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".statuspage", "session.toml"), nil
}

func (f *FileSessionStore) Load() (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var s Session
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return s, fmt.Errorf("failed to read session: %w", err)
	}
	if err := toml.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("failed to parse session: %w", err)
	}
	return s, nil
}

func (f *FileSessionStore) Save(s Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	data, err := toml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

func (f *FileSessionStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

// ============================================================================
// Token Inspection
// ============================================================================

// Claims is the unverified content of an access token. The server is the
// only party that verifies signatures; the client reads claims for display
// and logging.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
	TokenType string
}

// Expired reports whether the token is past its expiry at now. Tokens with no
// expiry never expire.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// TokenClaims decodes a JWT without verifying its signature.
func TokenClaims(token string) (Claims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Claims{}, fmt.Errorf("failed to parse token: %w", err)
	}

	var out Claims
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if typ, ok := claims["type"].(string); ok {
		out.TokenType = typ
	}
	return out, nil
}
