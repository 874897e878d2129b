package fleamart

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Session state
// ============================================================================

// SessionState is the durable part of a session: token, absolute expiry and
// the serialized profile. All three are cleared together on logout.
type SessionState struct {
	Token     string       `toml:"token"`
	ExpiresAt int64        `toml:"expires_at,omitempty"` // unix millis, 0 = unknown
	User      *UserProfile `toml:"user,omitempty"`
}

// SessionStore persists SessionState across process restarts.
type SessionStore interface {
	Load() (SessionState, error)
	Save(SessionState) error
	Clear() error
}

// Session holds the current access token, its expiry estimate and the cached
// user profile. It performs no network calls; the renewal coordinator is
// notified through the onToken hook when the token changes.
type Session struct {
	mu    sync.Mutex
	store SessionStore

	token     string
	expiresAt time.Time // zero = no estimate
	user      *UserProfile

	// onToken is invoked after a token replacement, with the new expiry
	// (zero when cleared). Set once by the client before any use.
	onToken func(expiresAt time.Time)
}

// newSession restores persisted state from the store.
func newSession(store SessionStore) (*Session, error) {
	s := &Session{store: store}
	state, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	s.token = state.Token
	if state.ExpiresAt > 0 {
		s.expiresAt = time.UnixMilli(state.ExpiresAt)
	}
	s.user = state.User
	return s, nil
}

// SetToken replaces the token and its expiry atomically, persists both and
// reschedules proactive renewal. Pass expiresIn <= 0 when the lifetime is
// unknown.
func (s *Session) SetToken(token string, expiresIn time.Duration) {
	s.mu.Lock()
	s.token = token
	if expiresIn > 0 {
		s.expiresAt = time.Now().Add(expiresIn)
	} else {
		s.expiresAt = time.Time{}
	}
	expiresAt := s.expiresAt
	s.persistLocked()
	hook := s.onToken
	s.mu.Unlock()

	if hook != nil {
		hook(expiresAt)
	}
}

// SetUser caches the profile and persists it alongside the token.
func (s *Session) SetUser(user *UserProfile) {
	s.mu.Lock()
	s.user = user
	s.persistLocked()
	s.mu.Unlock()
}

// Clear wipes token, expiry and profile, removes the persisted state and
// cancels any pending renewal. Calling it while already logged out is a no-op.
func (s *Session) Clear() {
	s.mu.Lock()
	wasEmpty := s.token == "" && s.user == nil
	s.token = ""
	s.expiresAt = time.Time{}
	s.user = nil
	hook := s.onToken
	s.mu.Unlock()

	if !wasEmpty {
		s.store.Clear()
	}
	if hook != nil {
		hook(time.Time{})
	}
}

// Token returns the current access token, or "" when logged out.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// TokenValid reports whether a token is present and not locally known to be
// expired. The gateway drops invalid tokens rather than sending them.
func (s *Session) TokenValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return false
	}
	return s.expiresAt.IsZero() || time.Now().Before(s.expiresAt)
}

// LoggedIn reports whether an access token is present.
func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != ""
}

// User returns the cached profile, or nil.
func (s *Session) User() *UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// ExpiresAt returns the absolute expiry estimate (zero when unknown).
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

func (s *Session) persistLocked() {
	state := SessionState{Token: s.token, User: s.user}
	if !s.expiresAt.IsZero() {
		state.ExpiresAt = s.expiresAt.UnixMilli()
	}
	s.store.Save(state)
}

// ============================================================================
// Stores
// ============================================================================

// MemorySessionStore keeps session state in memory. It is the default store
// and the one used by tests.
type MemorySessionStore struct {
	mu    sync.Mutex
	state SessionState
}

func NewMemorySessionStore() *MemorySessionStore { return &MemorySessionStore{} }

func (m *MemorySessionStore) Load() (SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *MemorySessionStore) Save(state SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	return nil
}

func (m *MemorySessionStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = SessionState{}
	return nil
}

// FileSessionStore persists session state as TOML under a directory,
// typically ~/.fleamart. File mode is 0600 since it holds a bearer token.
type FileSessionStore struct {
	dir string
}

// NewFileSessionStore creates the directory if needed.
func NewFileSessionStore(dir string) (*FileSessionStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".fleamart")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create session directory: %w", err)
	}
	return &FileSessionStore{dir: dir}, nil
}

func (f *FileSessionStore) path() string {
	return filepath.Join(f.dir, "session.toml")
}

func (f *FileSessionStore) Load() (SessionState, error) {
	data, err := os.ReadFile(f.path())
	if err != nil {
		if os.IsNotExist(err) {
			return SessionState{}, nil
		}
		return SessionState{}, fmt.Errorf("cannot read session file: %w", err)
	}
	var state SessionState
	if err := toml.Unmarshal(data, &state); err != nil {
		return SessionState{}, fmt.Errorf("cannot parse session file: %w", err)
	}
	return state, nil
}

func (f *FileSessionStore) Save(state SessionState) error {
	data, err := toml.Marshal(state)
	if err != nil {
		return fmt.Errorf("cannot marshal session: %w", err)
	}
	if err := os.WriteFile(f.path(), data, 0o600); err != nil {
		return fmt.Errorf("cannot write session file: %w", err)
	}
	return nil
}

func (f *FileSessionStore) Clear() error {
	err := os.Remove(f.path())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove session file: %w", err)
	}
	return nil
}
