package agentlink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// storedSession is the on-disk shape: two entries, the token and its absolute
// expiry in epoch milliseconds.
type storedSession struct {
	Token     string `yaml:"session_token"`
	ExpiresAt int64  `yaml:"session_expires_at"`
}

// FileSessionStore implements SessionStore using a YAML file
type FileSessionStore struct {
	path string
	mu   sync.Mutex
}

// NewFileSessionStore creates a file backed store. The parent directory is
// created on first Save.
func NewFileSessionStore(path string) *FileSessionStore {
	return &FileSessionStore{path: path}
}

// Path returns the backing file location
func (f *FileSessionStore) Path() string {
	return f.path
}

// Save writes the session with owner-only permissions
func (f *FileSessionStore) Save(session Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := yaml.Marshal(storedSession{
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Load reads the session file. A missing file is not an error.
func (f *FileSessionStore) Load() (Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("failed to read session file: %w", err)
	}

	var stored storedSession
	if err := yaml.Unmarshal(data, &stored); err != nil {
		return Session{}, false, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if stored.Token == "" {
		return Session{}, false, nil
	}

	return Session{
		Token:     stored.Token,
		ExpiresAt: time.UnixMilli(stored.ExpiresAt),
	}, true, nil
}

// Delete removes the session file
func (f *FileSessionStore) Delete() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // Already deleted
		}
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

// MemorySessionStore keeps the session for the process lifetime only
type MemorySessionStore struct {
	mu      sync.Mutex
	session Session
	ok      bool
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{}
}

func (m *MemorySessionStore) Load() (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, m.ok, nil
}

func (m *MemorySessionStore) Save(session Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session, m.ok = session, true
	return nil
}

func (m *MemorySessionStore) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session, m.ok = Session{}, false
	return nil
}
