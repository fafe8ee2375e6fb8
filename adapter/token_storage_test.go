package agentlink

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestFileSessionStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.yaml")
	store := NewFileSessionStore(path)
	assert.Equal(t, path, store.Path())

	expires := time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.UTC)
	require.NoError(t, store.Save(Session{Token: "sess-1", ExpiresAt: expires}))

	loaded, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sess-1", loaded.Token)
	// Stored with millisecond precision
	assert.Equal(t, expires.Truncate(time.Millisecond).UnixMilli(), loaded.ExpiresAt.UnixMilli())
	assert.True(t, loaded.ExpiresAt.Equal(expires.Truncate(time.Millisecond)))
}

func TestFileSessionStore_FileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	store := NewFileSessionStore(path)

	expires := time.UnixMilli(1767225600000)
	require.NoError(t, store.Save(Session{Token: "sess-abc", ExpiresAt: expires}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(data, &raw))
	assert.Len(t, raw, 2)
	assert.Equal(t, "sess-abc", raw["session_token"])
	assert.Equal(t, 1767225600000, raw["session_expires_at"])

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}
}

func TestFileSessionStore_MissingFile(t *testing.T) {
	store := NewFileSessionStore(filepath.Join(t.TempDir(), "absent.yaml"))

	_, ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Delete())
	require.NoError(t, store.Delete())
}

func TestFileSessionStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session_token: [unclosed"), 0600))

	_, _, err := NewFileSessionStore(path).Load()
	assert.Error(t, err)
}

func TestFileSessionStore_Delete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	store := NewFileSessionStore(path)
	require.NoError(t, store.Save(Session{Token: "sess-1", ExpiresAt: time.Now().Add(time.Hour)}))

	require.NoError(t, store.Delete())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestMemorySessionStore(t *testing.T) {
	store := NewMemorySessionStore()

	_, ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	session := Session{Token: "sess-1", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, store.Save(session))
	loaded, ok, _ := store.Load()
	assert.True(t, ok)
	assert.Equal(t, session, loaded)

	require.NoError(t, store.Delete())
	_, ok, _ = store.Load()
	assert.False(t, ok)
}

func TestSession_Valid(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, Session{Token: "t", ExpiresAt: now.Add(time.Second)}.Valid(now))
	assert.False(t, Session{Token: "t", ExpiresAt: now}.Valid(now))
	assert.False(t, Session{Token: "", ExpiresAt: now.Add(time.Hour)}.Valid(now))
}
