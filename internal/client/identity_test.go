package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIdentityStore(t *testing.T, now time.Time) *IdentityStore {
	t.Helper()
	s := NewIdentityStore(filepath.Join(t.TempDir(), "state", "identity.toml"), time.Hour)
	s.now = func() time.Time { return now }
	return s
}

func TestIdentityStore_RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	s := newTestIdentityStore(t, now)

	require.NoError(t, s.Save(Identity{RoomCode: "ABCD2345", IsDM: true, DMKey: "secret"}))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "ABCD2345", got.RoomCode)
	assert.True(t, got.IsDM)
	assert.Equal(t, "secret", got.DMKey)
	assert.True(t, now.Equal(got.SavedAt))

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(identityFileMode), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files left behind")
}

func TestIdentityStore_Missing(t *testing.T) {
	s := newTestIdentityStore(t, time.Now())
	_, err := s.Load()
	assert.ErrorIs(t, err, ErrNoIdentity)
	assert.NoError(t, s.Clear())
}

func TestIdentityStore_ExpiredIsRemoved(t *testing.T) {
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	s := newTestIdentityStore(t, now)
	require.NoError(t, s.Save(Identity{RoomCode: "ABCD2345", PlayerName: "Aria", SavedAt: now.Add(-2 * time.Hour)}))

	_, err := s.Load()
	assert.ErrorIs(t, err, ErrNoIdentity)
	_, err = os.Stat(s.Path())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestIdentityStore_RejectsUnknownVersion(t *testing.T) {
	s := newTestIdentityStore(t, time.Now())
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), identityDirMode))
	require.NoError(t, os.WriteFile(s.Path(), []byte("version = 7\n\n[session]\nroom_code = \"ABCD2345\"\n"), identityFileMode))

	_, err := s.Load()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoIdentity)
}

func TestIdentityStore_Clear(t *testing.T) {
	s := newTestIdentityStore(t, time.Now())
	require.NoError(t, s.Save(Identity{RoomCode: "ABCD2345", PlayerName: "Aria"}))
	require.NoError(t, s.Clear())

	_, err := s.Load()
	assert.ErrorIs(t, err, ErrNoIdentity)
}
