package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	identityFileMode = 0o600
	identityDirMode  = 0o700
	tempFilePattern  = ".identity-*.toml.tmp"

	// DefaultIdentityTTL matches the server's idle expiry; an older identity
	// points at a room that is gone.
	DefaultIdentityTTL = 24 * time.Hour
)

var ErrNoIdentity = errors.New("no saved session identity")

// Identity is the minimum needed to get back into a room after a
// reconnect. A DM keeps the key; a player keeps the display name.
type Identity struct {
	RoomCode   string    `toml:"room_code"`
	IsDM       bool      `toml:"is_dm"`
	DMKey      string    `toml:"dm_key,omitempty"`
	PlayerName string    `toml:"player_name,omitempty"`
	SavedAt    time.Time `toml:"saved_at"`
}

type identityFile struct {
	Version int      `toml:"version"`
	Session Identity `toml:"session"`
}

const identityVersion = 1

// IdentityStore keeps one Identity in a TOML file, replaced atomically.
type IdentityStore struct {
	path string
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

func NewIdentityStore(path string, ttl time.Duration) *IdentityStore {
	if ttl <= 0 {
		ttl = DefaultIdentityTTL
	}
	return &IdentityStore{path: filepath.Clean(path), ttl: ttl, now: time.Now}
}

func (s *IdentityStore) Path() string { return s.path }

func (s *IdentityStore) Save(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id.SavedAt.IsZero() {
		id.SavedAt = s.now().UTC()
	}
	return s.write(identityFile{Version: identityVersion, Session: id})
}

// Load returns the saved identity. A missing or expired identity is
// ErrNoIdentity; an expired file is removed.
func (s *IdentityStore) Load() (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Identity{}, ErrNoIdentity
		}
		return Identity{}, fmt.Errorf("read identity file: %w", err)
	}

	var file identityFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return Identity{}, fmt.Errorf("decode identity file: %w", err)
	}
	if file.Version != identityVersion {
		return Identity{}, fmt.Errorf("identity file version %d is not supported", file.Version)
	}
	if file.Session.RoomCode == "" || s.now().Sub(file.Session.SavedAt) > s.ttl {
		if err := s.remove(); err != nil {
			return Identity{}, err
		}
		return Identity{}, ErrNoIdentity
	}
	return file.Session, nil
}

func (s *IdentityStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove()
}

func (s *IdentityStore) remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove identity file: %w", err)
	}
	return nil
}

func (s *IdentityStore) write(file identityFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), identityDirMode); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode identity file: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(s.path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp identity file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp identity file: %w", err)
	}
	if err := tempFile.Chmod(identityFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp identity file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp identity file: %w", err)
	}
	if err := os.Rename(tempName, s.path); err != nil {
		return fmt.Errorf("replace identity file: %w", err)
	}

	cleanup = false
	return nil
}
