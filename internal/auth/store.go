package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	gap "github.com/muesli/go-app-paths"
)

var (
	// ErrNoCredential means no token has been saved.
	ErrNoCredential = errors.New("not logged in")
	// ErrExpired means the saved token has passed its expiry.
	ErrExpired = errors.New("saved login has expired")
)

// DefaultExpiry is how long a saved token is kept.
const DefaultExpiry = 365 * 24 * time.Hour

// FileName is the credential file inside the user data directory.
const FileName = "auth.json"

// record is the file format. Expiry is in unix milliseconds.
type record struct {
	Token  string `json:"token"`
	Expiry int64  `json:"expiry"`
}

// DefaultPath returns the credential file path in the user data directory.
func DefaultPath() (string, error) {
	return gap.NewScope(gap.User, "vistaar").DataPath(FileName)
}

// Store persists the login token.
type Store struct {
	path   string
	expiry time.Duration
	now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
	loaded  bool
}

// NewStore returns a store backed by the file at path.
func NewStore(path string) *Store {
	return &Store{path: path, expiry: DefaultExpiry, now: time.Now}
}

// Path returns the credential file path.
func (s *Store) Path() string { return s.path }

// Save writes token with a fresh expiry.
func (s *Store) Save(token string) error {
	if token == "" {
		return errors.New("empty token")
	}
	expires := s.now().Add(s.expiry)
	data, err := json.Marshal(record{Token: token, Expiry: expires.UnixMilli()})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("could not create credential directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".auth-*")
	if err != nil {
		return fmt.Errorf("could not save credential: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("could not save credential: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not save credential: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("could not save credential: %w", err)
	}

	s.mu.Lock()
	s.token, s.expires, s.loaded = token, expires, true
	s.mu.Unlock()
	log.Debug("Saved credential", "path", s.path, "expires", expires)
	return nil
}

// Load reads the token from disk. An expired file is deleted.
func (s *Store) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (string, error) {
	s.token, s.expires, s.loaded = "", time.Time{}, true

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", fmt.Errorf("could not read credential: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil || rec.Token == "" {
		log.Warn("Discarding unreadable credential file", "path", s.path, "err", err)
		_ = os.Remove(s.path)
		return "", ErrNoCredential
	}

	expires := time.UnixMilli(rec.Expiry)
	if s.now().After(expires) {
		log.Debug("Credential expired", "expired", expires)
		_ = os.Remove(s.path)
		return "", ErrExpired
	}

	s.token, s.expires = rec.Token, expires
	return rec.Token, nil
}

// Token returns the saved token, reading the file on first use.
func (s *Store) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return s.loadLocked()
	}
	if s.token == "" {
		return "", ErrNoCredential
	}
	if s.now().After(s.expires) {
		_ = os.Remove(s.path)
		s.token = ""
		return "", ErrExpired
	}
	return s.token, nil
}

// Expires returns when the saved token expires.
func (s *Store) Expires() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expires, s.token != ""
}

// Clear deletes the saved token.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.expires, s.loaded = "", time.Time{}, true
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("could not remove credential: %w", err)
	}
	return nil
}

// Watch reloads the token whenever another process rewrites or removes the
// credential file, calling onChange with the result. It blocks until ctx is
// done.
func (s *Store) Watch(ctx context.Context, onChange func(token string, err error)) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("could not create credential directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not watch credential: %w", err)
	}
	defer w.Close() //nolint:errcheck

	// Saves replace the file by rename, so watch the directory.
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("could not watch credential: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			log.Debug("Credential file changed", "op", ev.Op)
			token, err := s.Load()
			if onChange != nil {
				onChange(token, err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("Credential watcher error", "err", err)
		}
	}
}
