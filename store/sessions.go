package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// ErrNotFound is returned when a session or task id is unknown.
var ErrNotFound = errors.New("not found")

// validKey guards against path traversal in session ids.
var validKey = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// SessionStore persists wizard sessions as one JSON document per id under
// a root directory. Updates to the same session are serialized by a
// per-key mutex; different sessions proceed concurrently.
type SessionStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSessionStore creates the store rooted at dir, creating it if needed.
func NewSessionStore(dir string) (*SessionStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	return &SessionStore{
		root:  dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *SessionStore) keyLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *SessionStore) path(id string) string {
	return filepath.Join(s.root, "sessions", id+".json")
}

// WorkDir returns the session's working directory, creating it on first
// use. Mesh inputs, rotated intermediates, and G-code outputs live here.
func (s *SessionStore) WorkDir(id string) (string, error) {
	if !validKey.MatchString(id) {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	dir := filepath.Join(s.root, "work", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating session work directory: %w", err)
	}
	return dir, nil
}

// Load reads a session document. Unknown ids return ErrNotFound.
func (s *SessionStore) Load(id string) (*WizardSession, error) {
	if !validKey.MatchString(id) {
		return nil, fmt.Errorf("invalid session id %q", id)
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}
	var session WizardSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("parsing session %s: %w", id, err)
	}
	return &session, nil
}

// Save writes a session document. The write goes through a temp file and
// rename so a crash never leaves a half-written document.
func (s *SessionStore) Save(session *WizardSession) error {
	if !validKey.MatchString(session.SessionID) {
		return fmt.Errorf("invalid session id %q", session.SessionID)
	}
	session.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session %s: %w", session.SessionID, err)
	}

	path := s.path(session.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing session %s: %w", session.SessionID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing session %s: %w", session.SessionID, err)
	}
	return nil
}

// Update applies fn to the stored session atomically with respect to other
// updaters of the same id. fn receives the freshly loaded document and may
// mutate it in place; returning an error aborts the write.
func (s *SessionStore) Update(id string, fn func(*WizardSession) error) error {
	if !validKey.MatchString(id) {
		return fmt.Errorf("invalid session id %q", id)
	}
	l := s.keyLock(id)
	l.Lock()
	defer l.Unlock()

	session, err := s.Load(id)
	if err != nil {
		return err
	}
	if err := fn(session); err != nil {
		return err
	}
	return s.Save(session)
}
