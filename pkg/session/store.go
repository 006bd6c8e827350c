package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNoSession is returned by stores that hold nothing yet.
var ErrNoSession = errors.New("no stored session")

// Store persists a session between restarts.
type Store interface {
	Load() (*Session, error)
	Save(*Session) error
	Clear() error
}

// MemoryStore keeps the session in process memory only.
type MemoryStore struct {
	mu sync.Mutex
	s  *Session
}

func (m *MemoryStore) Load() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil {
		return nil, ErrNoSession
	}
	cp := *m.s
	return &cp, nil
}

func (m *MemoryStore) Save(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == nil {
		m.s = nil
		return nil
	}
	cp := *s
	m.s = &cp
	return nil
}

func (m *MemoryStore) Clear() error {
	return m.Save(nil)
}

// FileStore writes the session as JSON with 0600 permissions. Writes go to a
// temp file first and are renamed into place.
type FileStore struct {
	Path string
	mu   sync.Mutex
}

func (f *FileStore) Load() (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if !s.Valid() {
		return nil, ErrNoSession
	}
	return &s, nil
}

func (f *FileStore) Save(s *Session) error {
	if s == nil {
		return f.Clear()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("session dir: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// FallbackStore uses Primary until it fails once, then switches to an
// in-memory store for the rest of the process lifetime. The switch is
// logged a single time.
type FallbackStore struct {
	Primary Store
	Logf    func(string, ...any)

	mu       sync.Mutex
	degraded bool
	memory   MemoryStore
}

// NewFallbackStore wraps primary. A nil primary starts degraded.
func NewFallbackStore(primary Store, logf func(string, ...any)) *FallbackStore {
	return &FallbackStore{Primary: primary, Logf: logf, degraded: primary == nil}
}

// Degraded reports whether the store has fallen back to memory.
func (f *FallbackStore) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *FallbackStore) degrade(op string, err error) {
	f.mu.Lock()
	already := f.degraded
	f.degraded = true
	f.mu.Unlock()
	if !already && f.Logf != nil {
		f.Logf("session store %s failed, keeping sessions in memory: %v", op, err)
	}
}

func (f *FallbackStore) Load() (*Session, error) {
	if f.Degraded() {
		return f.memory.Load()
	}
	s, err := f.Primary.Load()
	if errors.Is(err, ErrNoSession) {
		return nil, err
	}
	if err != nil {
		f.degrade("load", err)
		return f.memory.Load()
	}
	_ = f.memory.Save(s)
	return s, nil
}

func (f *FallbackStore) Save(s *Session) error {
	_ = f.memory.Save(s)
	if f.Degraded() {
		return nil
	}
	if err := f.Primary.Save(s); err != nil {
		f.degrade("save", err)
	}
	return nil
}

func (f *FallbackStore) Clear() error {
	_ = f.memory.Clear()
	if f.Degraded() {
		return nil
	}
	if err := f.Primary.Clear(); err != nil {
		f.degrade("clear", err)
	}
	return nil
}
