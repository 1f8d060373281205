// Package session persists conversation state between turns.
package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/sysagent/internal/provider"
)

// Session is one conversation keyed by the event source that drives it.
type Session struct {
	Key       string             `json:"key"`
	Messages  []provider.Message `json:"messages"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Manager stores sessions as JSONL files under a directory. The first line
// of each file is a metadata record; every further line is one message.
type Manager struct {
	dir   string
	cache map[string]*Session
	mu    sync.RWMutex
}

// NewManager creates a manager rooted at dir, creating it if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Manager{
		dir:   dir,
		cache: make(map[string]*Session),
	}, nil
}

// Dir returns the storage directory.
func (m *Manager) Dir() string { return m.dir }

// Load returns a copy of the stored messages for key. A missing session is
// an empty conversation, not an error.
func (m *Manager) Load(key string) ([]provider.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.get(key)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	return provider.CloneMessages(s.Messages), nil
}

// Save replaces the stored conversation for key.
func (m *Manager) Save(key string, msgs []provider.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.get(key)
	if err != nil {
		return err
	}
	now := time.Now()
	if s == nil {
		s = &Session{Key: key, CreatedAt: now}
	}
	s.Messages = provider.CloneMessages(msgs)
	s.UpdatedAt = now

	if err := m.write(s); err != nil {
		return err
	}
	m.cache[key] = s
	return nil
}

// Reset drops the conversation for key. Resetting a missing session is a
// no-op.
func (m *Manager) Reset(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.cache, key)
	if err := os.Remove(m.sessionPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session %s: %w", key, err)
	}
	return nil
}

// Info describes a stored session.
type Info struct {
	Key       string
	Messages  int
	CreatedAt time.Time
	UpdatedAt time.Time
	Path      string
}

// List returns all stored sessions ordered by key.
func (m *Manager) List() ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var out []Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		s, err := readFile(path)
		if err != nil {
			continue
		}
		out = append(out, Info{
			Key:       s.Key,
			Messages:  len(s.Messages),
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
			Path:      path,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// get returns the cached or on-disk session, or nil if none exists.
// Callers hold m.mu.
func (m *Manager) get(key string) (*Session, error) {
	if s, ok := m.cache[key]; ok {
		return s, nil
	}
	s, err := readFile(m.sessionPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.Key == "" {
		s.Key = key
	}
	m.cache[key] = s
	return s, nil
}

type metadataLine struct {
	Type      string    `json:"_type"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// write replaces the session file atomically via a temp file and rename.
func (m *Manager) write(s *Session) error {
	path := m.sessionPath(s.Key)
	tmp, err := os.CreateTemp(m.dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	if err := enc.Encode(metadataLine{Type: "metadata", Key: s.Key, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}); err != nil {
		tmp.Close()
		return fmt.Errorf("encode session metadata: %w", err)
	}
	for _, msg := range s.Messages {
		if err := enc.Encode(msg); err != nil {
			tmp.Close()
			return fmt.Errorf("encode session message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

func readFile(path string) (*Session, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	s := &Session{}
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", filepath.Base(path), err)
		}

		var meta metadataLine
		if json.Unmarshal(raw, &meta) == nil && meta.Type == "metadata" {
			s.Key = meta.Key
			s.CreatedAt = meta.CreatedAt
			s.UpdatedAt = meta.UpdatedAt
			continue
		}

		var msg provider.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode session message: %w", err)
		}
		s.Messages = append(s.Messages, msg)
	}
	return s, nil
}

func (m *Manager) sessionPath(key string) string {
	safeKey := strings.ReplaceAll(key, ":", "_")
	// Strip path separators and traversal components to prevent path injection.
	safeKey = strings.ReplaceAll(safeKey, "/", "_")
	safeKey = strings.ReplaceAll(safeKey, "\\", "_")
	safeKey = strings.ReplaceAll(safeKey, "..", "_")
	return filepath.Join(m.dir, filepath.Base(safeKey)+".jsonl")
}
