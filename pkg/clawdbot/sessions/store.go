// store.go implements the persisted session store: a keyed mapping from
// session key to the small set of per-session fields the orchestration core
// reads and writes. Entries live in one JSON file per agent; every mutation
// is an atomic read-modify-write of a single key under the store lock,
// flushed with a write-temp-then-rename so a crash never leaves a torn file.
package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Entry holds the per-session fields owned by the store. The orchestration
// core only touches a few of them; unknown fields written by other components
// survive round-trips because the file is re-read before every mutation.
type Entry struct {
	// SessionID is the opaque execution id the gateway assigned to the
	// session's current run, used to route abort signals.
	SessionID string `json:"sessionId,omitempty"`

	// SpawnedBy is the session key of the parent that spawned this session,
	// empty for root sessions. Depth resolution walks this chain.
	SpawnedBy string `json:"spawnedBy,omitempty"`

	// SpawnDepth is the recorded spawn depth (root = 0).
	SpawnDepth int `json:"spawnDepth,omitempty"`

	// AbortedLastRun marks that the session's last run was aborted.
	AbortedLastRun bool `json:"abortedLastRun,omitempty"`

	// Model and ThinkingLevel are the session's resolved overrides.
	Model         string `json:"model,omitempty"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`

	// TranscriptPath points at the session transcript on disk, if any.
	TranscriptPath string `json:"transcriptPath,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// StoreConfig locates session store files on disk.
type StoreConfig struct {
	// Dir is the directory holding per-agent store files.
	Dir string `yaml:"dir"`
}

// DefaultStoreConfig returns the default store location.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{Dir: "./sessions"}
}

// ResolveStorePath returns the store file path for one agent's sessions.
func ResolveStorePath(cfg StoreConfig, agentID string) string {
	dir := cfg.Dir
	if dir == "" {
		dir = DefaultStoreConfig().Dir
	}
	return filepath.Join(dir, strings.ToLower(agentID)+".sessions.json")
}

// Store is a single agent's session file. All operations are safe for
// concurrent use; Update is an atomic per-key read-modify-write.
type Store struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// OpenStore opens (or lazily creates on first write) the store at path.
func OpenStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger.With("component", "session-store")}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

func (s *Store) load() (map[string]Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Entry{}, nil
		}
		return nil, fmt.Errorf("read session store: %w", err)
	}
	entries := map[string]Entry{}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse session store %s: %w", s.path, err)
	}
	return entries, nil
}

func (s *Store) flush(entries map[string]Entry) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create session store dir: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session store: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Get returns the entry for key, if present.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		s.logger.Warn("session store read failed", "path", s.path, "error", err)
		return Entry{}, false
	}
	e, ok := entries[NormalizeKey(key)]
	return e, ok
}

// Update applies mutate to the entry for key (creating it if absent) and
// persists the result. The read-modify-write is atomic per key: the store
// lock is held across load, mutate, and flush.
func (s *Store) Update(key string, mutate func(*Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return err
	}
	k := NormalizeKey(key)
	e := entries[k]
	mutate(&e)
	e.UpdatedAt = time.Now()
	entries[k] = e
	return s.flush(entries)
}

// Delete removes the entry for key. Missing keys are a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return err
	}
	delete(entries, NormalizeKey(key))
	return s.flush(entries)
}

// Snapshot returns a copy of all entries.
func (s *Store) Snapshot() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		s.logger.Warn("session store read failed", "path", s.path, "error", err)
		return map[string]Entry{}
	}
	return entries
}

// Manager routes session reads and writes to the per-agent store file the
// session key belongs to, opening stores on demand.
type Manager struct {
	cfg    StoreConfig
	logger *slog.Logger
	stores map[string]*Store
	mu     sync.Mutex
}

// NewManager creates a store manager over cfg.Dir.
func NewManager(cfg StoreConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		cfg = DefaultStoreConfig()
	}
	return &Manager{cfg: cfg, logger: logger, stores: make(map[string]*Store)}
}

func (m *Manager) storeFor(key string) (*Store, error) {
	agentID := AgentIDFromKey(key)
	if agentID == "" {
		return nil, fmt.Errorf("not a canonical session key: %q", key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.stores[agentID]; ok {
		return st, nil
	}
	st := OpenStore(ResolveStorePath(m.cfg, agentID), m.logger)
	m.stores[agentID] = st
	return st, nil
}

// GetEntry returns the entry for a session key across agent stores.
func (m *Manager) GetEntry(key string) (Entry, bool) {
	st, err := m.storeFor(key)
	if err != nil {
		return Entry{}, false
	}
	return st.Get(key)
}

// UpdateEntry mutates the entry for a session key in its agent's store.
func (m *Manager) UpdateEntry(key string, mutate func(*Entry)) error {
	st, err := m.storeFor(key)
	if err != nil {
		return err
	}
	return st.Update(key, mutate)
}

// DeleteEntry removes the entry for a session key.
func (m *Manager) DeleteEntry(key string) error {
	st, err := m.storeFor(key)
	if err != nil {
		return err
	}
	return st.Delete(key)
}
