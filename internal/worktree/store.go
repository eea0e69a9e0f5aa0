package worktree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// registrySchemaVersion guards the on-disk registry format.
const registrySchemaVersion = 1

// Store is the interface for worktree registry persistence.
type Store interface {
	Save(worktrees map[string]*Info) error
	Load() (map[string]*Info, error)
}

// FileStore persists the session→worktree map as pretty-printed JSON,
// written with atomic replace so a crash cannot corrupt the registry.
type FileStore struct {
	path string
	mu   sync.Mutex
}

type registryFile struct {
	SchemaVersion int              `json:"schemaVersion"`
	Worktrees     map[string]*Info `json:"worktrees"`
}

// NewFileStore creates a file-backed registry store.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Save writes the registry to disk.
func (s *FileStore) Save(worktrees map[string]*Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(registryFile{
		SchemaVersion: registrySchemaVersion,
		Worktrees:     worktrees,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal worktree registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".worktrees-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp registry file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close registry: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}

// Load reads the registry from disk. A missing file yields an empty map.
func (s *FileStore) Load() (map[string]*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*Info), nil
		}
		return nil, fmt.Errorf("failed to read worktree registry: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse worktree registry: %w", err)
	}
	if file.Worktrees == nil {
		file.Worktrees = make(map[string]*Info)
	}
	return file.Worktrees, nil
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu        sync.Mutex
	worktrees map[string]*Info
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{worktrees: make(map[string]*Info)}
}

// Save replaces the stored map.
func (s *MemoryStore) Save(worktrees map[string]*Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worktrees = make(map[string]*Info, len(worktrees))
	for k, v := range worktrees {
		copied := *v
		s.worktrees[k] = &copied
	}
	return nil
}

// Load returns a copy of the stored map.
func (s *MemoryStore) Load() (map[string]*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Info, len(s.worktrees))
	for k, v := range s.worktrees {
		copied := *v
		out[k] = &copied
	}
	return out, nil
}
