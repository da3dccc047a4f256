package remote

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// PathStore remembers the last listed directory per endpoint
type PathStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// MemoryPathStore keeps paths for the lifetime of the process
type MemoryPathStore struct {
	mu    sync.Mutex
	paths map[string]string
}

// NewMemoryPathStore creates an empty store
func NewMemoryPathStore() *MemoryPathStore {
	return &MemoryPathStore{paths: make(map[string]string)}
}

func (s *MemoryPathStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.paths[key]
	return v, ok
}

func (s *MemoryPathStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[key] = value
	return nil
}

func (s *MemoryPathStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paths, key)
	return nil
}

// FilePathStore keeps paths in a YAML file so they survive restarts
type FilePathStore struct {
	mu   sync.Mutex
	path string
}

// NewFilePathStore creates a store backed by the file at path
func NewFilePathStore(path string) *FilePathStore {
	return &FilePathStore{path: path}
}

func (s *FilePathStore) load() (map[string]string, error) {
	paths := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return paths, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read path store: %w", err)
	}
	if err := yaml.Unmarshal(data, &paths); err != nil {
		return nil, fmt.Errorf("failed to parse path store: %w", err)
	}
	if paths == nil {
		paths = make(map[string]string)
	}
	return paths, nil
}

func (s *FilePathStore) save(paths map[string]string) error {
	data, err := yaml.Marshal(paths)
	if err != nil {
		return fmt.Errorf("failed to marshal path store: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create path store directory: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write path store: %w", err)
	}
	return nil
}

func (s *FilePathStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths, err := s.load()
	if err != nil {
		return "", false
	}
	v, ok := paths[key]
	return v, ok
}

func (s *FilePathStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths, err := s.load()
	if err != nil {
		return err
	}
	paths[key] = value
	return s.save(paths)
}

func (s *FilePathStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := paths[key]; !ok {
		return nil
	}
	delete(paths, key)
	return s.save(paths)
}
