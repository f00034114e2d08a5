// Package credentials obtains and stores the eloverblik.dk tokens.
//
// A token comes from a chain of Sources (environment variable, stored
// file, interactive prompt). The persistence is hidden behind Store so the
// plaintext files can be swapped for an OS keyring without touching callers.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// ErrNotFound is returned by Store.Get when the key is not stored.
var ErrNotFound = errors.New("not found")

// StorageError is returned when the store cannot be read or written.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("cannot %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store is a key value persistence.
type Store interface {
	// Get returns ErrNotFound if the key is not stored.
	Get(key string) (string, error)
	// Set overwrites any previous value.
	Set(key, value string) error
	// Delete does not fail if the key is not stored.
	Delete(key string) error
}

var validKey = regexp.MustCompile(`^[a-z0-9_]+$`)

// FileStore stores each key as a plaintext file in a directory.
type FileStore struct {
	dir string
}

// DirEnv is the environment variable overriding DefaultDir.
const DirEnv = "ELOVERBLIK_CONFIG_DIR"

// DefaultDir returns $ELOVERBLIK_CONFIG_DIR, or eloverblik in the user
// configuration directory.
func DefaultDir() string {
	if d := os.Getenv(DirEnv); d != "" {
		return d
	}
	if d, err := os.UserConfigDir(); err == nil {
		return filepath.Join(d, "eloverblik")
	}
	return ".eloverblik"
}

// NewFileStore returns a store in dir. The directory is created on the first Set.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the directory where the files are stored.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.dir, key), nil
}

// Get returns the trimmed content of the file. An empty file counts as missing.
func (s *FileStore) Get(key string) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", &StorageError{Op: "read", Key: key, Err: err}
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", &StorageError{Op: "read", Key: key, Err: err}
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

// Set writes the value to a temporary file and renames it, so a
// concurrent reader sees either the old or the new value.
func (s *FileStore) Set(key, value string) error {
	p, err := s.path(key)
	if err != nil {
		return &StorageError{Op: "write", Key: key, Err: err}
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return &StorageError{Op: "write", Key: key, Err: err}
	}

	f, err := os.CreateTemp(s.dir, "."+key+".*.tmp")
	if err != nil {
		return &StorageError{Op: "write", Key: key, Err: err}
	}
	tmp := f.Name()
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		os.Remove(tmp)
		return &StorageError{Op: "write", Key: key, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &StorageError{Op: "write", Key: key, Err: err}
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		os.Remove(tmp)
		return &StorageError{Op: "write", Key: key, Err: err}
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return &StorageError{Op: "write", Key: key, Err: err}
	}
	return nil
}

// Delete removes the file.
func (s *FileStore) Delete(key string) error {
	p, err := s.path(key)
	if err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// MemoryStore is an in memory Store.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: map[string]string{}}
}

func (s *MemoryStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok || v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}
