package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// LocalState is small key/value state kept outside the document store and
// saved as JSON.
type LocalState struct {
	path string

	mu         sync.Mutex
	persistent map[string]string
}

// OpenLocalState loads persistent state from path. An empty path keeps
// everything in memory.
func OpenLocalState(path string) (*LocalState, error) {
	s := &LocalState{
		path:       path,
		persistent: make(map[string]string),
	}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading local state: %w", err)
	}
	if err := json.Unmarshal(data, &s.persistent); err != nil {
		return nil, fmt.Errorf("parsing local state %s: %w", path, err)
	}
	return s, nil
}

func (s *LocalState) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.persistent[key]
	return v, ok
}

func (s *LocalState) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistent[key] = value
	return s.saveLocked()
}

func (s *LocalState) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.persistent, key)
	return s.saveLocked()
}

// Int returns the persistent value of key as an integer, 0 when unset.
func (s *LocalState) Int(key string) int {
	v, _ := s.Get(key)
	n, _ := strconv.Atoi(v)
	return n
}

// Incr adds one to the persistent counter key and returns the new value.
func (s *LocalState) Incr(key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := strconv.Atoi(s.persistent[key])
	n++
	s.persistent[key] = strconv.Itoa(n)
	return n, s.saveLocked()
}

// Clear drops every key not listed in keep.
func (s *LocalState) Clear(keep ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make(map[string]string, len(keep))
	for _, k := range keep {
		if v, ok := s.persistent[k]; ok {
			kept[k] = v
		}
	}
	s.persistent = kept
	return s.saveLocked()
}

func (s *LocalState) saveLocked() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	data, err := json.MarshalIndent(s.persistent, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
