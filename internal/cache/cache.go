// Package cache persists raw openFDA payloads in a JSON file keyed by
// search term. The whole file is rewritten on every Put.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/elonfeng/drugradar/pkg/event"
)

// Store is a file-backed map of search keys to raw payloads. Concurrent
// processes sharing one file are not coordinated; the last rewrite wins.
type Store struct {
	path string

	mu      sync.RWMutex
	entries map[string]json.RawMessage
}

// Key builds the cache key for a normalized search key.
func Key(dir event.Direction, key string) string {
	return string(dir) + ":" + key
}

// Open loads the cache file at path. A missing file yields an empty cache.
func Open(path string) (*Store, error) {
	s := &Store{path: path, entries: make(map[string]json.RawMessage)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("parse cache %s: %w", path, err)
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Get returns the cached payload for key.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

// Keys returns all cached keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Put stores value under key and rewrites the backing file. On a failed
// write the in-memory entry is restored to its previous state.
func (s *Store) Put(key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("cache put %q: value is not valid JSON", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.entries[key]
	s.entries[key] = value

	if err := s.flush(); err != nil {
		if existed {
			s.entries[key] = prev
		} else {
			delete(s.entries, key)
		}
		return err
	}
	return nil
}

func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write cache %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cache %s: %w", s.path, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace cache %s: %w", s.path, err)
	}
	return nil
}
