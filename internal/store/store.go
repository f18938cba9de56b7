// Package store is a small durable key/value store backed by one JSON file per
// named store. Values live in an in-memory mirror that is flushed synchronously
// on every write, so reads always reflect the most recent Set.
//
// Persistence is best effort: read errors yield an empty store and write
// errors are logged, never returned to the caller.
package store

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	path string
	data map[string]json.RawMessage
	log  *slog.Logger
}

// Open loads <dir>/<name>.json. A missing or corrupt file yields an empty store.
func Open(dir, name string) *Store {
	s := &Store{
		path: filepath.Join(dir, name+".json"),
		log:  slog.Default().With("store", name),
	}
	s.data = s.readFile()
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Get returns the raw JSON value for key.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), v...), true
}

// GetInto decodes the value for key into v. It reports false when the key is absent.
func (s *Store) GetInto(key string, v any) (bool, error) {
	raw, ok := s.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, err
	}
	return true, nil
}

// Set overwrites key and flushes to disk. The only error is a value that cannot
// be encoded; disk failures are logged and the in-memory value is kept.
func (s *Store) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[key] = raw
	s.writeFileLocked()
	s.mu.Unlock()
	return nil
}

// Has reports whether key has been set.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	_, ok := s.data[key]
	s.mu.RUnlock()
	return ok
}

// Delete removes key and flushes to disk.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	if _, ok := s.data[key]; ok {
		delete(s.data, key)
		s.writeFileLocked()
	}
	s.mu.Unlock()
}

// Keys returns the currently stored keys in no particular order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	return out
}

func (s *Store) readFile() map[string]json.RawMessage {
	data := make(map[string]json.RawMessage)
	b, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Error("read store file", "path", s.path, "error", err)
		}
		return data
	}
	if err := json.Unmarshal(b, &data); err != nil {
		s.log.Error("parse store file", "path", s.path, "error", err)
		return make(map[string]json.RawMessage)
	}
	return data
}

func (s *Store) writeFileLocked() {
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		s.log.Error("encode store file", "path", s.path, "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		s.log.Error("create store dir", "path", s.path, "error", err)
		return
	}
	if err := os.WriteFile(s.path, b, 0o600); err != nil {
		s.log.Error("write store file", "path", s.path, "error", err)
	}
}
