// Package file implements store.Store as a single JSON object on disk. Every
// write replaces the file atomically (write to a temp file, then rename), so
// a crash leaves either the previous or the new state, never a torn file.
//
// The file store is meant for one server process; share state between
// processes with the postgres store instead.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/alfredjeanlab/conveyance/internal/store"
)

// FileName is the name of the state file inside the data directory.
const FileName = "conveyance.json"

// Store is a file-backed store.Store. The whole key space is held in memory
// and flushed on every mutation.
type Store struct {
	path string

	mu   sync.Mutex
	data map[string]string
}

var _ store.Store = (*Store)(nil)

// Open loads (or creates) the state file in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{
		path: filepath.Join(dir, FileName),
		data: make(map[string]string),
	}
	b, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(b, &s.data); err != nil {
		// A corrupt file is treated as empty state, matching how the log
		// treats a malformed value.
		slog.Warn("file store: ignoring unreadable state file", "path", s.path, "error", err)
		s.data = make(map[string]string)
	}
	return s, nil
}

// Path returns the location of the state file.
func (s *Store) Path() string { return s.path }

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return "", store.ErrKeyNotFound
	}
	return v, nil
}

func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.data[key]
	s.data[key] = value
	if err := s.flush(); err != nil {
		restore(s.data, key, prev, had)
		return err
	}
	return nil
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			removed[k] = v
			delete(s.data, k)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if err := s.flush(); err != nil {
		for k, v := range removed {
			s.data[k] = v
		}
		return err
	}
	return nil
}

func (s *Store) Update(_ context.Context, key string, fn store.UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.data[key]
	next, err := fn(prev, had)
	if err != nil {
		return err
	}
	s.data[key] = next
	if err := s.flush(); err != nil {
		restore(s.data, key, prev, had)
		return err
	}
	return nil
}

func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping checks that the data directory is still reachable.
func (s *Store) Ping(context.Context) error {
	_, err := os.Stat(filepath.Dir(s.path))
	return err
}

func (s *Store) Close() error { return nil }

// flush writes the full map to a temp file and renames it over the state
// file. Caller must hold s.mu.
func (s *Store) flush() error {
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func restore(m map[string]string, key, prev string, had bool) {
	if had {
		m[key] = prev
	} else {
		delete(m, key)
	}
}
