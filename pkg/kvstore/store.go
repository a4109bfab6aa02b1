// Package kvstore provides durable typed state behind short string
// keys. Reads are cache-first; writes go to the in-memory cache and
// then to disk via an atomic temp-sibling write and rename, so a crash
// mid-write never leaves a partial file behind.
package kvstore

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

// tempSuffix marks in-flight writes. Orphans with this suffix are
// removed at startup.
const tempSuffix = ".tmp"

// Store is a write-through JSON key/value store. One file per key
// under the store directory. Safe for concurrent use.
type Store struct {
	dir string

	mu    sync.RWMutex
	cache map[string]map[string]any
}

// Open creates the store directory if needed, sweeps orphaned temp
// files from prior crashes, and returns a ready store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	s := &Store{dir: dir, cache: make(map[string]map[string]any)}
	s.sweepOrphans()
	return s, nil
}

// sweepOrphans removes *.tmp siblings left by a crash between the temp
// write and the rename.
func (s *Store) sweepOrphans() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		slog.Warn("Could not scan state dir for orphaned temp files", "dir", s.dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), tempSuffix) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("Could not remove orphaned temp file", "path", path, "error", err)
			continue
		}
		slog.Info("Removed orphaned temp file", "path", path)
	}
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Get returns the value stored under key, or nil when absent.
// The first touch of a key loads it from disk into the cache.
func (s *Store) Get(key string) (map[string]any, error) {
	s.mu.RLock()
	if v, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return cloneMap(v), nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under the write lock — another goroutine may have
	// loaded the key while we upgraded.
	if v, ok := s.cache[key]; ok {
		return cloneMap(v), nil
	}

	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	s.cache[key] = v
	return cloneMap(v), nil
}

// Set shallow-merges partial into the stored value and stamps
// updatedAt. The cache write always succeeds; a disk failure is
// returned after the cache is updated so callers can decide whether
// the loss of durability is fatal.
func (s *Store) Set(key string, partial map[string]any) error {
	s.mu.Lock()
	cur, ok := s.cache[key]
	if !ok {
		cur = s.loadLocked(key)
	}
	merged := cloneMap(cur)
	if merged == nil {
		merged = make(map[string]any, len(partial)+1)
	}
	for k, v := range partial {
		merged[k] = v
	}
	merged["updatedAt"] = time.Now().UTC().Format(time.RFC3339Nano)
	s.cache[key] = merged
	snapshot := cloneMap(merged)
	s.mu.Unlock()

	return s.flush(key, snapshot)
}

// UpdateField sets a single field of the stored value.
func (s *Store) UpdateField(key, field string, value any) error {
	return s.Set(key, map[string]any{field: value})
}

// Increment adds by to a numeric field (creating it at zero) and
// returns the new value.
func (s *Store) Increment(key, field string, by float64) (float64, error) {
	s.mu.Lock()
	cur, ok := s.cache[key]
	if !ok {
		cur = s.loadLocked(key)
	}
	merged := cloneMap(cur)
	if merged == nil {
		merged = make(map[string]any, 2)
	}
	n := toFloat(merged[field]) + by
	merged[field] = n
	merged["updatedAt"] = time.Now().UTC().Format(time.RFC3339Nano)
	s.cache[key] = merged
	snapshot := cloneMap(merged)
	s.mu.Unlock()

	return n, s.flush(key, snapshot)
}

// LoadJSON decodes the value under key into out (a struct pointer).
// Returns false when the key is absent.
func (s *Store) LoadJSON(key string, out any) (bool, error) {
	v, err := s.Get(key)
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("failed to re-encode %q: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}

// SaveJSON replaces the value under key with the JSON form of v.
func (s *Store) SaveJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to decode %q for storage: %w", key, err)
	}
	m["updatedAt"] = time.Now().UTC().Format(time.RFC3339Nano)

	s.mu.Lock()
	s.cache[key] = m
	snapshot := cloneMap(m)
	s.mu.Unlock()

	return s.flush(key, snapshot)
}

// loadLocked reads a key from disk without touching the cache.
// Caller holds s.mu.
func (s *Store) loadLocked(key string) map[string]any {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		slog.Warn("Corrupt state file ignored", "key", key, "error", err)
		return nil
	}
	return v
}

// flush writes the value atomically: marshal, write a temp sibling,
// fsync, rename over the target.
func (s *Store) flush(key string, v map[string]any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	target := s.path(key)
	tmp, err := os.CreateTemp(s.dir, key+"-*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("failed to create temp file for %q: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file for %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file for %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %q: %w", key, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %q: %w", key, err)
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
