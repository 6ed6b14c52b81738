package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ---------------------------------------------------------------------------
// Generic JSON file store — reusable building block
// ---------------------------------------------------------------------------

// JSONStore provides generic JSON file-based persistence for any
// serializable type. It keeps an in-memory cache and persists to disk
// on every Put/Remove. Get and All return the cached pointers; a
// wrapper whose callers mutate records must hand out copies instead
// (see SessionDirectory).
type JSONStore[T any] struct {
	baseDir string
	items   map[string]*T
	mu      sync.RWMutex
}

// NewJSONStore creates a new file-backed store.
func NewJSONStore[T any](baseDir string) *JSONStore[T] {
	os.MkdirAll(baseDir, 0755)
	return &JSONStore[T]{
		baseDir: baseDir,
		items:   make(map[string]*T),
	}
}

// Load reads all JSON files from the base directory into memory.
func (s *JSONStore[T]) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.baseDir, entry.Name()))
		if err != nil {
			continue
		}

		var item T
		if err := json.Unmarshal(data, &item); err != nil {
			continue
		}

		// Use filename (without .json) as ID
		id := entry.Name()[:len(entry.Name())-5]
		s.items[id] = &item
	}

	return nil
}

// Get retrieves an item by ID.
func (s *JSONStore[T]) Get(id string) (*T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	return item, ok
}

// Put saves an item to memory and disk.
func (s *JSONStore[T]) Put(id string, item *T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[id] = item

	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	path := filepath.Join(s.baseDir, id+".json")
	return os.WriteFile(path, data, 0644)
}

// Remove deletes an item from memory and disk.
func (s *JSONStore[T]) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return false
	}

	delete(s.items, id)
	os.Remove(filepath.Join(s.baseDir, id+".json"))
	return true
}

// All returns all items.
func (s *JSONStore[T]) All() []*T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*T, 0, len(s.items))
	for _, item := range s.items {
		result = append(result, item)
	}
	return result
}

// Count returns the number of stored items.
func (s *JSONStore[T]) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
