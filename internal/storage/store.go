package storage

import (
	"errors"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/torua-audit/internal/keyrange"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// Store is the non-transactional key-value interface a shard keeps its
// user data in. All implementations must be safe for concurrent use.
type Store interface {
	// Get returns ErrKeyNotFound if the key doesn't exist
	Get(key string) ([]byte, error)

	// Put overwrites any existing value for the key
	Put(key string, value []byte) error

	// Delete is a no-op for missing keys
	Delete(key string) error

	// List returns all keys in no particular order
	List() []string

	// Scan returns the pairs with keys in r, sorted by key
	Scan(r keyrange.Range) []KeyValue

	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int `json:"keys"`  // Number of keys
	Bytes int `json:"bytes"` // Total size of all values in bytes
}

// MemoryStore implements Store with a map guarded by an RWMutex.
// Values are copied on the way in and out.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}
	return slices.Clone(value), nil
}

func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	return keys
}

func (m *MemoryStore) Scan(r keyrange.Range) []KeyValue {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []KeyValue
	for key, value := range m.data {
		if r.ContainsKey(key) {
			out = append(out, KeyValue{Key: key, Value: slices.Clone(value)})
		}
	}
	slices.SortFunc(out, func(a, b KeyValue) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return out
}

func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, value := range m.data {
		totalBytes += len(value)
	}

	return StoreStats{
		Keys:  len(m.data),
		Bytes: totalBytes,
	}
}
