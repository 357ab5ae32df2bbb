package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory implementation of Adapter.
//
// It stores entries in a map guarded by a mutex. Designed for:
//   - Testing and development
//   - Single-process workflows
//   - Short-lived workflows where persistence isn't required
//
// MemStore is thread-safe and supports concurrent access.
//
// Limitations:
//   - Data is lost when the process terminates
//   - Not suitable for distributed systems
//   - Memory usage grows with the number of entries
//
// For persistence across runs, use SQLiteStore or MySQLStore.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string // entry IDs in insertion order, oldest first
}

// NewMemStore creates a new in-memory adapter.
//
// Example:
//
//	store := memory.NewMemStore()
//	engine := flow.New(provider, flow.WithMemory(store))
func NewMemStore() *MemStore {
	return &MemStore{
		entries: make(map[string]Entry),
	}
}

// Store persists an entry (implements Adapter).
//
// Assigns a UUID when the entry has no ID and the current time when the
// timestamp is zero. Storing an entry with an existing ID replaces it
// without changing its position in insertion order.
func (m *MemStore) Store(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	normalizeEntry(&entry)

	if _, exists := m.entries[entry.ID]; !exists {
		m.order = append(m.order, entry.ID)
	}
	m.entries[entry.ID] = entry

	return nil
}

// Query returns entries matching q, newest first (implements Adapter).
func (m *MemStore) Query(_ context.Context, q Query) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Walk insertion order newest-first so the stable sort below breaks
	// timestamp ties in favor of the most recently stored entry.
	results := make([]Entry, 0)
	for i := len(m.order) - 1; i >= 0; i-- {
		entry := m.entries[m.order[i]]
		if matches(entry, q) {
			results = append(results, entry)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Metadata.Timestamp.After(results[j].Metadata.Timestamp)
	})

	if q.Limit > 0 && q.Limit < len(results) {
		results = results[:q.Limit]
	}

	return results, nil
}

// Get retrieves an entry by ID (implements Adapter).
//
// Returns ErrNotFound if the ID does not exist.
func (m *MemStore) Get(_ context.Context, id string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.entries[id]
	if !exists {
		return Entry{}, ErrNotFound
	}

	return entry, nil
}

// Len returns the number of stored entries.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// normalizeEntry fills in the ID and timestamp the caller left unset.
func normalizeEntry(entry *Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Metadata.Timestamp.IsZero() {
		entry.Metadata.Timestamp = time.Now().UTC()
	}
}
