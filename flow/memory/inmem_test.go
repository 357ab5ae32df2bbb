package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// TestMemStore_StoreAndGet verifies basic store and retrieval semantics.
func TestMemStore_StoreAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	// Test 1: Store with explicit ID and retrieve it
	entry := Entry{
		ID:      "entry-001",
		Content: "the capital of France is Paris",
		Metadata: Metadata{
			Timestamp: time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
			Source:    "memory-node",
			NodeID:    "mem-1",
			SessionID: "sess-a",
		},
	}
	if err := store.Store(ctx, entry); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	loaded, err := store.Get(ctx, "entry-001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.Content != entry.Content {
		t.Errorf("expected content %q, got %q", entry.Content, loaded.Content)
	}
	if loaded.Metadata.SessionID != "sess-a" {
		t.Errorf("expected session 'sess-a', got %q", loaded.Metadata.SessionID)
	}

	// Test 2: Get on unknown ID returns ErrNotFound
	_, err = store.Get(ctx, "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown ID, got: %v", err)
	}

	// Test 3: Empty ID and zero timestamp are assigned on store
	if err := store.Store(ctx, Entry{Content: "auto"}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	results, err := store.Query(ctx, Query{Text: "auto"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].ID == "" {
		t.Error("expected assigned ID, got empty")
	}
	if results[0].Metadata.Timestamp.IsZero() {
		t.Error("expected assigned timestamp, got zero")
	}

	// Test 4: Storing with an existing ID replaces the entry
	replaced := entry
	replaced.Content = "updated content"
	if err := store.Store(ctx, replaced); err != nil {
		t.Fatalf("Store (replace) failed: %v", err)
	}
	loaded, err = store.Get(ctx, "entry-001")
	if err != nil {
		t.Fatalf("Get after replace failed: %v", err)
	}
	if loaded.Content != "updated content" {
		t.Errorf("expected replaced content, got %q", loaded.Content)
	}
	if store.Len() != 2 {
		t.Errorf("expected 2 entries after replace, got %d", store.Len())
	}
}

// TestMemStore_Query verifies filtering, ordering, and limits.
func TestMemStore_Query(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := []Entry{
		{ID: "e1", Content: "Paris is the capital of France", Metadata: Metadata{Timestamp: base, SessionID: "sess-a", Source: "memory-node", NodeID: "n1"}},
		{ID: "e2", Content: "Berlin is the capital of Germany", Metadata: Metadata{Timestamp: base.Add(time.Minute), SessionID: "sess-a", Source: "memory-node", NodeID: "n2"}},
		{ID: "e3", Content: "Tokyo is the capital of Japan", Metadata: Metadata{Timestamp: base.Add(2 * time.Minute), SessionID: "sess-b", Source: "importer", NodeID: "n1"}},
		{ID: "e4", Content: "Madrid is the CAPITAL of Spain", Metadata: Metadata{Timestamp: base.Add(3 * time.Minute), SessionID: "sess-a", Extra: map[string]string{"topic": "geography"}}},
	}
	for _, e := range seed {
		if err := store.Store(ctx, e); err != nil {
			t.Fatalf("Store %s failed: %v", e.ID, err)
		}
	}

	t.Run("empty query matches all newest first", func(t *testing.T) {
		results, err := store.Query(ctx, Query{})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		wantOrder := []string{"e4", "e3", "e2", "e1"}
		if len(results) != len(wantOrder) {
			t.Fatalf("expected %d results, got %d", len(wantOrder), len(results))
		}
		for i, want := range wantOrder {
			if results[i].ID != want {
				t.Errorf("result %d: expected %s, got %s", i, want, results[i].ID)
			}
		}
	})

	t.Run("session scoping", func(t *testing.T) {
		results, err := store.Query(ctx, Query{SessionID: "sess-b"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 1 || results[0].ID != "e3" {
			t.Fatalf("expected only e3 for sess-b, got %v", ids(results))
		}
	})

	t.Run("text match is case-insensitive substring", func(t *testing.T) {
		results, err := store.Query(ctx, Query{Text: "capital of s"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 1 || results[0].ID != "e4" {
			t.Fatalf("expected only e4, got %v", ids(results))
		}
	})

	t.Run("limit truncates after ordering", func(t *testing.T) {
		results, err := store.Query(ctx, Query{SessionID: "sess-a", Limit: 2})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("expected 2 results, got %d", len(results))
		}
		if results[0].ID != "e4" || results[1].ID != "e2" {
			t.Errorf("expected [e4 e2], got %v", ids(results))
		}
	})

	t.Run("filter on named metadata fields", func(t *testing.T) {
		results, err := store.Query(ctx, Query{Filter: map[string]string{"source": "memory-node", "nodeId": "n2"}})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 1 || results[0].ID != "e2" {
			t.Fatalf("expected only e2, got %v", ids(results))
		}
	})

	t.Run("filter on extra keys", func(t *testing.T) {
		results, err := store.Query(ctx, Query{Filter: map[string]string{"topic": "geography"}})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 1 || results[0].ID != "e4" {
			t.Fatalf("expected only e4, got %v", ids(results))
		}
	})

	t.Run("no matches is empty not error", func(t *testing.T) {
		results, err := store.Query(ctx, Query{Text: "volcano"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 0 {
			t.Errorf("expected no results, got %v", ids(results))
		}
	})
}

// TestMemStore_TimestampTies verifies insertion order breaks timestamp ties,
// most recently stored first.
func TestMemStore_TimestampTies(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		entry := Entry{
			ID:       fmt.Sprintf("tie-%d", i),
			Content:  "same moment",
			Metadata: Metadata{Timestamp: ts},
		}
		if err := store.Store(ctx, entry); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}

	results, err := store.Query(ctx, Query{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	wantOrder := []string{"tie-3", "tie-2", "tie-1"}
	for i, want := range wantOrder {
		if results[i].ID != want {
			t.Errorf("result %d: expected %s, got %s", i, want, results[i].ID)
		}
	}
}

// TestMemStore_ConcurrentAccess verifies parallel stores and queries don't race.
func TestMemStore_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				entry := Entry{
					Content:  fmt.Sprintf("writer %d item %d", n, j),
					Metadata: Metadata{SessionID: "concurrent"},
				}
				if err := store.Store(ctx, entry); err != nil {
					t.Errorf("Store failed: %v", err)
				}
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := store.Query(ctx, Query{SessionID: "concurrent", Limit: 5}); err != nil {
					t.Errorf("Query failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if store.Len() != 200 {
		t.Errorf("expected 200 entries, got %d", store.Len())
	}
}

// ids extracts entry IDs for readable failure messages.
func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}
