package memory

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// getTestDSN returns the MySQL DSN for integration tests, or "" to skip.
//
// Example: TEST_MYSQL_DSN="user:pass@tcp(localhost:3306)/test_db"
func getTestDSN(t *testing.T) string {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Logf("MySQL tests skipped: Set TEST_MYSQL_DSN environment variable to run")
	}
	return dsn
}

// TestMySQLStore_RoundTrip exercises store, query, and get against a real
// MySQL server. Entries are scoped to a random session so concurrent test
// runs don't interfere, and removed afterwards.
func TestMySQLStore_RoundTrip(t *testing.T) {
	dsn := getTestDSN(t)
	if dsn == "" {
		t.Skip("Skipping MySQL tests: TEST_MYSQL_DSN not set")
	}

	ctx := context.Background()
	store, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("Failed to create MySQL store: %v", err)
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	session := "test-" + uuid.NewString()
	defer func() {
		if _, err := store.db.ExecContext(ctx, "DELETE FROM memory_entries WHERE session_id = ?", session); err != nil {
			t.Logf("cleanup failed: %v", err)
		}
	}()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := []Entry{
		{ID: uuid.NewString(), Content: "alpha entry 100% ready", Metadata: Metadata{Timestamp: base, SessionID: session, Source: "memory-node", Extra: map[string]string{"rank": "1"}}},
		{ID: uuid.NewString(), Content: "beta entry", Metadata: Metadata{Timestamp: base.Add(time.Minute), SessionID: session, Source: "memory-node"}},
		{ID: uuid.NewString(), Content: "gamma entry", Metadata: Metadata{Timestamp: base.Add(2 * time.Minute), SessionID: session, Source: "importer"}},
	}
	for _, e := range seed {
		if err := store.Store(ctx, e); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}

	t.Run("query newest first with limit", func(t *testing.T) {
		results, err := store.Query(ctx, Query{SessionID: session, Limit: 2})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("expected 2 results, got %d", len(results))
		}
		if results[0].Content != "gamma entry" || results[1].Content != "beta entry" {
			t.Errorf("expected [gamma beta], got [%s %s]", results[0].Content, results[1].Content)
		}
	})

	t.Run("text match escapes wildcards", func(t *testing.T) {
		results, err := store.Query(ctx, Query{SessionID: session, Text: "100% r"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 1 || results[0].Content != "alpha entry 100% ready" {
			t.Errorf("expected only alpha entry, got %v", ids(results))
		}
	})

	t.Run("named and extra filters", func(t *testing.T) {
		results, err := store.Query(ctx, Query{SessionID: session, Filter: map[string]string{"source": "memory-node", "rank": "1"}})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 1 || results[0].ID != seed[0].ID {
			t.Errorf("expected only the alpha entry, got %v", ids(results))
		}
	})

	t.Run("get round-trips metadata", func(t *testing.T) {
		loaded, err := store.Get(ctx, seed[0].ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !loaded.Metadata.Timestamp.Equal(base) {
			t.Errorf("expected timestamp %v, got %v", base, loaded.Metadata.Timestamp)
		}
		if loaded.Metadata.Extra["rank"] != "1" {
			t.Errorf("expected extra rank '1', got %q", loaded.Metadata.Extra["rank"])
		}
	})

	t.Run("get unknown ID returns ErrNotFound", func(t *testing.T) {
		_, err := store.Get(ctx, "no-such-"+uuid.NewString())
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("replace keeps one row per entry ID", func(t *testing.T) {
		updated := seed[1]
		updated.Content = "beta entry revised"
		if err := store.Store(ctx, updated); err != nil {
			t.Fatalf("Store (replace) failed: %v", err)
		}
		loaded, err := store.Get(ctx, updated.ID)
		if err != nil {
			t.Fatalf("Get after replace failed: %v", err)
		}
		if loaded.Content != "beta entry revised" {
			t.Errorf("expected replaced content, got %q", loaded.Content)
		}
	})
}

// TestMySQLStore_Close verifies operations fail after close.
func TestMySQLStore_Close(t *testing.T) {
	dsn := getTestDSN(t)
	if dsn == "" {
		t.Skip("Skipping MySQL tests: TEST_MYSQL_DSN not set")
	}

	ctx := context.Background()
	store, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("Failed to create MySQL store: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("double Close should be a no-op, got: %v", err)
	}
	if err := store.Store(ctx, Entry{Content: "late"}); err == nil {
		t.Error("expected Store on closed store to fail")
	}
}
