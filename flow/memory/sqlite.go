package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Adapter.
//
// It stores memory entries in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process workflows
//   - Local workflows requiring persistence across runs
//   - Prototyping before migrating to MySQL
//
// SQLiteStore uses WAL mode for concurrent reads and proper transactions.
//
// Features:
//   - Single file database (e.g., "./memory.db")
//   - Auto-migration on first use
//   - WAL mode for concurrent reads
//   - Session-scoped substring queries pushed down to SQL
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a new SQLite-backed adapter.
//
// The path parameter specifies the database file location:
//   - "./memory.db" - file in current directory
//   - "/tmp/memory.db" - absolute path
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically:
//   - Creates the database file if it doesn't exist
//   - Creates the memory_entries table
//   - Enables WAL mode for concurrent reads
//   - Configures appropriate timeouts
//
// Example:
//
//	store, err := memory.NewSQLiteStore("./memory.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(1)    // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)    // Keep connection open
	db.SetConnMaxLifetime(0) // No max lifetime for SQLite

	// Enable WAL mode for better concurrency
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close() // Ignore close error when returning pragma error
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout (wait up to 5 seconds for locks)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close() // Ignore close error when returning pragma error
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		closed: false,
		path:   path,
	}

	if err := store.createTables(ctx); err != nil {
		_ = db.Close() // Ignore close error when returning table creation error
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

// createTables creates the required database schema if it doesn't exist.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	// memory_entries table: one row per stored entry. Timestamps are kept
	// as Unix nanoseconds so ORDER BY sorts chronologically.
	entriesTable := `
		CREATE TABLE IF NOT EXISTS memory_entries (
			id TEXT NOT NULL PRIMARY KEY,
			content TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			node_id TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			extra TEXT NOT NULL DEFAULT '{}',
			created_at_ns INTEGER NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, entriesTable); err != nil {
		return fmt.Errorf("failed to create memory_entries table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_memory_session ON memory_entries(session_id)"); err != nil {
		return fmt.Errorf("failed to create idx_memory_session: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_memory_created ON memory_entries(created_at_ns)"); err != nil {
		return fmt.Errorf("failed to create idx_memory_created: %w", err)
	}

	return nil
}

// Store persists an entry (implements Adapter).
//
// Assigns a UUID and timestamp when the entry has none. Storing an entry
// with an existing ID replaces it.
//
// Thread-safe for concurrent writes.
func (s *SQLiteStore) Store(ctx context.Context, entry Entry) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	normalizeEntry(&entry)

	extraJSON, err := marshalExtra(entry.Metadata.Extra)
	if err != nil {
		return fmt.Errorf("failed to marshal extra metadata: %w", err)
	}

	query := `
		INSERT INTO memory_entries (id, content, session_id, node_id, source, extra, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			session_id = excluded.session_id,
			node_id = excluded.node_id,
			source = excluded.source,
			extra = excluded.extra,
			created_at_ns = excluded.created_at_ns
	`

	_, err = s.db.ExecContext(ctx, query,
		entry.ID,
		entry.Content,
		entry.Metadata.SessionID,
		entry.Metadata.NodeID,
		entry.Metadata.Source,
		extraJSON,
		entry.Metadata.Timestamp.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to store entry: %w", err)
	}

	return nil
}

// Query returns entries matching q, newest first (implements Adapter).
//
// Session, source, node, and substring criteria are pushed down to SQL;
// Extra-key filters are applied after scanning because the schema stores
// extra metadata as an opaque JSON column.
func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]Entry, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	where, args, extraFilter := buildEntryQuery(q, "LOWER(content) LIKE ? ESCAPE '\\'")

	query := "SELECT id, content, session_id, node_id, source, extra, created_at_ns FROM memory_entries"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created_at_ns DESC, rowid DESC"
	if q.Limit > 0 && len(extraFilter) == 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries, err := collectEntries(rows, q, extraFilter)
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Get retrieves an entry by ID (implements Adapter).
//
// Returns ErrNotFound if the ID does not exist.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Entry, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return Entry{}, fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	query := `
		SELECT id, content, session_id, node_id, source, extra, created_at_ns
		FROM memory_entries
		WHERE id = ?
	`

	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to load entry: %w", err)
	}

	return entry, nil
}

// Close closes the database connection.
//
// After Close, all operations will return an error.
// Calling Close multiple times is safe (subsequent calls are no-ops).
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil // Double-close is a no-op
	}

	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	s.mu.RUnlock()

	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanEntry.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// buildEntryQuery translates a Query into a WHERE clause, its arguments, and
// the residual Extra-key filters that must be applied after scanning.
//
// likeClause is the dialect-specific substring predicate; it must consume
// exactly one argument (the LIKE pattern).
func buildEntryQuery(q Query, likeClause string) (where string, args []interface{}, extraFilter map[string]string) {
	var clauses []string

	if q.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.Text != "" {
		clauses = append(clauses, likeClause)
		args = append(args, likePattern(q.Text))
	}

	for key, want := range q.Filter {
		switch key {
		case "source":
			clauses = append(clauses, "source = ?")
			args = append(args, want)
		case "nodeId":
			clauses = append(clauses, "node_id = ?")
			args = append(args, want)
		case "sessionId":
			clauses = append(clauses, "session_id = ?")
			args = append(args, want)
		default:
			if extraFilter == nil {
				extraFilter = make(map[string]string)
			}
			extraFilter[key] = want
		}
	}

	return strings.Join(clauses, " AND "), args, extraFilter
}

// likePattern builds a case-folded substring LIKE pattern, escaping the
// wildcard characters so user text matches literally.
func likePattern(text string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(strings.ToLower(text))
	return "%" + escaped + "%"
}

// collectEntries scans all rows, applies residual Extra filters, and trims
// to the query limit.
func collectEntries(rows *sql.Rows, q Query, extraFilter map[string]string) ([]Entry, error) {
	entries := make([]Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry row: %w", err)
		}

		keep := true
		for key, want := range extraFilter {
			if entry.Metadata.Extra[key] != want {
				keep = false
				break
			}
		}
		if !keep {
			continue
		}

		entries = append(entries, entry)
		if q.Limit > 0 && len(entries) == q.Limit {
			break
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entry rows: %w", err)
	}

	return entries, nil
}

// scanEntry reads one memory_entries row into an Entry.
func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry     Entry
		extraJSON string
		createdNS int64
	)

	err := row.Scan(
		&entry.ID,
		&entry.Content,
		&entry.Metadata.SessionID,
		&entry.Metadata.NodeID,
		&entry.Metadata.Source,
		&extraJSON,
		&createdNS,
	)
	if err != nil {
		return Entry{}, err
	}

	entry.Metadata.Timestamp = time.Unix(0, createdNS).UTC()

	extra, err := unmarshalExtra(extraJSON)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to unmarshal extra metadata: %w", err)
	}
	entry.Metadata.Extra = extra

	return entry, nil
}

// marshalExtra serializes extra metadata, mapping nil to the empty object so
// the column is never NULL.
func marshalExtra(extra map[string]string) (string, error) {
	if len(extra) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalExtra deserializes extra metadata, mapping the empty object back
// to nil so stored entries round-trip exactly.
func unmarshalExtra(extraJSON string) (map[string]string, error) {
	if extraJSON == "" || extraJSON == "{}" {
		return nil, nil
	}
	var extra map[string]string
	if err := json.Unmarshal([]byte(extraJSON), &extra); err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return nil, nil
	}
	return extra, nil
}
