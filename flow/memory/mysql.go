package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Adapter.
//
// It stores memory entries in a relational database. Designed for:
//   - Production workflows requiring persistence
//   - Multiple processes sharing one memory backend
//   - Long-lived sessions that survive process restarts
//
// MySQLStore uses connection pooling for reliability.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed adapter.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/agents
//	user:password@tcp(127.0.0.1:3306)/agents?parseTime=true
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Use environment variables:
//	    dsn := os.Getenv("MYSQL_DSN")
//	    if dsn == "" {
//	        log.Fatal("MYSQL_DSN environment variable not set")
//	    }
//	    store, err := memory.NewMySQLStore(dsn)
//
// The store automatically:
//   - Creates the memory_entries table if it doesn't exist
//   - Configures connection pooling
//   - Verifies the connection with a ping
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)                  // Maximum open connections
	db.SetMaxIdleConns(5)                   // Keep idle connections for reuse
	db.SetConnMaxLifetime(5 * time.Minute)  // Max connection lifetime (prevent stale connections)
	db.SetConnMaxIdleTime(10 * time.Minute) // Max idle time before closing

	// Verify connection
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	store := &MySQLStore{
		db:     db,
		closed: false,
	}

	if err := store.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

// createTables creates the required database schema if it doesn't exist.
func (m *MySQLStore) createTables(ctx context.Context) error {
	// memory_entries table: one row per stored entry. The surrogate id
	// breaks ordering ties between entries sharing a timestamp.
	entriesTable := `
		CREATE TABLE IF NOT EXISTS memory_entries (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			entry_id VARCHAR(255) NOT NULL UNIQUE,
			content TEXT NOT NULL,
			session_id VARCHAR(255) NOT NULL DEFAULT '',
			node_id VARCHAR(255) NOT NULL DEFAULT '',
			source VARCHAR(255) NOT NULL DEFAULT '',
			extra JSON NOT NULL,
			created_at_ns BIGINT NOT NULL,
			INDEX idx_memory_session (session_id),
			INDEX idx_memory_created (created_at_ns)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`

	if _, err := m.db.ExecContext(ctx, entriesTable); err != nil {
		return fmt.Errorf("failed to create memory_entries table: %w", err)
	}

	return nil
}

// Store persists an entry (implements Adapter).
//
// Assigns a UUID and timestamp when the entry has none. Storing an entry
// with an existing ID replaces it.
//
// Thread-safe for concurrent writes.
func (m *MySQLStore) Store(ctx context.Context, entry Entry) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

	normalizeEntry(&entry)

	extraJSON, err := marshalExtra(entry.Metadata.Extra)
	if err != nil {
		return fmt.Errorf("failed to marshal extra metadata: %w", err)
	}

	query := `
		INSERT INTO memory_entries (entry_id, content, session_id, node_id, source, extra, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			content = VALUES(content),
			session_id = VALUES(session_id),
			node_id = VALUES(node_id),
			source = VALUES(source),
			extra = VALUES(extra),
			created_at_ns = VALUES(created_at_ns)
	`

	_, err = m.db.ExecContext(ctx, query,
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
// Extra-key filters are applied after scanning. MySQL's default LIKE escape
// character is backslash, matching the patterns likePattern produces.
func (m *MySQLStore) Query(ctx context.Context, q Query) ([]Entry, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

	where, args, extraFilter := buildEntryQuery(q, "LOWER(content) LIKE ?")

	query := "SELECT entry_id, content, session_id, node_id, source, extra, created_at_ns FROM memory_entries"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created_at_ns DESC, id DESC"
	if q.Limit > 0 && len(extraFilter) == 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
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
func (m *MySQLStore) Get(ctx context.Context, id string) (Entry, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return Entry{}, fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

	query := `
		SELECT entry_id, content, session_id, node_id, source, extra, created_at_ns
		FROM memory_entries
		WHERE entry_id = ?
	`

	entry, err := scanEntry(m.db.QueryRowContext(ctx, query, id))
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
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil // Double-close is a no-op
	}

	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
//
// Useful for health checks and connection validation.
func (m *MySQLStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("store is closed")
	}
	m.mu.RUnlock()

	return m.db.PingContext(ctx)
}
