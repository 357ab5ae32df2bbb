// Package memory provides persistent memory adapters for workflow runs.
//
// Memory nodes store and query text entries scoped by session. The Adapter
// interface abstracts the backing store so workflows can run against an
// in-memory map during development and a SQLite or MySQL database in
// production without changing workflow JSON.
//
// All adapters share the same semantics:
//   - Store assigns an ID and timestamp when the entry has none.
//   - Query matches case-insensitive substrings of entry content, scoped by
//     session and metadata filters, newest entries first.
//   - Get returns ErrNotFound for unknown IDs.
package memory

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entry does not exist.
//
// Use errors.Is to check for this error:
//
//	entry, err := store.Get(ctx, id)
//	if errors.Is(err, memory.ErrNotFound) {
//	    // handle missing entry
//	}
var ErrNotFound = errors.New("entry not found")

// Entry is a single unit of stored memory.
//
// Entries are written by memory nodes in store mode and retrieved by memory
// nodes in query mode. Content holds the raw text; Metadata records where the
// entry came from.
type Entry struct {
	// ID uniquely identifies the entry. Assigned by the adapter when empty.
	ID string `json:"id"`

	// Content is the stored text.
	Content string `json:"content"`

	// Metadata records provenance and scoping information.
	Metadata Metadata `json:"metadata"`
}

// Metadata describes where and when an entry was created.
type Metadata struct {
	// Timestamp is when the entry was stored. Assigned by the adapter when zero.
	Timestamp time.Time `json:"timestamp"`

	// Source names the component that wrote the entry (e.g., "memory-node").
	Source string `json:"source,omitempty"`

	// NodeID is the workflow node that wrote the entry, if any.
	NodeID string `json:"nodeId,omitempty"`

	// SessionID scopes the entry to a workflow session. Entries written
	// during a run carry the run's session ID so later runs with the same
	// session can retrieve them.
	SessionID string `json:"sessionId,omitempty"`

	// Extra holds additional string metadata not covered by the named fields.
	Extra map[string]string `json:"extra,omitempty"`
}

// Query selects entries from an adapter.
//
// All criteria are optional and combine with AND semantics. A zero Query
// matches every entry.
type Query struct {
	// Text matches entries whose content contains this substring,
	// case-insensitively. Empty matches all content.
	Text string `json:"text,omitempty"`

	// Limit caps the number of returned entries. Zero or negative means
	// no limit.
	Limit int `json:"limit,omitempty"`

	// SessionID restricts results to entries stored under this session.
	// Empty matches entries from all sessions.
	SessionID string `json:"sessionId,omitempty"`

	// Filter matches metadata fields by key. The keys "source", "nodeId",
	// and "sessionId" match the corresponding Metadata fields; any other
	// key matches Metadata.Extra.
	Filter map[string]string `json:"filter,omitempty"`
}

// Adapter is the interface memory nodes use to store and retrieve entries.
//
// Implementations must be safe for concurrent use: parallel branches may
// store and query entries simultaneously during a single run.
type Adapter interface {
	// Store persists an entry. When entry.ID is empty the adapter assigns
	// one; when entry.Metadata.Timestamp is zero the adapter assigns the
	// current time.
	Store(ctx context.Context, entry Entry) error

	// Query returns entries matching q, newest first.
	// An empty result is not an error.
	Query(ctx context.Context, q Query) ([]Entry, error)

	// Get retrieves a single entry by ID.
	// Returns ErrNotFound if the ID does not exist.
	Get(ctx context.Context, id string) (Entry, error)
}

// matches reports whether an entry satisfies a query.
//
// Shared by adapters that filter in process (MemStore always; the SQL stores
// use it for Extra filters the schema cannot express as columns).
func matches(e Entry, q Query) bool {
	if q.SessionID != "" && e.Metadata.SessionID != q.SessionID {
		return false
	}
	if q.Text != "" && !containsFold(e.Content, q.Text) {
		return false
	}
	for key, want := range q.Filter {
		if !metadataMatches(e.Metadata, key, want) {
			return false
		}
	}
	return true
}

// metadataMatches reports whether a single filter key/value matches the
// entry's metadata. Named fields take precedence over Extra.
func metadataMatches(m Metadata, key, want string) bool {
	switch key {
	case "source":
		return m.Source == want
	case "nodeId":
		return m.NodeID == want
	case "sessionId":
		return m.SessionID == want
	default:
		return m.Extra[key] == want
	}
}

// containsFold reports whether s contains substr, ignoring ASCII case.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
