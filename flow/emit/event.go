// Package emit provides execution event reporting for workflow runs.
//
// The engine publishes an Event for every observable lifecycle transition:
// run start and end, node activation, completion and failure, parallel
// branch activity, HITL requests, and history compaction. Emitters consume
// these events for logging, tracing, buffering, or metrics export.
package emit

// Event represents a single observable occurrence during workflow execution.
//
// Events are emitted by the engine at each lifecycle transition and carry
// enough context to reconstruct the execution timeline: which run, which
// dispatch step, which node, and what happened.
//
// Common Msg values emitted by the engine:
//   - "run start", "run complete", "run failed", "run cancelled"
//   - "node active", "node completed", "node error"
//   - "branch start", "branch complete", "branch error"
//   - "hitl request", "hitl resolved"
//   - "history compacted"
//
// Meta carries message-specific payload such as node kind, output length,
// branch id, token usage, or error text.
type Event struct {
	// RunID identifies the workflow run this event belongs to.
	RunID string `json:"run_id"`

	// Step is the scheduler dispatch counter at the time of the event.
	// Zero for run-level events emitted before the first dispatch.
	Step int `json:"step"`

	// NodeID identifies the node the event concerns, if any.
	NodeID string `json:"node_id,omitempty"`

	// Msg names the occurrence (see the list above).
	Msg string `json:"msg"`

	// Meta holds optional message-specific fields.
	Meta map[string]interface{} `json:"meta,omitempty"`
}
