package emit

import "sync"

// BufferedEmitter captures events in memory, organized by run.
//
// It is the emitter of choice for tests and post-mortem inspection: after a
// run finishes, History returns the exact sequence of lifecycle events the
// engine produced, and HistoryFilter narrows it down to a node, a message,
// or a step range.
//
// All events are held in memory until cleared. Long-lived processes with
// high event volume should prefer a streaming emitter.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // run id -> events in emission order
}

// HistoryFilter selects a subset of a run's events. Zero-value fields are
// ignored; set fields combine with AND.
type HistoryFilter struct {
	NodeID  string // match events for this node
	Msg     string // match events with this message
	MinStep *int   // inclusive lower bound on Step
	MaxStep *int   // inclusive upper bound on Step
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends the event to its run's history.
func (b *BufferedEmitter) Emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[e.RunID] = append(b.events[e.RunID], e)
}

// History returns a copy of all events recorded for runID, in emission
// order. The result is empty (never nil) when the run is unknown.
func (b *BufferedEmitter) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter returns the events for runID matching the filter, in
// emission order.
func (b *BufferedEmitter) HistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, e := range b.events[runID] {
		if matchesFilter(e, filter) {
			result = append(result, e)
		}
	}
	return result
}

// Clear removes the history for runID, or all histories when runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}

func matchesFilter(e Event, f HistoryFilter) bool {
	if f.NodeID != "" && e.NodeID != f.NodeID {
		return false
	}
	if f.Msg != "" && e.Msg != f.Msg {
		return false
	}
	if f.MinStep != nil && e.Step < *f.MinStep {
		return false
	}
	if f.MaxStep != nil && e.Step > *f.MaxStep {
		return false
	}
	return true
}
