package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// LogEmitter writes events to an io.Writer, one line per event.
//
// In text mode lines look like:
//
//	[node completed] run=01J9... step=3 node=agent-1 kind=agent output_len=42
//
// In JSON mode each line is a standalone JSON document (JSONL), suitable for
// ingestion by log shippers.
//
// LogEmitter is safe for concurrent use. Write errors are ignored; an
// emitter must never fail the run it observes.
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to w. When jsonMode is true
// events are encoded as JSONL instead of the human-readable text form.
func NewLogEmitter(w io.Writer, jsonMode bool) *LogEmitter {
	return &LogEmitter{writer: w, jsonMode: jsonMode}
}

// Emit writes the event as a single line.
func (l *LogEmitter) Emit(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		_, _ = l.writer.Write(append(data, '\n'))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] run=%s step=%d", e.Msg, e.RunID, e.Step)
	if e.NodeID != "" {
		fmt.Fprintf(&b, " node=%s", e.NodeID)
	}
	// Sort meta keys so output is stable across runs.
	keys := make([]string, 0, len(e.Meta))
	for k := range e.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Meta[k])
	}
	b.WriteByte('\n')
	_, _ = io.WriteString(l.writer, b.String())
}
