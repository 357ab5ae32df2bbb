package flow

import (
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/dshills/agentflow-go/flow/provider"
)

// Status is the lifecycle state of a node within a run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// conversation is the shared chat history of a run. It has its own lock so
// a sub-workflow sharing its parent's session can append concurrently with
// the parent's bookkeeping.
type conversation struct {
	mu   sync.Mutex
	msgs []provider.Message
}

func newConversation() *conversation {
	return &conversation{}
}

// Append adds messages to the end of the history.
func (c *conversation) Append(msgs ...provider.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msgs...)
}

// Snapshot returns a copy of the current history.
func (c *conversation) Snapshot() []provider.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]provider.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// Last returns the most recent message and whether one exists.
func (c *conversation) Last() (provider.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return provider.Message{}, false
	}
	return c.msgs[len(c.msgs)-1], true
}

// Replace swaps the entire history, used by compaction.
func (c *conversation) Replace(msgs []provider.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = msgs
}

// Len returns the number of messages.
func (c *conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// runState is the mutable state of one run. The scheduler owns it
// exclusively; handlers observe it through the ExecutionContext façade.
// Sub-workflow runs get a fresh runState, optionally sharing sessionID and
// history with the parent.
type runState struct {
	mu sync.RWMutex

	runID     string
	sessionID string
	depth     int

	outputs  map[string]string
	statuses map[string]Status
	chain    []string
	counts   map[string]int
	metadata map[string]map[string]interface{}
	usage    provider.Usage
	steps    int

	history *conversation
}

// newRunState creates run state with a fresh ULID run id. An empty sessionID
// gets a generated UUID so memory scoping always has a key.
func newRunState(sessionID string) *runState {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &runState{
		runID:     ulid.Make().String(),
		sessionID: sessionID,
		outputs:   make(map[string]string),
		statuses:  make(map[string]Status),
		counts:    make(map[string]int),
		metadata:  make(map[string]map[string]interface{}),
		history:   newConversation(),
	}
}

// markIdle records a node as pending if it has no status yet. It returns
// true when the status changed, so the caller can emit exactly one idle
// transition per node.
func (s *runState) markIdle(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.statuses[nodeID]; ok {
		return false
	}
	s.statuses[nodeID] = StatusIdle
	return true
}

// setStatus transitions a node's lifecycle state.
func (s *runState) setStatus(nodeID string, st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[nodeID] = st
}

// incrementCount bumps the per-node execution counter and returns the new
// value. The scheduler trips the circuit breaker when it exceeds the cap.
func (s *runState) incrementCount(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[nodeID]++
	return s.counts[nodeID]
}

// nextStep advances and returns the dispatch counter used in events.
func (s *runState) nextStep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps++
	return s.steps
}

// recordOutput stores a node's final output and appends it to the executed
// chain. Outputs are written exactly once per completion.
func (s *runState) recordOutput(nodeID, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[nodeID] = output
	s.chain = append(s.chain, nodeID)
}

// setOutput stores an auxiliary output, such as a parallel branch result
// under its composite "{nodeId}:{branchId}" key, without touching the chain.
func (s *runState) setOutput(key, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[key] = output
}

// output returns the recorded output for a node id or composite key.
func (s *runState) output(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outputs[key]
	return out, ok
}

// recordMetadata attaches handler metadata (route selection, iteration
// counts) to a node id.
func (s *runState) recordMetadata(nodeID string, md map[string]interface{}) {
	if len(md) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[nodeID] = md
}

// addUsage accumulates token usage from one LLM call.
func (s *runState) addUsage(u provider.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.Add(u)
}

func (s *runState) outputsSnapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.outputs))
	for k, v := range s.outputs {
		out[k] = v
	}
	return out
}

func (s *runState) statusesSnapshot() map[string]Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Status, len(s.statuses))
	for k, v := range s.statuses {
		out[k] = v
	}
	return out
}

func (s *runState) chainSnapshot() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.chain))
	copy(out, s.chain)
	return out
}

func (s *runState) countsSnapshot() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

func (s *runState) metadataSnapshot() map[string]map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]interface{}, len(s.metadata))
	for k, v := range s.metadata {
		inner := make(map[string]interface{}, len(v))
		for mk, mv := range v {
			inner[mk] = mv
		}
		out[k] = inner
	}
	return out
}

func (s *runState) usageSnapshot() provider.Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage
}
