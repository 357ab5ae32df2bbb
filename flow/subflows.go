package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// PortType constrains the declared type of a subflow input or output port.
type PortType string

const (
	PortString PortType = "string"
	PortNumber PortType = "number"
	PortObject PortType = "object"
	PortArray  PortType = "array"
	PortAny    PortType = "any"
)

// SubflowPort declares one typed input or output of a subflow definition.
type SubflowPort struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Type     PortType `json:"type,omitempty"`
	Required bool     `json:"required,omitempty"`
	Default  string   `json:"default,omitempty"`
}

// SubflowDefinition is a named, reusable workflow with typed ports. Subflow
// nodes reference definitions by id; the first input port is the primary
// input that receives the resolved initial string.
type SubflowDefinition struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Inputs      []SubflowPort `json:"inputs,omitempty"`
	Outputs     []SubflowPort `json:"outputs,omitempty"`
	Workflow    *Workflow     `json:"workflow"`
}

// SubflowRegistry maps definition ids to definitions. It is safe for
// concurrent use; registration is expected at process setup while reads
// happen throughout runs.
type SubflowRegistry struct {
	mu   sync.RWMutex
	defs map[string]*SubflowDefinition
}

// NewSubflowRegistry creates an empty registry.
func NewSubflowRegistry() *SubflowRegistry {
	return &SubflowRegistry{defs: make(map[string]*SubflowDefinition)}
}

// Register adds a definition. The definition must carry an id and a workflow
// that passes structural validation; registering an id twice replaces the
// previous definition.
func (r *SubflowRegistry) Register(def *SubflowDefinition) error {
	if def == nil {
		return errors.New("subflow definition must not be nil")
	}
	if def.ID == "" {
		return errors.New("subflow definition must have an id")
	}
	if def.Workflow == nil {
		return fmt.Errorf("subflow %q has no workflow", def.ID)
	}
	v := &Validator{}
	if issues := v.Validate(def.Workflow); hasErrors(issues) {
		return fmt.Errorf("subflow %q is invalid: %w", def.ID, &ValidationError{Issues: issues})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
	return nil
}

// Get returns the definition for id and whether it exists.
func (r *SubflowRegistry) Get(id string) (*SubflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// Has reports whether a definition with the given id is registered.
func (r *SubflowRegistry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[id]
	return ok
}

// List returns all definitions sorted by id.
func (r *SubflowRegistry) List() []*SubflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*SubflowDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered definitions.
func (r *SubflowRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// LoadSubflow parses a JSON subflow definition document.
func LoadSubflow(data []byte) (*SubflowDefinition, error) {
	var def SubflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse subflow definition: %w", err)
	}
	return &def, nil
}
