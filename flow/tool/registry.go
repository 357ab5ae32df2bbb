package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dshills/agentflow-go/flow/provider"
)

// Registry holds the tools available to a workflow.
//
// Agent nodes read the registry to build function specs for the model; tool
// nodes and the agent tool loop call Execute to run a tool by name. The
// registry compiles each tool's JSON-Schema parameters once at registration
// and validates arguments against it on every call.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool to the registry.
//
// Returns an error when the name is empty, already registered, or the tool's
// parameter schema does not compile. Schema compilation failures surface
// here rather than at call time so misconfigured tools fail fast.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool has no name")
	}

	var schema *jsonschema.Schema
	if sp, ok := t.(SchemaProvider); ok && sp.Schema() != nil {
		compiled, err := compileSchema(sp.Schema())
		if err != nil {
			return fmt.Errorf("tool %s schema: %w", name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	if schema != nil {
		r.schemas[name] = schema
	}

	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Specs builds provider function specs for the named tools.
//
// Unknown names are skipped. Passing no names returns specs for every
// registered tool, sorted by name. Tools without a schema advertise an
// empty object schema so providers always receive valid parameters.
func (r *Registry) Specs(names ...string) []provider.ToolSpec {
	if len(names) == 0 {
		names = r.Names()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]provider.ToolSpec, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}

		spec := provider.ToolSpec{Name: name}
		if d, ok := t.(Describer); ok {
			spec.Description = d.Description()
		}
		if sp, ok := t.(SchemaProvider); ok && sp.Schema() != nil {
			spec.Parameters = sp.Schema()
		} else {
			spec.Parameters = map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			}
		}
		specs = append(specs, spec)
	}

	return specs
}

// Execute runs a tool by name and renders its output as a string.
//
// Arguments are validated against the tool's compiled schema before the tool
// runs; validation failures return an error without invoking the tool. The
// returned string is what gets delivered back to the model as the tool
// result (see Stringify).
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}

	if args == nil {
		args = map[string]interface{}{}
	}

	if schema != nil {
		if err := schema.Validate(normalizeForSchema(args)); err != nil {
			return "", fmt.Errorf("tool %s arguments invalid: %w", name, err)
		}
	}

	output, err := t.Call(ctx, args)
	if err != nil {
		return "", err
	}

	return Stringify(output), nil
}

// compileSchema compiles JSON-Schema parameters for argument validation.
func compileSchema(params map[string]interface{}) (*jsonschema.Schema, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(data))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// normalizeForSchema round-trips args through JSON so validation sees the
// same value shapes the schema library expects (e.g. float64 for numbers
// regardless of how the caller built the map).
func normalizeForSchema(args map[string]interface{}) interface{} {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var normalized interface{}
	if err := json.Unmarshal(data, &normalized); err != nil {
		return args
	}
	return normalized
}
