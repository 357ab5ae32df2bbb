// Package tool defines the executable tool interface and registry used by
// agent and tool nodes.
//
// Tools give LLMs the ability to act on the world: fetch URLs, query
// databases, run calculations. A workflow carries one Registry; agent nodes
// expose registered tools to the model as function specs, and tool nodes
// invoke a single tool directly.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is the interface for executable tools that LLMs can invoke.
//
// Implementations should:
//   - Validate input parameters
//   - Respect context cancellation and timeouts
//   - Return structured output as map[string]interface{}
//   - Handle errors gracefully with clear error messages
//
// A tool that returns a map with the single key "result" holding a string
// is rendered to the model as that string; any other shape is rendered as
// JSON. See Registry.Execute.
type Tool interface {
	// Name returns the unique identifier for this tool.
	//
	// The name must be usable as an LLM function name: lowercase with
	// underscores, e.g. "search_web", "get_weather", "http_request".
	Name() string

	// Call executes the tool with the provided input and returns the result.
	//
	// The input structure matches the JSON-Schema parameters the tool
	// advertises (may be nil for parameterless tools). Implementations
	// should check ctx.Err() before expensive operations.
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Describer is implemented by tools that document themselves for the model.
//
// The description is sent to the LLM as part of the function spec; models
// pick tools largely on the strength of these descriptions.
type Describer interface {
	Description() string
}

// SchemaProvider is implemented by tools that declare JSON-Schema parameters.
//
// The schema is sent to the LLM as the function's parameter spec and is also
// used by the registry to validate arguments before the tool runs. Tools
// without a schema accept any object.
type SchemaProvider interface {
	Schema() map[string]interface{}
}

// Func adapts a plain function into a Tool with a name, description, and
// parameter schema.
//
// Example:
//
//	echo := tool.NewFunc("echo", "Returns its input.",
//	    map[string]interface{}{
//	        "type": "object",
//	        "properties": map[string]interface{}{
//	            "text": map[string]interface{}{"type": "string"},
//	        },
//	        "required": []interface{}{"text"},
//	    },
//	    func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
//	        return map[string]interface{}{"result": input["text"]}, nil
//	    },
//	)
type Func struct {
	name        string
	description string
	schema      map[string]interface{}
	fn          func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// NewFunc creates a function-backed tool.
//
// description and schema may be empty; fn must not be nil.
func NewFunc(name, description string, schema map[string]interface{}, fn func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)) *Func {
	return &Func{
		name:        name,
		description: description,
		schema:      schema,
		fn:          fn,
	}
}

// Name implements the Tool interface.
func (f *Func) Name() string { return f.name }

// Description implements the Describer interface.
func (f *Func) Description() string { return f.description }

// Schema implements the SchemaProvider interface.
func (f *Func) Schema() map[string]interface{} { return f.schema }

// Call implements the Tool interface.
func (f *Func) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if f.fn == nil {
		return nil, fmt.Errorf("tool %s has no function", f.name)
	}
	return f.fn(ctx, input)
}

// Stringify renders a tool's structured output as the string delivered back
// to the model.
//
// A map whose only key is "result" with a string value collapses to that
// string; everything else is rendered as compact JSON. Nil output renders
// as the empty object.
func Stringify(output map[string]interface{}) string {
	if len(output) == 1 {
		if s, ok := output["result"].(string); ok {
			return s
		}
	}
	if output == nil {
		return "{}"
	}
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprint(output)
	}
	return string(data)
}
