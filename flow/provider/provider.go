// Package provider defines the LLM provider abstraction used by the
// workflow engine, together with shared message, tool, and usage types.
//
// A Provider turns a chat request into a completion. The engine drives
// every LLM interaction through this interface: agent calls, router
// decisions, parallel branches, while-loop condition checks, merge and
// synthesis calls. Concrete adapters live in the openai, anthropic, and
// google subpackages; MockProvider serves tests.
package provider

import "context"

// Role identifies the author of a chat message.
type Role string

const (
	// RoleSystem carries instructions and engine-injected context
	// (including tool results tagged "[Tool Result: {name}]").
	RoleSystem Role = "system"
	// RoleUser carries workflow input and attachments.
	RoleUser Role = "user"
	// RoleAssistant carries model output.
	RoleAssistant Role = "assistant"
)

// PartType identifies the kind of a multimodal content part.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartFile  PartType = "file"
)

// ContentPart is one element of a multimodal message. Exactly one of Text
// or (MediaType, Data/URL) is populated depending on Type.
type ContentPart struct {
	Type      PartType `json:"type"`
	Text      string   `json:"text,omitempty"`
	MediaType string   `json:"mediaType,omitempty"` // MIME type for image/file parts
	Data      []byte   `json:"data,omitempty"`      // inline payload
	URL       string   `json:"url,omitempty"`       // remote payload
}

// Message is a single chat turn. Content holds plain text; Parts, when
// non-empty, holds the multimodal form and takes precedence. Adapters that
// cannot transmit a part type degrade it to its text description.
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"content"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// Text returns the textual content of the message: Content when set,
// otherwise the concatenated text parts.
func (m Message) Text() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolSpec describes a function tool offered to the model. Parameters is a
// JSON-Schema document (type object) describing the arguments.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolCall is a structured function invocation requested by the model.
// Arguments is the parsed JSON argument object; adapters repair malformed
// argument payloads where possible before giving up.
type ToolCall struct {
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Usage reports token consumption for a single chat call.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Request carries everything a provider needs for one chat call.
//
// Cancellation flows through the context passed to Chat. Temperature is a
// pointer so zero (used by routers) is distinguishable from unset.
type Request struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   int
	Tools       []ToolSpec
	// ToolChoice forces the named tool when non-empty. Empty leaves the
	// choice to the model.
	ToolChoice string

	// OnToken receives content deltas in emission order. Providers that do
	// not stream deliver the full content as a single call.
	OnToken func(token string)
	// OnReasoning receives reasoning deltas. Reasoning is reported here
	// only and is never concatenated into Response.Content.
	OnReasoning func(token string)
}

// Response is the outcome of a chat call. A response carries content, tool
// calls, or both; FinishReason is the provider's native stop reason
// normalized to lower case ("stop", "tool_calls", "length", ...).
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	Usage        Usage
	FinishReason string
}

// Capabilities describes what a model accepts and produces.
type Capabilities struct {
	InputModalities     []string // "text", "image", "audio", "video", "file"
	OutputModalities    []string
	ContextLength       int
	SupportedParameters []string
}

// SupportsInput reports whether the model accepts the given input modality.
func (c Capabilities) SupportsInput(modality string) bool {
	for _, m := range c.InputModalities {
		if m == modality {
			return true
		}
	}
	return false
}

// Provider is the LLM abstraction the engine executes against.
//
// Implementations must be safe for concurrent use: parallel branches issue
// chat calls from multiple goroutines against the same Provider.
type Provider interface {
	// Chat performs one model call. It honors ctx cancellation promptly and
	// invokes req.OnToken/req.OnReasoning (when set) before returning.
	Chat(ctx context.Context, req Request) (*Response, error)

	// Capabilities reports the capability set for model. Unknown models
	// return a conservative text-only default rather than an error.
	Capabilities(model string) Capabilities
}

// DefaultCapabilities is the conservative fallback for unknown models:
// text in, text out, 128k context.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		InputModalities:     []string{"text"},
		OutputModalities:    []string{"text"},
		ContextLength:       128000,
		SupportedParameters: []string{"temperature", "max_tokens", "tools"},
	}
}
