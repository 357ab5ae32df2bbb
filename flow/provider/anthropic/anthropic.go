// Package anthropic adapts the Anthropic Messages API to the provider
// interface using github.com/anthropics/anthropic-sdk-go.
//
// Calls with stream callbacks use the Messages streaming endpoint and
// deliver text deltas to Request.OnToken and thinking deltas to
// Request.OnReasoning as they arrive. Calls without callbacks use the
// plain Messages endpoint.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/kaptinlin/jsonrepair"

	"github.com/dshills/agentflow-go/flow/provider"
)

// defaultMaxTokens caps completions when the request does not set one; the
// Messages API requires an explicit max_tokens.
const defaultMaxTokens = 4096

// MessagesClient captures the subset of the SDK client the adapter uses.
// It is satisfied by *sdk.MessageService so tests can pass a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Provider implements provider.Provider on top of Anthropic Claude.
type Provider struct {
	msg MessagesClient
}

// New constructs a Provider using the default Anthropic HTTP client.
func New(apiKey string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Provider{msg: &client.Messages}, nil
}

// NewWithClient constructs a Provider from an existing Messages client,
// typically a fake in tests.
func NewWithClient(c MessagesClient) *Provider {
	return &Provider{msg: c}
}

// Chat implements provider.Provider.
func (p *Provider) Chat(ctx context.Context, req provider.Request) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}
	params, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	if req.OnToken != nil || req.OnReasoning != nil {
		return p.chatStreaming(ctx, *params, req)
	}

	msg, err := p.msg.New(ctx, *params)
	if err != nil {
		return nil, mapError(err)
	}
	return translateMessage(msg), nil
}

func encodeRequest(req provider.Request) (*sdk.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var system []sdk.TextBlockParam
	conversation := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == provider.RoleSystem {
			if text := m.Text(); text != "" {
				system = append(system, sdk.TextBlockParam{Text: text})
			}
			continue
		}
		blocks := encodeBlocks(m)
		if len(blocks) == 0 {
			continue
		}
		if m.Role == provider.RoleAssistant {
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		} else {
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("anthropic: at least one user or assistant message is required")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
		if req.ToolChoice != "" {
			params.ToolChoice = sdk.ToolChoiceParamOfTool(req.ToolChoice)
		}
	}
	return &params, nil
}

func encodeBlocks(m provider.Message) []sdk.ContentBlockParamUnion {
	if len(m.Parts) == 0 {
		if m.Content == "" {
			return nil
		}
		return []sdk.ContentBlockParamUnion{sdk.NewTextBlock(m.Content)}
	}
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
	for _, part := range m.Parts {
		switch part.Type {
		case provider.PartText:
			if part.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(part.Text))
			}
		case provider.PartImage:
			if len(part.Data) > 0 {
				mediaType := part.MediaType
				if mediaType == "" {
					mediaType = "image/png"
				}
				encoded := base64.StdEncoding.EncodeToString(part.Data)
				blocks = append(blocks, sdk.NewImageBlockBase64(mediaType, encoded))
			} else if part.URL != "" {
				// The Messages API takes inline data only; reference remote
				// images by URL in text form.
				blocks = append(blocks, sdk.NewTextBlock("[image: "+part.URL+"]"))
			}
		}
	}
	return blocks
}

func encodeTools(specs []provider.ToolSpec) ([]sdk.ToolUnionParam, error) {
	tools := make([]sdk.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		schema, err := toolInputSchema(spec.Parameters)
		if err != nil {
			return nil, err
		}
		u := sdk.ToolUnionParamOfTool(schema, spec.Name)
		if u.OfTool != nil && spec.Description != "" {
			u.OfTool.Description = sdk.String(spec.Description)
		}
		tools = append(tools, u)
	}
	return tools, nil
}

func toolInputSchema(params map[string]interface{}) (sdk.ToolInputSchemaParam, error) {
	if len(params) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateMessage(msg *sdk.Message) *provider.Response {
	resp := &provider.Response{
		FinishReason: normalizeStopReason(string(msg.StopReason)),
		Usage: provider.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	var content strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, provider.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: parseToolArguments(string(block.Input)),
			})
		}
	}
	resp.Content = content.String()
	return resp
}

// toolBuffer accumulates the JSON fragments of one streamed tool call.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) input() string {
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

func (p *Provider) chatStreaming(ctx context.Context, params sdk.MessageNewParams, req provider.Request) (*provider.Response, error) {
	stream := p.msg.NewStreaming(ctx, params)
	defer stream.Close()

	resp := &provider.Response{}
	var content strings.Builder
	buffers := make(map[int]*toolBuffer)

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			resp.Usage.PromptTokens = int(ev.Message.Usage.InputTokens)
		case sdk.ContentBlockStartEvent:
			if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				buffers[int(ev.Index)] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				content.WriteString(delta.Text)
				if req.OnToken != nil {
					req.OnToken(delta.Text)
				}
			case sdk.ThinkingDelta:
				if delta.Thinking != "" && req.OnReasoning != nil {
					req.OnReasoning(delta.Thinking)
				}
			case sdk.InputJSONDelta:
				if tb := buffers[int(ev.Index)]; tb != nil && delta.PartialJSON != "" {
					tb.fragments = append(tb.fragments, delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			if tb := buffers[int(ev.Index)]; tb != nil {
				delete(buffers, int(ev.Index))
				resp.ToolCalls = append(resp.ToolCalls, provider.ToolCall{
					ID:        tb.id,
					Name:      tb.name,
					Arguments: parseToolArguments(tb.input()),
				})
			}
		case sdk.MessageDeltaEvent:
			resp.FinishReason = normalizeStopReason(string(ev.Delta.StopReason))
			if n := int(ev.Usage.OutputTokens); n > 0 {
				resp.Usage.CompletionTokens = n
			}
			if n := int(ev.Usage.InputTokens); n > 0 {
				resp.Usage.PromptTokens = n
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, mapError(err)
	}

	resp.Content = content.String()
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	if resp.FinishReason == "" {
		if len(resp.ToolCalls) > 0 {
			resp.FinishReason = "tool_calls"
		} else {
			resp.FinishReason = "stop"
		}
	}
	return resp, nil
}

func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return strings.ToLower(reason)
	}
}

func parseToolArguments(raw string) map[string]interface{} {
	if raw == "" || raw == "null" {
		return map[string]interface{}{}
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args
	}
	if repaired, err := jsonrepair.JSONRepair(raw); err == nil {
		if err := json.Unmarshal([]byte(repaired), &args); err == nil {
			return args
		}
	}
	return map[string]interface{}{"raw": raw}
}

// mapError classifies Messages API failures by status text, the same way
// transient and permanent conditions are told apart upstream.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())

	permanent := false
	for _, pattern := range []string{"401", "403", "authentication", "api_key", "invalid_request", "400"} {
		if strings.Contains(msg, pattern) {
			permanent = true
			break
		}
	}
	retryable := false
	if !permanent {
		for _, pattern := range []string{"429", "rate_limit", "too many requests", "overloaded", "500", "502", "503", "504", "timeout", "connection", "network"} {
			if strings.Contains(msg, pattern) {
				retryable = true
				break
			}
		}
	}
	return &provider.Error{
		Provider:  "anthropic",
		Code:      "api_error",
		Message:   err.Error(),
		Retryable: retryable,
		Err:       err,
	}
}

// Capabilities implements provider.Provider using a static model table.
func (p *Provider) Capabilities(model string) provider.Capabilities {
	switch {
	case strings.HasPrefix(model, "claude-opus-4"), strings.HasPrefix(model, "claude-sonnet-4"),
		strings.HasPrefix(model, "claude-3-7-sonnet"), strings.HasPrefix(model, "claude-3-5-sonnet"):
		return provider.Capabilities{
			InputModalities:     []string{"text", "image"},
			OutputModalities:    []string{"text"},
			ContextLength:       200000,
			SupportedParameters: []string{"temperature", "max_tokens", "tools", "tool_choice", "thinking"},
		}
	case strings.HasPrefix(model, "claude-3-5-haiku"), strings.HasPrefix(model, "claude-haiku"):
		return provider.Capabilities{
			InputModalities:     []string{"text", "image"},
			OutputModalities:    []string{"text"},
			ContextLength:       200000,
			SupportedParameters: []string{"temperature", "max_tokens", "tools", "tool_choice"},
		}
	case strings.HasPrefix(model, "claude"):
		return provider.Capabilities{
			InputModalities:     []string{"text"},
			OutputModalities:    []string{"text"},
			ContextLength:       200000,
			SupportedParameters: []string{"temperature", "max_tokens", "tools"},
		}
	default:
		return provider.DefaultCapabilities()
	}
}
