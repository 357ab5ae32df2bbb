// Package openai adapts the OpenAI Chat Completions API to the provider
// interface using github.com/sashabaranov/go-openai.
//
// The adapter supports text and image inputs, tool calling with forced
// tool choice, and token usage reporting. Responses are delivered to
// Request.OnToken as a single content event once the completion returns.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	openai "github.com/sashabaranov/go-openai"

	"github.com/dshills/agentflow-go/flow/provider"
)

// ChatClient captures the subset of the go-openai client the adapter uses,
// so tests can substitute a scripted implementation.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Provider implements provider.Provider on top of the OpenAI API.
type Provider struct {
	chat ChatClient
}

// New constructs a Provider using the default go-openai HTTP client.
func New(apiKey string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	return &Provider{chat: openai.NewClient(apiKey)}, nil
}

// NewWithClient constructs a Provider from an existing client, typically a
// mock in tests.
func NewWithClient(c ChatClient) *Provider {
	return &Provider{chat: c}
}

// Chat implements provider.Provider.
func (p *Provider) Chat(ctx context.Context, req provider.Request) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Model == "" {
		return nil, errors.New("openai: model is required")
	}

	request := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  encodeMessages(req.Messages),
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		if t == 0 {
			// go-openai omits zero temperature from the request body; the
			// smallest non-zero value stands in for an explicit 0.
			t = math.SmallestNonzeroFloat32
		}
		request.Temperature = t
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		request.Tools = tools
		if req.ToolChoice != "" {
			request.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: req.ToolChoice},
			}
		}
	}

	completion, err := p.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, mapError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &provider.Error{Provider: "openai", Code: "empty_response", Message: "no choices in completion"}
	}

	choice := completion.Choices[0]
	resp := &provider.Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: provider.Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, provider.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: parseToolArguments(tc.Function.Arguments),
		})
	}

	if resp.Content != "" && req.OnToken != nil {
		req.OnToken(resp.Content)
	}
	return resp, nil
}

func encodeMessages(msgs []provider.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		role := encodeRole(m.Role)
		if multi := encodeParts(m.Parts); multi != nil {
			out = append(out, openai.ChatCompletionMessage{Role: role, MultiContent: multi})
			continue
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Text()})
	}
	return out
}

func encodeRole(r provider.Role) string {
	switch r {
	case provider.RoleSystem:
		return openai.ChatMessageRoleSystem
	case provider.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

// encodeParts converts multimodal parts to MultiContent. Returns nil when
// the message has no non-text parts, letting plain Content carry the text.
func encodeParts(parts []provider.ContentPart) []openai.ChatMessagePart {
	hasMedia := false
	for _, p := range parts {
		if p.Type == provider.PartImage {
			hasMedia = true
			break
		}
	}
	if !hasMedia {
		return nil
	}
	out := make([]openai.ChatMessagePart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case provider.PartText:
			if p.Text != "" {
				out = append(out, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
			}
		case provider.PartImage:
			url := p.URL
			if url == "" && len(p.Data) > 0 {
				url = dataURL(p.MediaType, p.Data)
			}
			if url == "" {
				continue
			}
			out = append(out, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailAuto},
			})
		}
	}
	return out
}

func dataURL(mediaType string, data []byte) string {
	if mediaType == "" {
		mediaType = "image/png"
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func encodeTools(specs []provider.ToolSpec) ([]openai.Tool, error) {
	tools := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		params, err := json.Marshal(spec.Parameters)
		if err != nil {
			return nil, fmt.Errorf("openai: marshal tool %s schema: %w", spec.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools, nil
}

// parseToolArguments decodes a tool call argument payload, repairing
// malformed JSON before giving up. Unparseable payloads are preserved under
// a "raw" key so callers can still inspect them.
func parseToolArguments(raw string) map[string]interface{} {
	if raw == "" {
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

// mapError classifies API failures so retry policies can distinguish
// transient conditions from permanent ones.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := fmt.Sprintf("%d", apiErr.HTTPStatusCode)
		retryable := apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode == 408 || apiErr.HTTPStatusCode >= 500
		return &provider.Error{
			Provider:  "openai",
			Code:      code,
			Message:   apiErr.Message,
			Retryable: retryable,
			Err:       err,
		}
	}

	msg := strings.ToLower(err.Error())
	retryable := false
	for _, pattern := range []string{"rate limit", "429", "timeout", "connection", "network", "temporary", "500", "502", "503", "504"} {
		if strings.Contains(msg, pattern) {
			retryable = true
			break
		}
	}
	return &provider.Error{
		Provider:  "openai",
		Code:      "api_error",
		Message:   err.Error(),
		Retryable: retryable,
		Err:       err,
	}
}

// Capabilities implements provider.Provider using a static model table.
func (p *Provider) Capabilities(model string) provider.Capabilities {
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"), strings.HasPrefix(model, "gpt-4-turbo"):
		ctx := 128000
		if strings.HasPrefix(model, "gpt-4.1") {
			ctx = 1047576
		}
		return provider.Capabilities{
			InputModalities:     []string{"text", "image"},
			OutputModalities:    []string{"text"},
			ContextLength:       ctx,
			SupportedParameters: []string{"temperature", "max_tokens", "tools", "tool_choice"},
		}
	case strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return provider.Capabilities{
			InputModalities:     []string{"text", "image"},
			OutputModalities:    []string{"text"},
			ContextLength:       200000,
			SupportedParameters: []string{"max_tokens", "tools"},
		}
	case strings.HasPrefix(model, "gpt-3.5"):
		return provider.Capabilities{
			InputModalities:     []string{"text"},
			OutputModalities:    []string{"text"},
			ContextLength:       16385,
			SupportedParameters: []string{"temperature", "max_tokens", "tools", "tool_choice"},
		}
	default:
		return provider.DefaultCapabilities()
	}
}
