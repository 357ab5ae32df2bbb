// Package google adapts the Google Gemini API to the provider interface
// using github.com/google/generative-ai-go.
//
// System messages become the model's system instruction, earlier turns are
// replayed as chat history, and the final message is sent as the prompt.
// Responses are delivered to Request.OnToken as a single content event.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dshills/agentflow-go/flow/provider"
)

// Provider implements provider.Provider on top of the Gemini API.
type Provider struct {
	client *genai.Client
}

// New constructs a Provider. The client holds a connection pool; call Close
// when the provider is no longer needed.
func New(ctx context.Context, apiKey string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("google: api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Close releases the underlying API client.
func (p *Provider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// Chat implements provider.Provider.
func (p *Provider) Chat(ctx context.Context, req provider.Request) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Model == "" {
		return nil, errors.New("google: model is required")
	}

	gm := p.client.GenerativeModel(req.Model)
	if req.Temperature != nil {
		gm.SetTemperature(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		gm.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if system := systemInstruction(req.Messages); system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if len(req.Tools) > 0 {
		gm.Tools = convertTools(req.Tools)
		if req.ToolChoice != "" {
			gm.ToolConfig = &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{
					Mode:                 genai.FunctionCallingAny,
					AllowedFunctionNames: []string{req.ToolChoice},
				},
			}
		}
	}

	history, last, err := splitContents(req.Messages)
	if err != nil {
		return nil, err
	}
	session := gm.StartChat()
	session.History = history

	resp, err := session.SendMessage(ctx, last...)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := translateResponse(resp)
	if err != nil {
		return nil, err
	}
	if out.Content != "" && req.OnToken != nil {
		req.OnToken(out.Content)
	}
	return out, nil
}

// systemInstruction joins all system messages into one instruction block.
func systemInstruction(msgs []provider.Message) string {
	var parts []string
	for _, m := range msgs {
		if m.Role == provider.RoleSystem {
			if text := m.Text(); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

// splitContents converts non-system messages into chat history plus the
// final message's parts, which are sent as the live prompt.
func splitContents(msgs []provider.Message) ([]*genai.Content, []genai.Part, error) {
	var contents []*genai.Content
	for _, m := range msgs {
		if m.Role == provider.RoleSystem {
			continue
		}
		parts := convertParts(m)
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if m.Role == provider.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	if len(contents) == 0 {
		return nil, nil, errors.New("google: at least one user or assistant message is required")
	}
	last := contents[len(contents)-1]
	return contents[:len(contents)-1], last.Parts, nil
}

func convertParts(m provider.Message) []genai.Part {
	if len(m.Parts) == 0 {
		if m.Content == "" {
			return nil
		}
		return []genai.Part{genai.Text(m.Content)}
	}
	var parts []genai.Part
	for _, p := range m.Parts {
		switch p.Type {
		case provider.PartText:
			if p.Text != "" {
				parts = append(parts, genai.Text(p.Text))
			}
		case provider.PartImage:
			if len(p.Data) > 0 {
				parts = append(parts, genai.ImageData(imageFormat(p.MediaType), p.Data))
			} else if p.URL != "" {
				parts = append(parts, genai.Text("[image: "+p.URL+"]"))
			}
		}
	}
	return parts
}

// imageFormat extracts the genai image format ("png", "jpeg") from a MIME
// type.
func imageFormat(mediaType string) string {
	if sub, ok := strings.CutPrefix(mediaType, "image/"); ok && sub != "" {
		return sub
	}
	return "png"
}

func convertTools(specs []provider.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(specs))
	for i, spec := range specs {
		declarations[i] = &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  convertSchema(spec.Parameters),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertSchema maps a JSON-Schema document to the genai schema type,
// recursing into object properties and array items.
func convertSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{Type: genai.TypeObject}
	if typeStr, ok := schema["type"].(string); ok {
		out.Type = convertType(typeStr)
	}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for key, val := range props {
			if propMap, ok := val.(map[string]interface{}); ok {
				out.Properties[key] = convertSchema(propMap)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		out.Items = convertSchema(items)
	}
	if enum, ok := schema["enum"].([]interface{}); ok {
		for _, v := range enum {
			if s, ok := v.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}
	switch required := schema["required"].(type) {
	case []string:
		out.Required = required
	case []interface{}:
		for _, v := range required {
			if s, ok := v.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	return out
}

func convertType(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

func translateResponse(resp *genai.GenerateContentResponse) (*provider.Response, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, &provider.Error{
			Provider: "google",
			Code:     "blocked",
			Message:  "no candidates in response; content may be blocked by safety filters",
		}
	}
	out := &provider.Response{}
	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		var content strings.Builder
		for _, part := range candidate.Content.Parts {
			switch p := part.(type) {
			case genai.Text:
				content.WriteString(string(p))
			case genai.FunctionCall:
				args := p.Args
				if args == nil {
					args = map[string]interface{}{}
				}
				out.ToolCalls = append(out.ToolCalls, provider.ToolCall{Name: p.Name, Arguments: args})
			}
		}
		out.Content = content.String()
	}
	if resp.UsageMetadata != nil {
		out.Usage = provider.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = "tool_calls"
	} else {
		out.FinishReason = "stop"
	}
	return out, nil
}

func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		retryable := apiErr.Code == 429 || apiErr.Code == 408 || apiErr.Code >= 500
		return &provider.Error{
			Provider:  "google",
			Code:      fmt.Sprintf("%d", apiErr.Code),
			Message:   apiErr.Message,
			Retryable: retryable,
			Err:       err,
		}
	}

	msg := strings.ToLower(err.Error())
	retryable := false
	for _, pattern := range []string{"quota", "rate", "429", "timeout", "connection", "network", "unavailable", "500", "502", "503"} {
		if strings.Contains(msg, pattern) {
			retryable = true
			break
		}
	}
	return &provider.Error{
		Provider:  "google",
		Code:      "api_error",
		Message:   err.Error(),
		Retryable: retryable,
		Err:       err,
	}
}

// Capabilities implements provider.Provider using a static model table.
func (p *Provider) Capabilities(model string) provider.Capabilities {
	switch {
	case strings.HasPrefix(model, "gemini-2.5"), strings.HasPrefix(model, "gemini-2.0"):
		return provider.Capabilities{
			InputModalities:     []string{"text", "image", "audio", "video"},
			OutputModalities:    []string{"text"},
			ContextLength:       1048576,
			SupportedParameters: []string{"temperature", "max_tokens", "tools", "tool_choice"},
		}
	case strings.HasPrefix(model, "gemini-1.5-pro"):
		return provider.Capabilities{
			InputModalities:     []string{"text", "image", "audio", "video"},
			OutputModalities:    []string{"text"},
			ContextLength:       2097152,
			SupportedParameters: []string{"temperature", "max_tokens", "tools", "tool_choice"},
		}
	case strings.HasPrefix(model, "gemini"):
		return provider.Capabilities{
			InputModalities:     []string{"text", "image"},
			OutputModalities:    []string{"text"},
			ContextLength:       1048576,
			SupportedParameters: []string{"temperature", "max_tokens", "tools"},
		}
	default:
		return provider.DefaultCapabilities()
	}
}
