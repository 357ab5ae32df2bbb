package google

import (
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"

	"github.com/dshills/agentflow-go/flow/provider"
)

func TestSplitContents(t *testing.T) {
	t.Run("system messages excluded, roles mapped", func(t *testing.T) {
		history, last, err := splitContents([]provider.Message{
			{Role: provider.RoleSystem, Content: "instructions"},
			{Role: provider.RoleUser, Content: "first question"},
			{Role: provider.RoleAssistant, Content: "first answer"},
			{Role: provider.RoleUser, Content: "second question"},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(history) != 2 {
			t.Fatalf("history = %d entries, want 2", len(history))
		}
		if history[0].Role != "user" || history[1].Role != "model" {
			t.Errorf("history roles = %q, %q", history[0].Role, history[1].Role)
		}
		if len(last) != 1 {
			t.Fatalf("last parts = %d, want 1", len(last))
		}
		if text, ok := last[0].(genai.Text); !ok || string(text) != "second question" {
			t.Errorf("last part = %#v", last[0])
		}
	})

	t.Run("only system messages is an error", func(t *testing.T) {
		_, _, err := splitContents([]provider.Message{{Role: provider.RoleSystem, Content: "rules"}})
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestSystemInstruction(t *testing.T) {
	system := systemInstruction([]provider.Message{
		{Role: provider.RoleSystem, Content: "rule one"},
		{Role: provider.RoleUser, Content: "hi"},
		{Role: provider.RoleSystem, Content: "rule two"},
	})
	if system != "rule one\n\nrule two" {
		t.Errorf("systemInstruction = %q", system)
	}
}

func TestConvertSchema(t *testing.T) {
	schema := convertSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"route_id": map[string]interface{}{
				"type":        "string",
				"description": "Route to take",
				"enum":        []interface{}{"route-1", "route-2"},
			},
			"count": map[string]interface{}{"type": "integer"},
			"tags": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
		},
		"required": []interface{}{"route_id"},
	})

	if schema.Type != genai.TypeObject {
		t.Errorf("Type = %v", schema.Type)
	}
	route := schema.Properties["route_id"]
	if route == nil || route.Type != genai.TypeString {
		t.Fatalf("route_id = %+v", route)
	}
	if len(route.Enum) != 2 || route.Enum[0] != "route-1" {
		t.Errorf("route_id enum = %v", route.Enum)
	}
	if schema.Properties["count"].Type != genai.TypeInteger {
		t.Errorf("count type = %v", schema.Properties["count"].Type)
	}
	tags := schema.Properties["tags"]
	if tags.Type != genai.TypeArray || tags.Items == nil || tags.Items.Type != genai.TypeString {
		t.Errorf("tags = %+v", tags)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "route_id" {
		t.Errorf("Required = %v", schema.Required)
	}
}

func TestTranslateResponse(t *testing.T) {
	t.Run("text and function calls", func(t *testing.T) {
		resp := &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []genai.Part{
					genai.Text("checking "),
					genai.Text("now"),
					genai.FunctionCall{Name: "search", Args: map[string]interface{}{"q": "go"}},
				}},
			}},
			UsageMetadata: &genai.UsageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 4, TotalTokenCount: 7},
		}

		out, err := translateResponse(resp)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Content != "checking now" {
			t.Errorf("Content = %q", out.Content)
		}
		if len(out.ToolCalls) != 1 || out.ToolCalls[0].Name != "search" {
			t.Fatalf("ToolCalls = %+v", out.ToolCalls)
		}
		if out.ToolCalls[0].Arguments["q"] != "go" {
			t.Errorf("Arguments = %+v", out.ToolCalls[0].Arguments)
		}
		if out.Usage.TotalTokens != 7 {
			t.Errorf("Usage = %+v", out.Usage)
		}
		if out.FinishReason != "tool_calls" {
			t.Errorf("FinishReason = %q", out.FinishReason)
		}
	})

	t.Run("no candidates reports blocked", func(t *testing.T) {
		_, err := translateResponse(&genai.GenerateContentResponse{})
		var pe *provider.Error
		if !errors.As(err, &pe) {
			t.Fatalf("err = %v, want *provider.Error", err)
		}
		if pe.Code != "blocked" {
			t.Errorf("Code = %q", pe.Code)
		}
	})
}

func TestImageFormat(t *testing.T) {
	cases := map[string]string{
		"image/png":  "png",
		"image/jpeg": "jpeg",
		"image/webp": "webp",
		"":           "png",
		"text/plain": "png",
	}
	for in, want := range cases {
		if got := imageFormat(in); got != want {
			t.Errorf("imageFormat(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMapError(t *testing.T) {
	t.Run("googleapi status codes", func(t *testing.T) {
		cases := []struct {
			code      int
			retryable bool
		}{
			{429, true},
			{503, true},
			{400, false},
			{403, false},
		}
		for _, tc := range cases {
			mapped := mapError(&googleapi.Error{Code: tc.code, Message: "x"})
			var pe *provider.Error
			if !errors.As(mapped, &pe) {
				t.Fatalf("code %d: expected *provider.Error", tc.code)
			}
			if pe.Retryable != tc.retryable {
				t.Errorf("code %d: Retryable = %v, want %v", tc.code, pe.Retryable, tc.retryable)
			}
		}
	})

	t.Run("quota text is retryable", func(t *testing.T) {
		var pe *provider.Error
		if !errors.As(mapError(errors.New("quota exceeded for model")), &pe) || !pe.Retryable {
			t.Error("quota errors should be retryable")
		}
	})
}

func TestCapabilities(t *testing.T) {
	p := &Provider{}
	caps := p.Capabilities("gemini-2.5-flash")
	if !caps.SupportsInput("image") || !caps.SupportsInput("video") {
		t.Errorf("gemini-2.5-flash caps = %+v", caps)
	}
	if caps.ContextLength != 1048576 {
		t.Errorf("ContextLength = %d", caps.ContextLength)
	}
	if p.Capabilities("other-model").SupportsInput("image") {
		t.Error("unknown models should be text-only")
	}
}
