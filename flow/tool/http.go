package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// defaultMaxResponseBytes caps how much of a response body is returned to
// the model. Large pages get truncated rather than blowing up the prompt.
const defaultMaxResponseBytes = 64 * 1024

// HTTPTool is a tool for making HTTP requests.
//
// It supports GET, POST, PUT, PATCH, and DELETE and returns the response
// status, headers, and body. Useful for agents that need to:
//   - Fetch data from REST APIs
//   - Send data to webhooks
//   - Interact with external services
//
// Input Parameters:
//   - url: Target URL (required)
//   - method: HTTP method (defaults to "GET")
//   - headers: Optional map of HTTP headers
//   - body: Optional request body string
//
// Output:
//   - status_code: HTTP status code (e.g., 200, 404)
//   - headers: Response headers as map
//   - body: Response body as string, truncated to the configured cap
type HTTPTool struct {
	client   *http.Client
	maxBytes int64
	headers  map[string]string
}

// HTTPOption configures an HTTPTool.
type HTTPOption func(*HTTPTool)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTPTool) { h.client = client }
}

// WithHTTPTimeout sets a per-request timeout on the underlying client.
func WithHTTPTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPTool) { h.client.Timeout = d }
}

// WithMaxResponseBytes caps the response body size returned to the model.
func WithMaxResponseBytes(n int64) HTTPOption {
	return func(h *HTTPTool) { h.maxBytes = n }
}

// WithDefaultHeaders sets headers applied to every request, e.g. an
// Authorization header. Per-call headers override them.
func WithDefaultHeaders(headers map[string]string) HTTPOption {
	return func(h *HTTPTool) { h.headers = headers }
}

// NewHTTPTool creates a new HTTP tool.
func NewHTTPTool(opts ...HTTPOption) *HTTPTool {
	h := &HTTPTool{
		client:   &http.Client{Timeout: 30 * time.Second},
		maxBytes: defaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name returns the tool identifier.
func (h *HTTPTool) Name() string {
	return "http_request"
}

// Description implements the Describer interface.
func (h *HTTPTool) Description() string {
	return "Make an HTTP request to a URL and return the status code, headers, and body."
}

// Schema implements the SchemaProvider interface.
func (h *HTTPTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "The URL to request.",
			},
			"method": map[string]interface{}{
				"type":        "string",
				"enum":        []interface{}{"GET", "POST", "PUT", "PATCH", "DELETE"},
				"description": "HTTP method. Defaults to GET.",
			},
			"headers": map[string]interface{}{
				"type":        "object",
				"description": "HTTP headers to send with the request.",
			},
			"body": map[string]interface{}{
				"type":        "string",
				"description": "Request body for POST, PUT, and PATCH requests.",
			},
		},
		"required": []interface{}{"url"},
	}
}

// Call executes an HTTP request with the provided parameters.
func (h *HTTPTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	urlStr, ok := input["url"].(string)
	if !ok || urlStr == "" {
		return nil, fmt.Errorf("url parameter required (string)")
	}

	method := "GET"
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	switch method {
	case "GET", "POST", "PUT", "PATCH", "DELETE":
	default:
		return nil, fmt.Errorf("unsupported HTTP method: %s (supported: GET, POST, PUT, PATCH, DELETE)", method)
	}

	var body io.Reader
	if bodyStr, ok := input["body"].(string); ok && bodyStr != "" {
		body = bytes.NewBufferString(bodyStr)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range h.headers {
		req.Header.Set(key, value)
	}
	if headers, ok := input["headers"].(map[string]interface{}); ok {
		for key, value := range headers {
			if valueStr, ok := value.(string); ok {
				req.Header.Set(key, valueStr)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Read one byte past the cap so truncation is detectable.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	truncated := false
	if int64(len(respBody)) > h.maxBytes {
		respBody = respBody[:h.maxBytes]
		truncated = true
	}

	respHeaders := make(map[string]interface{})
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	result := map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}
	if truncated {
		result["truncated"] = true
	}

	return result, nil
}
