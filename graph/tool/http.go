package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPTool makes HTTP requests on behalf of an LLM.
//
// Supports GET and POST. Useful for agents that fetch data from REST
// APIs, post to webhooks, or interact with external services.
//
// Input parameters:
//   - url: target URL (required)
//   - method: "GET" or "POST", defaults to "GET"
//   - headers: optional map of header values
//   - body: optional request body for POST
//
// Output:
//   - status_code: HTTP status code
//   - headers: response headers
//   - body: response body as string
type HTTPTool struct {
	client *http.Client
}

// NewHTTPTool creates an HTTP tool. Timeouts come from the invocation
// context, not the client.
func NewHTTPTool() *HTTPTool {
	return &HTTPTool{client: &http.Client{}}
}

// Name implements Tool.
func (h *HTTPTool) Name() string { return "http_request" }

// Describe implements Tool.
func (h *HTTPTool) Describe() Spec {
	return Spec{
		Name:        "http_request",
		Description: "Make an HTTP GET or POST request and return the response",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "Target URL",
				},
				"method": map[string]any{
					"type":        "string",
					"description": "HTTP method: GET or POST",
				},
				"headers": map[string]any{
					"type":        "object",
					"description": "Request headers",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Request body for POST",
				},
			},
			"required": []any{"url"},
		},
	}
}

// Call implements Tool.
func (h *HTTPTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	urlStr, ok := input["url"].(string)
	if !ok || urlStr == "" {
		return nil, fmt.Errorf("url parameter required")
	}

	method := http.MethodGet
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("unsupported HTTP method: %s", method)
	}

	var body io.Reader
	if bodyStr, ok := input["body"].(string); ok && bodyStr != "" {
		body = bytes.NewBufferString(bodyStr)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if headers, ok := input["headers"].(map[string]any); ok {
		for key, value := range headers {
			if valueStr, ok := value.(string); ok {
				req.Header.Set(key, valueStr)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}, nil
}
