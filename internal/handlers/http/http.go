package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxBodyBytes caps how much of a response body is kept in the task result.
const MaxBodyBytes = 64 << 10

// HTTP performs one HTTP request per task. It backs the web_automation,
// monitoring and data_extraction task types.
type HTTP struct {
	Client *http.Client
}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
	Timeout int               `json:"timeout"` // seconds
	// ExpectStatus fails the attempt unless the response has this status.
	ExpectStatus int `json:"expect_status"`
}

type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Truncated  bool              `json:"truncated,omitempty"`
	DurationMs int64             `json:"duration_ms"`
}

func (h HTTP) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid HTTP request payload: %w", err)
	}

	if req.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}

	if req.Method == "" {
		req.Method = "GET"
	}

	if req.Timeout <= 0 {
		req.Timeout = 30 // default 30 seconds
	}

	client := h.Client
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	out := Response{
		StatusCode: resp.StatusCode,
		Headers:    make(map[string]string, len(resp.Header)),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if len(respBody) > MaxBodyBytes {
		respBody = respBody[:MaxBodyBytes]
		out.Truncated = true
	}
	out.Body = string(respBody)
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}

	if req.ExpectStatus != 0 && resp.StatusCode != req.ExpectStatus {
		return nil, fmt.Errorf("HTTP %d, expected %d", resp.StatusCode, req.ExpectStatus)
	}
	// Check for HTTP errors (4xx, 5xx)
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, out.Body)
	}

	return json.Marshal(out)
}
