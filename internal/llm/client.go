// Package llm talks to an OpenAI-compatible chat completions API with
// streaming text and tool calls.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	DefaultBaseURL   = "https://api.openai.com/v1"
	defaultTimeout   = 60 * time.Second
	streamingTimeout = 300 * time.Second
	maxRetries       = 3
	initialBackoff   = 500 * time.Millisecond
)

// Client communicates with the chat completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL. An empty baseURL means the
// public OpenAI API.
func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// WithAPIKey returns a copy of c that authenticates with key.
func (c *Client) WithAPIKey(key string) *Client {
	cp := *c
	cp.apiKey = key
	return &cp
}

// HasAPIKey reports whether the client carries a credential.
func (c *Client) HasAPIKey() bool {
	return c.apiKey != ""
}

// Complete sends a non-streaming request.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	rc, err := c.send(ctx, encodeRequest(req, false), defaultTimeout)
	if err != nil {
		return Response{}, err
	}
	defer rc.Close()

	var wr wireResponse
	if err := json.NewDecoder(rc).Decode(&wr); err != nil {
		return Response{}, fmt.Errorf("decoding response: %w", err)
	}
	if len(wr.Choices) == 0 {
		return Response{}, errors.New("response has no choices")
	}
	resp := Response{
		Text:         wr.Choices[0].Message.Content,
		ToolCalls:    wr.Choices[0].Message.ToolCalls,
		FinishReason: wr.Choices[0].FinishReason,
	}
	if wr.Usage != nil {
		resp.Usage = Usage{InputTokens: wr.Usage.PromptTokens, OutputTokens: wr.Usage.CompletionTokens}
	}
	return resp, nil
}

// Stream sends a streaming request. onDelta receives each text fragment as
// it arrives; the returned Response carries the full text, the assembled
// tool calls, the finish reason and token usage.
func (c *Client) Stream(ctx context.Context, req Request, onDelta func(string)) (Response, error) {
	rc, err := c.send(ctx, encodeRequest(req, true), streamingTimeout)
	if err != nil {
		return Response{}, err
	}
	defer rc.Close()
	return readStream(rc, onDelta)
}

type partialCall struct {
	id   string
	typ  string
	name string
	args strings.Builder
}

func readStream(r io.Reader, onDelta func(string)) (Response, error) {
	var resp Response
	var text strings.Builder
	calls := make(map[int]*partialCall)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk wireChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return Response{}, fmt.Errorf("decoding stream chunk: %w", err)
		}
		if chunk.Usage != nil {
			resp.Usage = Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		for _, choice := range chunk.Choices {
			if d := choice.Delta.Content; d != "" {
				text.WriteString(d)
				if onDelta != nil {
					onDelta(d)
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				pc, ok := calls[tc.Index]
				if !ok {
					pc = &partialCall{}
					calls[tc.Index] = pc
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Type != "" {
					pc.typ = tc.Type
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				resp.FinishReason = *choice.FinishReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("reading stream: %w", err)
	}

	resp.Text = text.String()
	indexes := make([]int, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		pc := calls[i]
		typ := pc.typ
		if typ == "" {
			typ = "function"
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:       pc.id,
			Type:     typ,
			Function: ToolFunction{Name: pc.name, Arguments: pc.args.String()},
		})
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, req wireRequest, timeout time.Duration) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		rc, err := c.doChat(ctx, body, timeout)
		if err == nil {
			return rc, nil
		}

		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

func (c *Client) doChat(ctx context.Context, body []byte, timeout time.Duration) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		cancel()
		return nil, &rateLimitError{status: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// Temperature returns a pointer for Request.Temperature.
func Temperature(t float64) *float64 {
	return &t
}
