package generator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 120 * time.Second

// Client is an OpenAI-compatible chat-completions client.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// ClientConfig configures the completion client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewClient creates a client for an OpenAI-compatible endpoint.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// chatRequest is the wire shape of a chat completion request.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// chatResponse is the wire shape of a non-streaming response.
type chatResponse struct {
	Choices []choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// choice is one completion choice; Message is set on full responses,
// Delta on stream chunks.
type choice struct {
	Message      *Message `json:"message,omitempty"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

// streamChunk is one SSE data payload.
type streamChunk struct {
	Choices []choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// errorResponse is the wire shape of an API error.
type errorResponse struct {
	Error *apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Complete runs a completion to completion and returns the full text.
func (c *Client) Complete(ctx context.Context, msgs []Message, opts Options) (*Result, error) {
	resp, err := c.post(ctx, c.buildRequest(msgs, opts, false))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrProvider, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, apiErrorf(resp.StatusCode, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling response: %v", ErrProvider, err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message == nil {
		return nil, fmt.Errorf("%w: response contained no choices", ErrProvider)
	}

	result := &Result{Text: parsed.Choices[0].Message.Content}
	if parsed.Usage != nil {
		result.Usage = *parsed.Usage
	}
	return result, nil
}

// CompleteStream runs a streaming completion, invoking fn for each text
// chunk as it arrives and returning the assembled result.
func (c *Client) CompleteStream(ctx context.Context, msgs []Message, opts Options, fn StreamFunc) (*Result, error) {
	resp, err := c.post(ctx, c.buildRequest(msgs, opts, true))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, apiErrorf(resp.StatusCode, respBody)
	}

	var text strings.Builder
	var usage Usage

	reader := bufio.NewReader(resp.Body)
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrProvider, ctx.Err())
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("%w: reading stream: %v", ErrProvider, err)
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta != nil {
			delta := chunk.Choices[0].Delta.Content
			if delta != "" {
				text.WriteString(delta)
				if fn != nil {
					fn(delta)
				}
			}
		}
	}

	return &Result{Text: text.String(), Usage: usage}, nil
}

func (c *Client) buildRequest(msgs []Message, opts Options, stream bool) *chatRequest {
	req := &chatRequest{
		Model:    c.model,
		Messages: msgs,
		Stream:   stream,
	}
	if opts.Temperature > 0 {
		req.Temperature = &opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = &opts.MaxTokens
	}
	return req
}

func (c *Client) post(ctx context.Context, req *chatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: sending request: %v", ErrProvider, err)
	}
	return resp, nil
}

func apiErrorf(status int, body []byte) error {
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil {
		return fmt.Errorf("%w: [%d] %s (type: %s)", ErrProvider, status, parsed.Error.Message, parsed.Error.Type)
	}
	return fmt.Errorf("%w: [%d] %s", ErrProvider, status, string(body))
}

// Verify interface compliance.
var _ Generator = (*Client)(nil)
