// Package generator abstracts the external text-completion capability the
// merge engine depends on. The core only needs "complete a prompt, get text
// back"; any OpenAI-compatible chat-completions endpoint satisfies it.
package generator

import (
	"context"
	"errors"
)

// ErrProvider is the sentinel wrapped by all provider-side failures
// (transport errors, non-200 responses, timeouts).
var ErrProvider = errors.New("generator provider error")

// Message is one prompt message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tunes a completion call.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Usage reports token consumption for one completion call. Callers account
// it against the rate limiter's token budget.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is a finished completion.
type Result struct {
	Text  string
	Usage Usage
}

// StreamFunc receives incremental text chunks as they arrive.
type StreamFunc func(chunk string)

// Generator defines the completion capability.
type Generator interface {
	// Complete runs a completion to completion and returns the full text.
	Complete(ctx context.Context, msgs []Message, opts Options) (*Result, error)

	// CompleteStream runs a completion, invoking fn for each text chunk
	// before returning the assembled result. Implementations that cannot
	// stream may invoke fn once with the full text.
	CompleteStream(ctx context.Context, msgs []Message, opts Options, fn StreamFunc) (*Result, error)
}
