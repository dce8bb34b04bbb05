package llm

import (
	"context"
)

// Message represents a chat message in a provider-agnostic format
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Option allows for optional parameters like Temperature, MaxTokens, etc.
type Option func(*Options)

type Options struct {
	Temperature float64
	MaxTokens   int
	Model       string // Override default model
}

func WithTemperature(temp float64) Option {
	return func(o *Options) {
		o.Temperature = temp
	}
}

func WithModel(model string) Option {
	return func(o *Options) {
		o.Model = model
	}
}

func WithMaxTokens(n int) Option {
	return func(o *Options) {
		o.MaxTokens = n
	}
}

type CompletionEventType string

const (
	CompletionChunk CompletionEventType = "chunk"
	CompletionFinal CompletionEventType = "final"
)

// CompletionEvent is one step of a streamed completion. A chunk carries the
// delta since the previous chunk; the final event carries the full text.
type CompletionEvent struct {
	Type    CompletionEventType `json:"type"`
	Content string              `json:"content"`
}

// StreamingProvider is the contract every LLM backend implements. onEvent
// is called for every chunk and exactly once with the final event unless an
// error is returned; an error from onEvent stops the stream.
type StreamingProvider interface {
	ChatStream(ctx context.Context, history []Message, onEvent func(CompletionEvent) error, options ...Option) error
}
