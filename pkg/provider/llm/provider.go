// Package llm defines the Provider interface for chat-completion backends.
//
// The conversation pipeline makes three kinds of completion calls: rewriting
// a follow-up question into a standalone one, answering a question from
// retrieved context, and summarising a long answer into a spoken form. All
// three are single-shot request/response calls, so the interface is a single
// Complete method.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message is a single chat message in a completion request.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string
	// Content is the message text.
	Content string
}

// CompletionRequest describes a single chat-completion call.
type CompletionRequest struct {
	// SystemPrompt, if non-empty, is prepended as a system message.
	SystemPrompt string

	// Messages are the conversation messages in order, oldest first.
	Messages []Message

	// Temperature controls sampling randomness. Zero means provider default.
	Temperature float64

	// MaxTokens limits the completion length. Zero means provider default.
	MaxTokens int
}

// Usage reports token accounting for a completion, when the backend provides it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the result of a Complete call.
type CompletionResponse struct {
	// Content is the full completion text.
	Content string
	// Usage holds token counts; zero values when the backend omits them.
	Usage Usage
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// Complete performs a single blocking chat completion. Returns an error
	// if the request fails or ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
