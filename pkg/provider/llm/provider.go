// Package llm defines the Responder interface for language-model backends.
//
// The gateway's legacy pipeline turns each transcript into one response turn:
// it sends the rolling conversation history and waits for the full reply.
// Streaming is deliberately not part of the contract: response audio is what
// streams to the client, and synthesis needs the complete text anyway.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message is one turn of conversation history.
type Message struct {
	// Role is "user" or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// Request carries everything the model needs to produce a reply. Messages
// must be non-empty; the last message is the user turn driving the response.
type Request struct {
	// SystemPrompt is a high-priority instruction injected before the
	// history. Optional.
	SystemPrompt string

	// Messages is the ordered conversation history.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. Zero means the
	// provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero means the provider default.
	MaxTokens int
}

// Responder is the abstraction over any LLM backend.
type Responder interface {
	// Respond sends req to the model and returns the full reply text.
	Respond(ctx context.Context, req Request) (string, error)
}
