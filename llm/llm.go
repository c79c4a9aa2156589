// Package llm holds the text-generation boundary. Everything above it
// depends on the Generator capability, not on a specific provider.
package llm

import "context"

// Role labels a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn sent to the provider.
type Message struct {
	Role Role
	Text string
}

// Request is one completion call.
type Request struct {
	// System is the system prompt. Optional.
	System string

	// Messages is the conversation, oldest first. Must end with a user
	// message.
	Messages []Message

	// MaxTokens bounds the response length. Providers apply their own
	// default when zero.
	MaxTokens int64
}

// Generator produces a text completion for a request.
type Generator interface {
	Complete(ctx context.Context, req Request) (string, error)
}
