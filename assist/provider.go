// Package assist optionally turns a guard denial into a one-paragraph human
// explanation via an LLM. It is strictly additive: it never runs in the hot
// dispatch path, never substitutes for the guard decision itself, and the
// LLM call is routed through the dispatcher as an llm operation so it is
// subject to the same taint and influence rules as any other LLM call.
package assist

import "context"

// Role identifies the sender of a message in the chat conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry in the chat conversation sent to the LLM.
type Message struct {
	Role    Role
	Content string
}

// Response holds the LLM's reply along with token usage metadata.
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Provider is the interface for LLM backends. Implementations must be safe
// for concurrent use.
type Provider interface {
	Complete(ctx context.Context, messages []Message) (*Response, error)
}
