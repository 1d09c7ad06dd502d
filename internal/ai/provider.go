// Package ai generates AI agent replies for support conversations.
package ai

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider turns a chat history into one assistant reply.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
