package interfaces

import "context"

// Chat roles used in generation requests and session history
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one message of a generation request
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest is a complete reply-generation request
type GenerateRequest struct {
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// Generator produces the assistant reply for a prompt
type Generator interface {
	Generate(ctx context.Context, req *GenerateRequest) (string, error)
}
