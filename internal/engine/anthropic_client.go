package engine

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"

	"github.com/pm-ju/anya-web-extension/internal/config"
	"github.com/pm-ju/anya-web-extension/internal/interfaces"
)

// AnthropicClient generates replies with the Anthropic Messages API
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

func NewAnthropicClient(cfg config.LLMConfig) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(cfg.AnthropicKey)),
		model:  cfg.AnthropicModel,
	}
}

func (c *AnthropicClient) Generate(ctx context.Context, req *interfaces.GenerateRequest) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(req.MaxTokens),
		Messages:    toAnthropicMessages(req.Messages),
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", goerr.Wrap(err, "claude API error", goerr.V("model", c.model))
	}

	var reply strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			reply.WriteString(block.Text)
		}
	}

	text := strings.TrimSpace(reply.String())
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

// toAnthropicMessages drops leading assistant turns, which the API rejects
func toAnthropicMessages(messages []interfaces.ChatMessage) []anthropic.MessageParam {
	for len(messages) > 0 && messages[0].Role != interfaces.RoleUser {
		messages = messages[1:]
	}

	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case interfaces.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case interfaces.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}

// NewGenerator returns the reply generator selected by cfg.Provider
func NewGenerator(cfg config.LLMConfig) (interfaces.Generator, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicClient(cfg), nil
	case "openai", "":
		return NewChatClient(cfg), nil
	default:
		return nil, goerr.New("unknown llm provider", goerr.V("provider", cfg.Provider))
	}
}
