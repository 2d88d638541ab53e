package engine

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/sashabaranov/go-openai"

	"github.com/pm-ju/anya-web-extension/internal/config"
	"github.com/pm-ju/anya-web-extension/internal/interfaces"
)

const (
	defaultTimeout = 60 * time.Second
	maxRetries     = 3
	retryDelay     = 1 * time.Second
)

var ErrEmptyReply = goerr.New("model returned an empty reply")

// ChatClient generates replies through any OpenAI-compatible chat
// completion endpoint (Groq, OpenAI, local servers)
type ChatClient struct {
	client     *openai.Client
	model      string
	retryDelay time.Duration
}

// NewChatClient creates a chat client for cfg.BaseURL
func NewChatClient(cfg config.LLMConfig) *ChatClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: defaultTimeout}

	return &ChatClient{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		retryDelay: retryDelay,
	}
}

// Generate sends a chat completion request, retrying transient failures
func (c *ChatClient) Generate(ctx context.Context, req *interfaces.GenerateRequest) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		resp, err := c.client.CreateChatCompletion(ctx, chatReq)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", ErrEmptyReply
			}
			reply := strings.TrimSpace(resp.Choices[0].Message.Content)
			if reply == "" {
				return "", ErrEmptyReply
			}
			return reply, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}

	return "", goerr.Wrap(lastErr, "chat completion failed", goerr.V("model", c.model))
}

// isRetryableError reports whether a request is worth another attempt
func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}

	return true
}
