package vlm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rin-agent/rin/pkg/config"
)

// ChatClient sends one completion request to the model server.
// Implementations must honor ctx cancellation.
type ChatClient interface {
	Complete(ctx context.Context, messages []Message, imageBase64 string) (string, error)
}

// retryBackoff is the pause between connection-error retries.
const retryBackoff = 250 * time.Millisecond

// defaultMaxTokens bounds the model's reply length.
const defaultMaxTokens = 1024

// openaiChat talks to llama-server's OpenAI-compatible endpoint.
type openaiChat struct {
	client  *openai.Client
	model   string
	retries int
}

// NewChatClient creates the production chat client for the configured
// server address. Qwen-class VLMs behave better with sampling than greedy
// decoding, so temperature and top_p are fixed rather than exposed.
func NewChatClient(cfg *config.VLMConfig) ChatClient {
	oc := openai.DefaultConfig("")
	oc.BaseURL = fmt.Sprintf("http://%s:%d/v1", cfg.Host, cfg.Port)
	return &openaiChat{
		client:  openai.NewClientWithConfig(oc),
		model:   "default",
		retries: cfg.ChatRetries,
	}
}

func (c *openaiChat) Complete(ctx context.Context, messages []Message, imageBase64 string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0.7,
		TopP:        0.8,
		MaxTokens:   defaultMaxTokens,
		Messages:    buildMessages(messages, imageBase64),
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", fmt.Errorf("empty completion response")
			}
			return resp.Choices[0].Message.Content, nil
		}
		lastErr = err
		if !retryable(err) || attempt == c.retries {
			break
		}
		slog.Warn("VLM chat retry",
			"attempt", attempt+1,
			"retries", c.retries,
			"error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
	return "", fmt.Errorf("chat completion failed: %w", lastErr)
}

// retryable reports whether an error is a transient connection failure.
// Timeouts and HTTP-level errors are not retried here; the caller decides.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// buildMessages converts chat turns to the wire format, attaching the
// frame to the last user message as a data URL.
func buildMessages(messages []Message, imageBase64 string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	lastUser := -1
	for i, m := range messages {
		if m.Role == openai.ChatMessageRoleUser {
			lastUser = i
		}
	}
	for i, m := range messages {
		if i == lastUser && imageBase64 != "" {
			out = append(out, openai.ChatCompletionMessage{
				Role: m.Role,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL: "data:image/jpeg;base64," + imageBase64,
						},
					},
					{Type: openai.ChatMessagePartTypeText, Text: m.Text},
				},
			})
			continue
		}
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Text})
	}
	return out
}
