package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"

	"github.com/laffeybot/laffey/memory"
)

// DefaultMaxTokens bounds responses when the request does not.
const DefaultMaxTokens = 1024

// AnthropicConfig configures the Claude-backed generator.
type AnthropicConfig struct {
	// Model names the Claude model, e.g. "claude-sonnet-4-5".
	Model string

	// MaxTokens is the default response bound. Default 1024.
	MaxTokens int64

	Logger *zap.Logger
}

// AnthropicGenerator implements Generator on the Claude Messages API.
type AnthropicGenerator struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
	logger    *zap.Logger
}

// NewAnthropicGenerator wraps an existing client. The caller owns client
// construction so API key and base URL handling stay in one place.
func NewAnthropicGenerator(client *anthropic.Client, cfg AnthropicConfig) (*AnthropicGenerator, error) {
	if client == nil {
		return nil, &memory.ConfigurationError{Field: "anthropic", Reason: "client is required"}
	}
	if cfg.Model == "" {
		return nil, &memory.ConfigurationError{Field: "model", Reason: "is required"}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &AnthropicGenerator{
		client:    client,
		model:     anthropic.Model(cfg.Model),
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger.With(zap.String("component", "anthropic_generator")),
	}, nil
}

// Complete sends the request and returns the concatenated text blocks of
// the response.
func (g *AnthropicGenerator) Complete(ctx context.Context, req Request) (string, error) {
	if len(req.Messages) == 0 {
		return "", fmt.Errorf("complete: at least one message is required")
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Text)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     g.model,
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", memory.Transient(fmt.Errorf("claude api: %w", err))
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	if text == "" {
		return "", fmt.Errorf("claude api: response contained no text")
	}

	g.logger.Debug("completion",
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens))
	return text, nil
}
