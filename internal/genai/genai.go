// Package genai provides reply generation backed by the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/citabot/citabot/internal/models"
)

// DefaultModel is the chat model used when none is configured.
const DefaultModel = openai.ChatModelGPT4oMini

// DefaultMaxPromptLength bounds the combined prompt size in characters.
// Requests above the bound fail before any tokens are spent.
const DefaultMaxPromptLength = 8000

// ErrNoChoicesReturned indicates the completion response carried no choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// completionService defines the minimal interface for chat completions,
// satisfied by openai.Client.Chat.Completions and by test mocks.
type completionService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Usage reports token consumption for a single generation.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Client wraps the OpenAI chat completion service for generating replies.
type Client struct {
	chat            completionService
	model           string
	maxTokens       int64
	maxPromptLength int
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey          string
	Model           string
	MaxTokens       int64
	MaxPromptLength int
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding the environment.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model to use.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithMaxTokens caps the completion length in tokens.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithMaxPromptLength caps the combined prompt size in characters.
func WithMaxPromptLength(n int) Option {
	return func(o *Opts) { o.MaxPromptLength = n }
}

// NewClient initializes a GenAI client. The API key is taken from the
// options or, failing that, the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxPromptLength <= 0 {
		cfg.MaxPromptLength = DefaultMaxPromptLength
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client initialized", "model", cfg.Model, "max_tokens", cfg.MaxTokens)
	return &Client{
		chat:            &cli.Chat.Completions,
		model:           cfg.Model,
		maxTokens:       cfg.MaxTokens,
		maxPromptLength: cfg.MaxPromptLength,
	}, nil
}

// GenerateReply produces a response for the given system and user prompts.
func (c *Client) GenerateReply(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	reply, _, err := c.GenerateReplyWithUsage(ctx, systemPrompt, userPrompt)
	return reply, err
}

// GenerateReplyWithUsage produces a response and reports token usage. The
// prompt size check happens before the request is sent.
func (c *Client) GenerateReplyWithUsage(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error) {
	if len(systemPrompt)+len(userPrompt) > c.maxPromptLength {
		slog.Warn("GenAI GenerateReply prompt too long", "length", len(systemPrompt)+len(userPrompt), "limit", c.maxPromptLength)
		return "", Usage{}, fmt.Errorf("prompt length %d exceeds limit %d: %w",
			len(systemPrompt)+len(userPrompt), c.maxPromptLength, models.ErrPromptTooLong)
	}

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxTokens)
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("GenAI GenerateReply request failed", "error", err, "model", c.model)
		return "", Usage{}, fmt.Errorf("chat completion failed: %w", mapCompletionError(err))
	}
	if len(resp.Choices) == 0 {
		slog.Error("GenAI GenerateReply returned no choices", "model", c.model)
		return "", Usage{}, ErrNoChoicesReturned
	}

	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	slog.Debug("GenAI GenerateReply succeeded", "model", c.model, "total_tokens", usage.TotalTokens)
	return resp.Choices[0].Message.Content, usage, nil
}

// mapCompletionError wraps OpenAI API failures in the shared error taxonomy.
func mapCompletionError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.StatusCode == 429 && apiErr.Code == "insufficient_quota":
		return fmt.Errorf("%v: %w", err, models.ErrQuotaExceeded)
	case apiErr.StatusCode == 429:
		return fmt.Errorf("%v: %w", err, models.ErrRateLimited)
	case apiErr.StatusCode >= 500:
		return fmt.Errorf("%v: %w", err, models.ErrProviderUnavailable)
	}
	return err
}
