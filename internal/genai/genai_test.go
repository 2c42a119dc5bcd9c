package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/citabot/citabot/internal/models"
)

// mockCompletionService implements completionService for testing.
type mockCompletionService struct {
	resp   *openai.ChatCompletion
	err    error
	called bool
}

func (m *mockCompletionService) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.called = true
	return m.resp, m.err
}

func newTestClient(mock *mockCompletionService) *Client {
	return &Client{chat: mock, model: DefaultModel, maxPromptLength: DefaultMaxPromptLength}
}

func TestGenerateReply_Success(t *testing.T) {
	mock := &mockCompletionService{
		resp: &openai.ChatCompletion{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Content: "Hola, claro que si"}},
			},
			Usage: openai.CompletionUsage{PromptTokens: 20, CompletionTokens: 8, TotalTokens: 28},
		},
	}
	client := newTestClient(mock)

	out, usage, err := client.GenerateReplyWithUsage(context.Background(), "assistant prompt", "quiero una cita")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hola, claro que si" {
		t.Errorf("unexpected reply: %q", out)
	}
	if usage.TotalTokens != 28 {
		t.Errorf("expected 28 total tokens, got %d", usage.TotalTokens)
	}
}

func TestGenerateReply_ServiceError(t *testing.T) {
	client := newTestClient(&mockCompletionService{err: errors.New("service failure")})
	_, err := client.GenerateReply(context.Background(), "sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerateReply_NoChoices(t *testing.T) {
	client := newTestClient(&mockCompletionService{resp: &openai.ChatCompletion{}})
	_, err := client.GenerateReply(context.Background(), "sys", "usr")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGenerateReply_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		apiErr   *openai.Error
		expected error
	}{
		{name: "quota", apiErr: &openai.Error{StatusCode: 429, Code: "insufficient_quota"}, expected: models.ErrQuotaExceeded},
		{name: "rate limited", apiErr: &openai.Error{StatusCode: 429, Code: "rate_limit_exceeded"}, expected: models.ErrRateLimited},
		{name: "server error", apiErr: &openai.Error{StatusCode: 503}, expected: models.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(&mockCompletionService{err: tt.apiErr})
			_, err := client.GenerateReply(context.Background(), "sys", "usr")
			if !errors.Is(err, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, err)
			}
		})
	}
}

func TestGenerateReply_PromptTooLong(t *testing.T) {
	mock := &mockCompletionService{}
	client := &Client{chat: mock, model: DefaultModel, maxPromptLength: 10}

	_, err := client.GenerateReply(context.Background(), "a long system prompt", "and a user prompt")
	if !errors.Is(err, models.ErrPromptTooLong) {
		t.Fatalf("expected prompt too long error, got %v", err)
	}
	if mock.called {
		t.Error("expected oversized prompt to fail before any request is sent")
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithMaxTokens(256))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Fatal("expected client instance, got nil")
	}
	if cli.model != "gpt-4o" {
		t.Errorf("expected configured model, got %q", cli.model)
	}
	if cli.maxPromptLength != DefaultMaxPromptLength {
		t.Errorf("expected default prompt limit, got %d", cli.maxPromptLength)
	}
}
