package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidmoltin/record-automation/pkg/llm"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

type mockLLMClient struct {
	ChatFunc func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
}

func (m *mockLLMClient) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return m.ChatFunc(ctx, req)
}

func (m *mockLLMClient) GetProvider() llm.Provider { return llm.ProviderAnthropic }

func TestNewLetterService_NilClient(t *testing.T) {
	_, err := NewLetterService(nil, "", logger.NewForTesting())
	assert.Error(t, err)
}

func TestLetterService_DraftLetter(t *testing.T) {
	data := map[string]interface{}{
		"subject": map[string]interface{}{"id": "rec-1", "name": "Jane Doe", "status": "intake"},
		"payload": map[string]interface{}{"newStatus": "intake"},
	}

	t.Run("builds prompt from record context", func(t *testing.T) {
		var captured *llm.ChatRequest
		client := &mockLLMClient{
			ChatFunc: func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
				captured = req
				return &llm.ChatResponse{
					Content:  "  Dear Jane,\n\nPlease send the retainer.  ",
					Provider: llm.ProviderAnthropic,
					Usage:    &llm.TokenUsage{TotalTokens: 42},
				}, nil
			},
		}
		svc, err := NewLetterService(client, "Acme Legal", logger.NewForTesting())
		require.NoError(t, err)

		body, err := svc.DraftLetter(context.Background(), "Ask for the retainer", data)
		require.NoError(t, err)
		assert.Equal(t, "Dear Jane,\n\nPlease send the retainer.", body)

		require.NotNil(t, captured)
		assert.Contains(t, captured.SystemPrompt, "Acme Legal")
		require.Len(t, captured.Messages, 1)
		assert.Contains(t, captured.Messages[0].Content, "Instruction: Ask for the retainer")
		assert.Contains(t, captured.Messages[0].Content, "- name: Jane Doe")
		assert.Contains(t, captured.Messages[0].Content, "- newStatus: intake")
		assert.Equal(t, "rec-1", captured.Metadata["subject_id"])
		assert.Equal(t, letterMaxTokens, captured.MaxTokens)
	})

	t.Run("propagates provider errors", func(t *testing.T) {
		client := &mockLLMClient{
			ChatFunc: func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
				return nil, llm.NewError(llm.ProviderAnthropic, llm.ErrorTypeRateLimit, "slow down", nil)
			},
		}
		svc, err := NewLetterService(client, "", logger.NewForTesting())
		require.NoError(t, err)

		_, err = svc.DraftLetter(context.Background(), "Ask", data)
		assert.ErrorIs(t, err, llm.ErrRateLimitExceeded)
	})

	t.Run("rejects empty drafts", func(t *testing.T) {
		client := &mockLLMClient{
			ChatFunc: func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
				return &llm.ChatResponse{Content: "   ", Provider: llm.ProviderOpenAI}, nil
			},
		}
		svc, err := NewLetterService(client, "", logger.NewForTesting())
		require.NoError(t, err)

		_, err = svc.DraftLetter(context.Background(), "Ask", data)
		assert.Error(t, err)
	})
}
