package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/davidmoltin/record-automation/pkg/llm"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

const (
	letterMaxTokens   = 1200
	letterTemperature = 0.3
)

// LetterService drafts letter bodies with a language model
type LetterService struct {
	client       llm.Client
	prompts      *llm.Prompts
	organization string
	logger       *logger.Logger
}

// NewLetterService creates a drafter backed by client. organization signs the letters.
func NewLetterService(client llm.Client, organization string, log *logger.Logger) (*LetterService, error) {
	if client == nil {
		return nil, fmt.Errorf("llm client cannot be nil")
	}

	prompts, err := llm.LetterPrompts()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize prompts: %w", err)
	}

	return &LetterService{
		client:       client,
		prompts:      prompts,
		organization: organization,
		logger:       log,
	}, nil
}

// DraftLetter implements engine.LetterDrafter. data is the execution context view.
func (s *LetterService) DraftLetter(ctx context.Context, prompt string, data map[string]interface{}) (string, error) {
	subject, _ := data["subject"].(map[string]interface{})
	payload, _ := data["payload"].(map[string]interface{})

	metadata := map[string]string{}
	if id, ok := subject["id"].(string); ok {
		metadata["subject_id"] = id
	}

	req, err := s.prompts.LetterRequest(llm.LetterPrompt{
		Organization: s.organization,
		Instruction:  prompt,
		Subject:      subject,
		Payload:      payload,
	},
		llm.WithMaxTokens(letterMaxTokens),
		llm.WithTemperature(letterTemperature),
		llm.WithMetadata(metadata),
	)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Chat(ctx, req)
	if err != nil {
		s.logger.Error("Letter drafting failed",
			zap.Error(err),
			zap.String("provider", string(s.client.GetProvider())),
		)
		return "", err
	}

	body := strings.TrimSpace(resp.Content)
	if body == "" {
		return "", fmt.Errorf("%s returned an empty letter", resp.Provider)
	}

	fields := []zap.Field{
		zap.String("provider", string(resp.Provider)),
		zap.String("model", resp.Model),
	}
	if resp.Usage != nil {
		fields = append(fields, zap.Int("total_tokens", resp.Usage.TotalTokens))
	}
	s.logger.Debug("Letter drafted", fields...)

	return body, nil
}
