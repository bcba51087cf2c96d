package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/liushuangls/go-anthropic/v2"

	"github.com/davidmoltin/record-automation/pkg/llm"
)

const (
	defaultModel     = "claude-3-5-sonnet-20241022"
	defaultMaxTokens = 1024
	maxTokensLimit   = 8192
)

// Client implements llm.Client for Anthropic
type Client struct {
	client *anthropic.Client
	config *llm.Config
}

// NewClient creates a new Anthropic client
func NewClient(config *llm.Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, llm.ErrInvalidAPIKey
	}

	var opts []anthropic.ClientOption
	if config.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(config.BaseURL))
	}
	if config.Timeout > 0 {
		opts = append(opts, anthropic.WithHTTPClient(&http.Client{Timeout: config.Timeout}))
	}

	return &Client{
		client: anthropic.NewClient(config.APIKey, opts...),
		config: config,
	}, nil
}

// Chat sends a messages request
func (c *Client) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	anthropicReq := c.buildRequest(req)

	var resp anthropic.MessagesResponse
	err := llm.Do(ctx, c.config, func() error {
		var err error
		resp, err = c.client.CreateMessages(ctx, anthropicReq)
		return err
	}, mapError)
	if err != nil {
		return nil, err
	}

	return mapResponse(&resp), nil
}

// GetProvider returns the provider type
func (c *Client) GetProvider() llm.Provider {
	return llm.ProviderAnthropic
}

func (c *Client) buildRequest(req *llm.ChatRequest) anthropic.MessagesRequest {
	model := req.Model
	if model == "" {
		model = c.config.DefaultModel
	}
	if model == "" {
		model = defaultModel
	}

	messages := make([]anthropic.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		// system prompt travels in its own field
		if msg.Role == llm.RoleSystem {
			continue
		}
		messages = append(messages, anthropic.Message{
			Role: anthropic.ChatRole(msg.Role),
			Content: []anthropic.MessageContent{
				anthropic.NewTextMessageContent(msg.Content),
			},
		})
	}

	out := anthropic.MessagesRequest{
		Model:     anthropic.Model(model),
		Messages:  messages,
		System:    req.SystemPrompt,
		MaxTokens: req.MaxTokens,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		out.Temperature = &temp
	}
	return out
}

func mapResponse(resp *anthropic.MessagesResponse) *llm.ChatResponse {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.GetText())
		}
	}

	return &llm.ChatResponse{
		ID:       resp.ID,
		Content:  content.String(),
		Model:    string(resp.Model),
		Provider: llm.ProviderAnthropic,
		Usage: &llm.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		FinishReason: string(resp.StopReason),
		CreatedAt:    time.Now(),
	}
}

func mapError(err error) error {
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		errType := llm.ErrorTypeUnknown
		switch {
		case apiErr.IsInvalidRequestErr():
			errType = llm.ErrorTypeInvalidRequest
		case apiErr.IsAuthenticationErr():
			errType = llm.ErrorTypeAuthentication
		case apiErr.IsRateLimitErr():
			errType = llm.ErrorTypeRateLimit
		case apiErr.IsOverloadedErr():
			errType = llm.ErrorTypeServiceUnavailable
		}
		return llm.NewError(llm.ProviderAnthropic, errType, apiErr.Message, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return llm.NewError(llm.ProviderAnthropic, llm.ErrorTypeTimeout, "request timeout", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return llm.NewError(llm.ProviderAnthropic, llm.ErrorTypeUnknown, err.Error(), err)
}

func validateRequest(req *llm.ChatRequest) error {
	if len(req.Messages) == 0 {
		return llm.NewError(llm.ProviderAnthropic, llm.ErrorTypeInvalidRequest, "messages cannot be empty", nil)
	}
	if req.MaxTokens > maxTokensLimit {
		return llm.NewError(llm.ProviderAnthropic, llm.ErrorTypeInvalidRequest,
			fmt.Sprintf("max_tokens %d exceeds limit of %d", req.MaxTokens, maxTokensLimit), nil)
	}
	return nil
}
