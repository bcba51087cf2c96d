package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/davidmoltin/record-automation/pkg/llm"
)

const maxTokensLimit = 16384

// Client implements llm.Client for OpenAI
type Client struct {
	client *openai.Client
	config *llm.Config
}

// NewClient creates a new OpenAI client
func NewClient(config *llm.Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, llm.ErrInvalidAPIKey
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}
	}

	return &Client{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
	}, nil
}

// Chat sends a chat completion request
func (c *Client) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	openaiReq := c.buildRequest(req)

	var resp openai.ChatCompletionResponse
	err := llm.Do(ctx, c.config, func() error {
		var err error
		resp, err = c.client.CreateChatCompletion(ctx, openaiReq)
		return err
	}, mapError)
	if err != nil {
		return nil, err
	}

	return mapResponse(&resp), nil
}

// GetProvider returns the provider type
func (c *Client) GetProvider() llm.Provider {
	return llm.ProviderOpenAI
}

func (c *Client) buildRequest(req *llm.ChatRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.config.DefaultModel
	}
	if model == "" {
		model = openai.GPT4o
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(llm.RoleSystem),
			Content: req.SystemPrompt,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	out := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}
	// the record id doubles as the end-user identifier
	if id, ok := req.Metadata["subject_id"]; ok {
		out.User = id
	}
	return out
}

func mapResponse(resp *openai.ChatCompletionResponse) *llm.ChatResponse {
	var content, finishReason string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finishReason = string(resp.Choices[0].FinishReason)
	}

	return &llm.ChatResponse{
		ID:       resp.ID,
		Content:  content,
		Model:    resp.Model,
		Provider: llm.ProviderOpenAI,
		Usage: &llm.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: finishReason,
		CreatedAt:    time.Unix(int64(resp.Created), 0),
	}
}

func mapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		errType := llm.ErrorTypeUnknown
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized:
			errType = llm.ErrorTypeAuthentication
		case http.StatusTooManyRequests:
			errType = llm.ErrorTypeRateLimit
		case http.StatusBadRequest:
			errType = llm.ErrorTypeInvalidRequest
			if apiErr.Code == "context_length_exceeded" {
				errType = llm.ErrorTypeContextLengthExceeded
			}
		case http.StatusNotFound:
			errType = llm.ErrorTypeModelNotFound
		case http.StatusServiceUnavailable, http.StatusBadGateway:
			errType = llm.ErrorTypeServiceUnavailable
		}
		return llm.NewError(llm.ProviderOpenAI, errType, apiErr.Message, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return llm.NewError(llm.ProviderOpenAI, llm.ErrorTypeTimeout, "request timeout", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return llm.NewError(llm.ProviderOpenAI, llm.ErrorTypeUnknown, err.Error(), err)
}

func validateRequest(req *llm.ChatRequest) error {
	if len(req.Messages) == 0 {
		return llm.NewError(llm.ProviderOpenAI, llm.ErrorTypeInvalidRequest, "messages cannot be empty", nil)
	}
	if req.MaxTokens > maxTokensLimit {
		return llm.NewError(llm.ProviderOpenAI, llm.ErrorTypeInvalidRequest,
			fmt.Sprintf("max_tokens %d exceeds limit of %d", req.MaxTokens, maxTokensLimit), nil)
	}
	return nil
}
