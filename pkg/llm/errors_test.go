package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewError(ProviderOpenAI, ErrorTypeTimeout, "letter draft timed out", cause)

	assert.Equal(t, "timeout error from openai: letter draft timed out (original: connection reset)", err.Error())
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Equal(t, "rate_limit error from anthropic: slow down",
		NewError(ProviderAnthropic, ErrorTypeRateLimit, "slow down", nil).Error())
}

func TestError_Classification(t *testing.T) {
	tests := []struct {
		errType   ErrorType
		sentinel  error
		retryable bool
	}{
		{ErrorTypeInvalidRequest, ErrInvalidRequest, false},
		{ErrorTypeAuthentication, ErrInvalidAPIKey, false},
		{ErrorTypeRateLimit, ErrRateLimitExceeded, true},
		{ErrorTypeQuota, ErrQuotaExceeded, false},
		{ErrorTypeModelNotFound, ErrModelNotFound, false},
		{ErrorTypeContextLengthExceeded, ErrContextLengthExceeded, false},
		{ErrorTypeTimeout, ErrTimeout, true},
		{ErrorTypeServiceUnavailable, ErrServiceUnavailable, true},
		{ErrorTypeUnknown, ErrUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			err := fmt.Errorf("drafting: %w", NewError(ProviderAnthropic, tt.errType, "boom", nil))
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			if tt.sentinel != ErrUnknown {
				assert.NotErrorIs(t, err, ErrUnknown)
			}
		})
	}

	assert.False(t, IsRetryable(errors.New("plain error")))
}

func TestDo(t *testing.T) {
	cfg := &Config{MaxRetries: 2, RetryDelay: time.Millisecond}
	mapErr := func(err error) error { return err }

	t.Run("retries retryable errors", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), cfg, func() error {
			calls++
			if calls < 3 {
				return NewError(ProviderOpenAI, ErrorTypeRateLimit, "slow down", nil)
			}
			return nil
		}, mapErr)
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), cfg, func() error {
			calls++
			return NewError(ProviderOpenAI, ErrorTypeAuthentication, "bad key", nil)
		}, mapErr)
		assert.ErrorIs(t, err, ErrInvalidAPIKey)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), cfg, func() error {
			calls++
			return NewError(ProviderAnthropic, ErrorTypeServiceUnavailable, "overloaded", nil)
		}, mapErr)
		assert.ErrorIs(t, err, ErrServiceUnavailable)
		assert.Equal(t, 3, calls)
	})

	t.Run("honours cancellation between attempts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		err := Do(ctx, cfg, func() error {
			cancel()
			return NewError(ProviderAnthropic, ErrorTypeTimeout, "timeout", nil)
		}, mapErr)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
