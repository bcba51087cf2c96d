// Package providers builds an llm.Client for a configured provider
package providers

import (
	"fmt"

	"github.com/davidmoltin/record-automation/pkg/llm"
	"github.com/davidmoltin/record-automation/pkg/llm/providers/anthropic"
	"github.com/davidmoltin/record-automation/pkg/llm/providers/openai"
)

// New returns the client for cfg.Provider
func New(cfg *llm.Config) (llm.Client, error) {
	switch cfg.Provider {
	case llm.ProviderAnthropic:
		return anthropic.NewClient(cfg)
	case llm.ProviderOpenAI:
		return openai.NewClient(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", llm.ErrInvalidProvider, cfg.Provider)
	}
}
