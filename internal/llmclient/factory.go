package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/propmark/autopilot/api/schemas"
	"github.com/propmark/autopilot/internal/config"
)

// NewClient builds a single-model client from its configuration.
func NewClient(cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: %q. Supported: [%s]", cfg.Provider, config.ProviderGemini)
	}
}

// NewTieredClient builds the fast/powerful router used by the agent.
func NewTieredClient(cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	fast, err := NewClient(cfg.Fast, logger)
	if err != nil {
		return nil, fmt.Errorf("fast tier: %w", err)
	}
	powerful, err := NewClient(cfg.Powerful, logger)
	if err != nil {
		return nil, fmt.Errorf("powerful tier: %w", err)
	}
	return NewRouter(logger, fast, powerful)
}
