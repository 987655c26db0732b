package llmclient_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/propmark/autopilot/api/schemas"
	"github.com/propmark/autopilot/internal/config"
	"github.com/propmark/autopilot/internal/llmclient"
	"github.com/propmark/autopilot/internal/mocks"
)

func TestNewRouter_RequiresBothTiers(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := llmclient.NewRouter(logger, nil, new(mocks.MockLLMClient))
	assert.Error(t, err)

	_, err = llmclient.NewRouter(logger, new(mocks.MockLLMClient), nil)
	assert.Error(t, err)
}

func TestRouter_DispatchesByTier(t *testing.T) {
	fast := new(mocks.MockLLMClient)
	powerful := new(mocks.MockLLMClient)
	router, err := llmclient.NewRouter(zaptest.NewLogger(t), fast, powerful)
	require.NoError(t, err)

	fast.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return req.Tier == schemas.TierFast
	})).Return("fast answer", nil).Once()

	out, err := router.Generate(context.Background(), schemas.GenerationRequest{Tier: schemas.TierFast})
	require.NoError(t, err)
	assert.Equal(t, "fast answer", out)

	fast.AssertExpectations(t)
	powerful.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestRouter_DefaultsToPowerfulTier(t *testing.T) {
	fast := new(mocks.MockLLMClient)
	powerful := new(mocks.MockLLMClient)
	router, err := llmclient.NewRouter(zaptest.NewLogger(t), fast, powerful)
	require.NoError(t, err)

	powerful.On("Generate", mock.Anything, mock.Anything).Return("deep answer", nil).Once()

	out, err := router.Generate(context.Background(), schemas.GenerationRequest{})
	require.NoError(t, err)
	assert.Equal(t, "deep answer", out)
	powerful.AssertExpectations(t)
}

func TestRouter_UnknownTierFails(t *testing.T) {
	router, err := llmclient.NewRouter(zaptest.NewLogger(t), new(mocks.MockLLMClient), new(mocks.MockLLMClient))
	require.NoError(t, err)

	_, err = router.Generate(context.Background(), schemas.GenerationRequest{Tier: schemas.ModelTier("experimental")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no LLM client configured for tier")
}

func TestNewTieredClient(t *testing.T) {
	model := config.LLMModelConfig{
		Provider:   config.ProviderGemini,
		Model:      "gemini-2.0-flash",
		APIKey:     "test-api-key",
		APITimeout: time.Second,
	}
	cfg := config.LLMConfig{Fast: model, Powerful: model}

	client, err := llmclient.NewTieredClient(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestNewClient_UnknownProvider(t *testing.T) {
	_, err := llmclient.NewClient(config.LLMModelConfig{Provider: "openrouter"}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported LLM provider")
}
