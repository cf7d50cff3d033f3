package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "data/gateway.db", cfg.DatabasePath)
	assert.Equal(t, ThinkingOutputReasoningContent, cfg.ThinkingOutput)
	assert.Equal(t, 10*time.Second, cfg.CooldownDefault)
	assert.Equal(t, 10*time.Minute, cfg.CooldownMax)
	assert.Equal(t, 10*time.Minute, cfg.RequestDeadline)
}

func TestLoadRejectsBadThinkingOutput(t *testing.T) {
	t.Setenv("THINKING_OUTPUT", "markdown")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "THINKING_OUTPUT")
}

func TestLoadRejectsInvertedCooldownBounds(t *testing.T) {
	t.Setenv("COOLDOWN_DEFAULT", "1m")
	t.Setenv("COOLDOWN_MAX", "10s")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadDisableLocalLimitsZeroesCaps(t *testing.T) {
	t.Setenv("DISABLE_LOCAL_LIMITS", "true")
	t.Setenv("ACCOUNT_MAX_CONCURRENCY", "4")
	t.Setenv("MODEL_MAX_CONCURRENCY", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Zero(t, cfg.AccountMaxConcurrency)
	assert.Zero(t, cfg.ModelMaxConcurrency)
}

func TestLoadAPIKeysSeparator(t *testing.T) {
	t.Setenv("API_KEYS", "sk-one,sk-two")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"sk-one", "sk-two"}, cfg.APIKeys)
}

func TestEffectiveModelAliases(t *testing.T) {
	assert.Equal(t, "claude-opus-4-6-thinking", EffectiveModel("claude-opus-4-6"))
	assert.Equal(t, "gemini-3-pro-low", EffectiveModel("gemini-2.5-pro"))
	assert.Equal(t, "claude-sonnet-4-5", EffectiveModel("claude-sonnet-4-5"))
}

func TestSetModelAliasOverrideAndRemove(t *testing.T) {
	SetModelAlias("test-model", "gemini-3-flash")
	assert.Equal(t, "gemini-3-flash", EffectiveModel("test-model"))

	SetModelAlias("test-model", "")
	assert.Equal(t, "test-model", EffectiveModel("test-model"))
}

func TestModelFamilyAndThinking(t *testing.T) {
	assert.Equal(t, ModelFamilyClaude, GetModelFamily("claude-sonnet-4-5"))
	assert.Equal(t, ModelFamilyGemini, GetModelFamily("gemini-3-flash"))
	assert.Equal(t, ModelFamilyUnknown, GetModelFamily("gpt-4o"))

	assert.True(t, IsThinkingModel("claude-opus-4-6-thinking"))
	assert.False(t, IsThinkingModel("claude-sonnet-4-5"))
	assert.True(t, IsThinkingModel("gemini-3-pro-high"))
}

func TestKnownModelsSortedCopy(t *testing.T) {
	models := KnownModels()
	require.NotEmpty(t, models)
	assert.IsIncreasing(t, models)

	models[0] = "mutated"
	assert.NotEqual(t, "mutated", KnownModels()[0])
}
