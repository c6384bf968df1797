package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/config"
)

func languageModel(id string) config.ModelConfig {
	return config.ModelConfig{
		ID:       id,
		Provider: ProviderOpenAI,
		Kind:     config.KindLanguage,
		Endpoint: "https://api.openai.com/v1",
		Enabled:  true,
		Defaults: config.GenerationDefaults{Temperature: 1.0, MaxTokens: 256},
	}
}

func embeddingModel(id string) config.ModelConfig {
	return config.ModelConfig{
		ID:       id,
		Provider: ProviderFastEmbed,
		Kind:     config.KindEmbedding,
		Enabled:  true,
	}
}

func TestRegistrySeedAndGet(t *testing.T) {
	reg := NewRegistry([]config.ModelConfig{
		languageModel("gpt-4o-mini"),
		embeddingModel("BAAI/bge-small-en-v1.5"),
	}, nil)

	m, err := reg.Get("openai/gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", m.ID)
	assert.Equal(t, config.KindLanguage, m.Kind)

	_, err = reg.Get("openai/nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryListPreservesSeedOrder(t *testing.T) {
	reg := NewRegistry([]config.ModelConfig{
		languageModel("b-model"),
		languageModel("a-model"),
		embeddingModel("BAAI/bge-small-en-v1.5"),
	}, nil)

	var ids []string
	for _, m := range reg.List() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"b-model", "a-model", "BAAI/bge-small-en-v1.5"}, ids)
}

func TestRegistryListByKind(t *testing.T) {
	disabled := languageModel("off")
	disabled.Enabled = false

	reg := NewRegistry([]config.ModelConfig{
		languageModel("on"),
		disabled,
		embeddingModel("BAAI/bge-small-en-v1.5"),
	}, nil)

	all := reg.ListByKind(config.KindLanguage, false)
	assert.Len(t, all, 2)

	enabled := reg.ListByKind(config.KindLanguage, true)
	require.Len(t, enabled, 1)
	assert.Equal(t, "on", enabled[0].ID)
}

func TestRegistryAddRejectsDuplicate(t *testing.T) {
	reg := NewRegistry(nil, nil)

	require.NoError(t, reg.Add(languageModel("gpt-4o-mini")))
	err := reg.Add(languageModel("gpt-4o-mini"))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestRegistryAddValidates(t *testing.T) {
	reg := NewRegistry(nil, nil)

	bad := languageModel("gpt-4o-mini")
	bad.Kind = "reranker"
	assert.Error(t, reg.Add(bad))
}

func TestRegistryDelete(t *testing.T) {
	reg := NewRegistry([]config.ModelConfig{languageModel("gpt-4o-mini")}, nil)

	require.NoError(t, reg.Delete("openai/gpt-4o-mini"))
	_, err := reg.Get("openai/gpt-4o-mini")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, reg.Delete("openai/gpt-4o-mini"), ErrNotFound)
}

func TestRegistrySetEnabled(t *testing.T) {
	reg := NewRegistry([]config.ModelConfig{languageModel("gpt-4o-mini")}, nil)

	require.NoError(t, reg.SetEnabled("openai/gpt-4o-mini", false))
	m, err := reg.Get("openai/gpt-4o-mini")
	require.NoError(t, err)
	assert.False(t, m.Enabled)
}

func TestRegistryPatch(t *testing.T) {
	reg := NewRegistry([]config.ModelConfig{languageModel("gpt-4o-mini")}, nil)

	patched, endpointChanged, err := reg.Patch("openai/gpt-4o-mini", config.ModelConfig{
		Endpoint: "http://localhost:8000/v1",
		Defaults: config.GenerationDefaults{Temperature: 0.2, MaxTokens: 512},
	})
	require.NoError(t, err)
	assert.True(t, endpointChanged)
	assert.Equal(t, "http://localhost:8000/v1", patched.Endpoint)
	assert.Equal(t, 0.2, patched.Defaults.Temperature)

	// Same endpoint again is not a change.
	_, endpointChanged, err = reg.Patch("openai/gpt-4o-mini", config.ModelConfig{
		Endpoint: "http://localhost:8000/v1",
	})
	require.NoError(t, err)
	assert.False(t, endpointChanged)
}

func TestRegistryPatchSkipsRedactedCredential(t *testing.T) {
	seed := languageModel("gpt-4o-mini")
	seed.Credential = config.Secret("sk-original")
	reg := NewRegistry([]config.ModelConfig{seed}, nil)

	_, _, err := reg.Patch("openai/gpt-4o-mini", config.ModelConfig{
		Credential: config.Secret(config.Redacted),
	})
	require.NoError(t, err)

	m, err := reg.Get("openai/gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "sk-original", m.Credential.Value())
}

func TestRegistryPatchUnknown(t *testing.T) {
	reg := NewRegistry(nil, nil)
	_, _, err := reg.Patch("openai/nope", config.ModelConfig{Endpoint: "http://x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSupportedProviders(t *testing.T) {
	assert.Contains(t, SupportedProviders(), ProviderOpenAI)
	assert.Contains(t, SupportedProviders(), ProviderFastEmbed)
}
