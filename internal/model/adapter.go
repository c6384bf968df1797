package model

import (
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/cohere"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/ragd/internal/cloudauth"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/logging"
)

// ErrWrongKind indicates a language model was requested where an
// embedding model is registered, or the reverse.
var ErrWrongKind = errors.New("model kind mismatch")

// placeholderToken satisfies clients that insist on a bearer token even
// when the backing service (local vLLM, TEI, Ollama-compatible gateways)
// ignores it.
const placeholderToken = "placeholder"

// FactoryConfig tunes adapter construction.
type FactoryConfig struct {
	// FastEmbedCacheDir is where local ONNX models are cached.
	FastEmbedCacheDir string
}

// Factory builds langchaingo adapters out of registered descriptors.
// Descriptors are resolved by identity at call time so admin patches take
// effect on the next request.
type Factory struct {
	registry *Registry
	profiles *cloudauth.Registry
	cfg      FactoryConfig
	logger   *logging.Logger
}

// NewFactory creates an adapter factory over the given registries.
func NewFactory(registry *Registry, profiles *cloudauth.Registry, cfg FactoryConfig, logger *logging.Logger) *Factory {
	return &Factory{
		registry: registry,
		profiles: profiles,
		cfg:      cfg,
		logger:   logger,
	}
}

// LanguageModel returns a chat-capable adapter for the identity.
func (f *Factory) LanguageModel(identity string) (llms.Model, error) {
	m, err := f.lookup(identity, config.KindLanguage)
	if err != nil {
		return nil, err
	}

	token, endpoint, err := f.resolveCredential(m)
	if err != nil {
		return nil, err
	}

	switch m.Provider {
	case ProviderOpenAI, ProviderPerplexity, ProviderVLLM, ProviderHF, ProviderOCI:
		if token == "" {
			token = placeholderToken
		}
		opts := []openai.Option{
			openai.WithModel(m.ID),
			openai.WithToken(token),
		}
		if endpoint != "" {
			opts = append(opts, openai.WithBaseURL(endpoint))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating %s client: %w", m.Provider, err)
		}
		return llm, nil

	case ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(m.ID)}
		if endpoint != "" {
			opts = append(opts, ollama.WithServerURL(endpoint))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating ollama client: %w", err)
		}
		return llm, nil

	case ProviderCohere:
		opts := []cohere.Option{cohere.WithModel(m.ID)}
		if token != "" {
			opts = append(opts, cohere.WithToken(token))
		}
		if endpoint != "" {
			opts = append(opts, cohere.WithBaseURL(endpoint))
		}
		llm, err := cohere.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating cohere client: %w", err)
		}
		return llm, nil
	}

	return nil, fmt.Errorf("%w: %q has no language adapter", ErrUnsupportedProvider, m.Provider)
}

// Embedder returns an embedding adapter for the identity.
func (f *Factory) Embedder(identity string) (embeddings.Embedder, error) {
	m, err := f.lookup(identity, config.KindEmbedding)
	if err != nil {
		return nil, err
	}

	if m.Provider == ProviderFastEmbed {
		return newFastEmbedProvider(fastEmbedConfig{
			Model:    m.ID,
			CacheDir: f.cfg.FastEmbedCacheDir,
		})
	}

	token, endpoint, err := f.resolveCredential(m)
	if err != nil {
		return nil, err
	}

	switch m.Provider {
	case ProviderOpenAI, ProviderVLLM, ProviderHF, ProviderOCI:
		if token == "" {
			token = placeholderToken
		}
		opts := []openai.Option{
			openai.WithModel(m.ID),
			openai.WithEmbeddingModel(m.ID),
			openai.WithToken(token),
		}
		if endpoint != "" {
			opts = append(opts, openai.WithBaseURL(endpoint))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating %s client: %w", m.Provider, err)
		}
		embedder, err := embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("creating embedder: %w", err)
		}
		return embedder, nil

	case ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(m.ID)}
		if endpoint != "" {
			opts = append(opts, ollama.WithServerURL(endpoint))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating ollama client: %w", err)
		}
		embedder, err := embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("creating embedder: %w", err)
		}
		return embedder, nil
	}

	return nil, fmt.Errorf("%w: %q has no embedding adapter", ErrUnsupportedProvider, m.Provider)
}

// lookup resolves the identity and enforces kind and enablement.
func (f *Factory) lookup(identity string, kind config.ModelKind) (config.ModelConfig, error) {
	m, err := f.registry.Get(identity)
	if err != nil {
		return config.ModelConfig{}, err
	}
	if m.Kind != kind {
		return config.ModelConfig{}, fmt.Errorf("%w: %q is %s, want %s", ErrWrongKind, identity, m.Kind, kind)
	}
	if !m.Enabled {
		return config.ModelConfig{}, fmt.Errorf("%w: %q", ErrDisabled, identity)
	}
	return m, nil
}

// resolveCredential turns the descriptor's credential into a bearer value
// and resolves any endpoint override from a referenced auth profile.
func (f *Factory) resolveCredential(m config.ModelConfig) (token, endpoint string, err error) {
	endpoint = m.Endpoint

	if name := m.ProfileRef(); name != "" {
		if f.profiles == nil {
			return "", "", fmt.Errorf("model %s references auth profile %q but no profile registry is configured", m.Identity(), name)
		}
		cred, err := f.profiles.Credential(name)
		if err != nil {
			return "", "", fmt.Errorf("model %s: %w", m.Identity(), err)
		}
		bearer, err := cred.Bearer()
		if err != nil {
			return "", "", fmt.Errorf("model %s: %w", m.Identity(), err)
		}
		if endpoint == "" {
			endpoint = cred.ServiceEndpoint
		}
		return bearer, endpoint, nil
	}

	return m.Credential.Value(), endpoint, nil
}
