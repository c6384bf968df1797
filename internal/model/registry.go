// Package model manages the process-wide registry of model descriptors
// and turns them into langchaingo adapters.
//
// Descriptors are identified by "provider/id" and carry everything needed
// to reach the backing service: endpoint, credential (literal key or a
// profile:<name> reference into the cloud auth registry), kind, and
// per-call generation defaults. Endpoints are probed at boot and on
// endpoint changes; a failed probe disables the descriptor unless its
// provider is unconditionally trusted.
//
// Handlers mutate descriptors in place while holding the registry lock so
// components that resolved a descriptor earlier keep observing updates.
package model

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/logging"
)

// Errors for registry operations.
var (
	ErrNotFound             = errors.New("model not found")
	ErrDuplicate            = errors.New("model already exists")
	ErrDisabled             = errors.New("model is disabled")
	ErrUnreachable          = errors.New("model endpoint unreachable")
	ErrUnsupportedProvider  = errors.New("unsupported model provider")
	ErrFastEmbedUnavailable = errors.New("fastembed not available (binary built without CGO)")
)

// Provider names recognised by the adapter factory.
const (
	ProviderOpenAI     = "openai"
	ProviderPerplexity = "pplx"
	ProviderCohere     = "cohere"
	ProviderOllama     = "ollama"
	ProviderVLLM       = "vllm"
	ProviderHF         = "hf"
	ProviderOCI        = "oci"
	ProviderFastEmbed  = "fastembed"
)

// SupportedProviders lists every provider the factory can build an
// adapter for, in display order.
func SupportedProviders() []string {
	return []string{
		ProviderOpenAI,
		ProviderPerplexity,
		ProviderCohere,
		ProviderOllama,
		ProviderVLLM,
		ProviderHF,
		ProviderOCI,
		ProviderFastEmbed,
	}
}

// trustedProviders are exempt from probe-driven disablement: their
// endpoints sit behind provider-side auth that rejects bare GETs, so an
// unreachable probe proves nothing.
var trustedProviders = map[string]bool{
	ProviderOCI: true,
}

// Trusted reports whether a provider is exempt from endpoint probing.
func Trusted(provider string) bool {
	return trustedProviders[provider]
}

// Registry is the process-wide set of model descriptors.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*config.ModelConfig
	order  []string
	logger *logging.Logger
}

// NewRegistry seeds a registry from configuration. Entries with duplicate
// identities after the first are dropped; config merging upstream makes
// this a should-not-happen guard rather than a policy.
func NewRegistry(seed []config.ModelConfig, logger *logging.Logger) *Registry {
	r := &Registry{
		models: make(map[string]*config.ModelConfig, len(seed)),
		logger: logger,
	}
	for _, m := range seed {
		id := m.Identity()
		if _, dup := r.models[id]; dup {
			continue
		}
		cp := m
		r.models[id] = &cp
		r.order = append(r.order, id)
	}
	return r
}

// Get returns a copy of the descriptor with the given "provider/id"
// identity.
func (r *Registry) Get(identity string) (config.ModelConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[identity]
	if !ok {
		return config.ModelConfig{}, fmt.Errorf("%w: %q", ErrNotFound, identity)
	}
	return *m, nil
}

// List returns copies of all descriptors in seed order.
func (r *Registry) List() []config.ModelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]config.ModelConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.models[id])
	}
	return out
}

// ListByKind returns descriptors of one kind, optionally enabled only.
func (r *Registry) ListByKind(kind config.ModelKind, enabledOnly bool) []config.ModelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []config.ModelConfig
	for _, id := range r.order {
		m := r.models[id]
		if m.Kind != kind {
			continue
		}
		if enabledOnly && !m.Enabled {
			continue
		}
		out = append(out, *m)
	}
	return out
}

// Add registers a new descriptor.
func (r *Registry) Add(m config.ModelConfig) error {
	if err := m.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := m.Identity()
	if _, dup := r.models[id]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicate, id)
	}
	cp := m
	r.models[id] = &cp
	r.order = append(r.order, id)
	return nil
}

// Patch updates the named descriptor in place. Non-zero fields of patch
// replace stored values; a redacted credential marker keeps the stored
// credential. Returns the merged descriptor and whether the endpoint
// changed, so callers know a re-probe is due.
func (r *Registry) Patch(identity string, patch config.ModelConfig) (config.ModelConfig, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.models[identity]
	if !ok {
		return config.ModelConfig{}, false, fmt.Errorf("%w: %q", ErrNotFound, identity)
	}

	merged := *current
	endpointChanged := false
	if patch.Endpoint != "" && patch.Endpoint != merged.Endpoint {
		merged.Endpoint = patch.Endpoint
		endpointChanged = true
	}
	if patch.Credential.IsSet() && !patch.Credential.IsRedacted() {
		merged.Credential = patch.Credential
	}
	if patch.MaxInputTokens > 0 {
		merged.MaxInputTokens = patch.MaxInputTokens
	}
	if patch.MaxChunkSize > 0 {
		merged.MaxChunkSize = patch.MaxChunkSize
	}
	if patch.Defaults != (config.GenerationDefaults{}) {
		merged.Defaults = patch.Defaults
	}

	if err := merged.Validate(); err != nil {
		return config.ModelConfig{}, false, err
	}

	*current = merged
	return merged, endpointChanged, nil
}

// SetEnabled flips the enabled flag in place.
func (r *Registry) SetEnabled(identity string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.models[identity]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, identity)
	}
	m.Enabled = enabled
	return nil
}

// Delete removes a descriptor.
func (r *Registry) Delete(identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.models[identity]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, identity)
	}
	delete(r.models, identity)
	for i, id := range r.order {
		if id == identity {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Enabled reports whether the identity exists and is enabled.
func (r *Registry) Enabled(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[identity]
	return ok && m.Enabled
}
