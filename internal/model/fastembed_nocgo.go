//go:build !cgo

package model

import (
	"context"

	"github.com/tmc/langchaingo/embeddings"
)

// fastEmbedConfig holds construction parameters for the local ONNX provider.
type fastEmbedConfig struct {
	Model     string
	CacheDir  string
	MaxLength int
}

// fastEmbedProvider is a stub for builds without CGO. The ONNX runtime
// needs CGO, so the fastembed provider cannot be constructed here.
type fastEmbedProvider struct{}

var _ embeddings.Embedder = (*fastEmbedProvider)(nil)

func newFastEmbedProvider(_ fastEmbedConfig) (*fastEmbedProvider, error) {
	return nil, ErrFastEmbedUnavailable
}

func (p *fastEmbedProvider) EmbedDocuments(_ context.Context, _ []string) ([][]float32, error) {
	return nil, ErrFastEmbedUnavailable
}

func (p *fastEmbedProvider) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return nil, ErrFastEmbedUnavailable
}

func (p *fastEmbedProvider) Dimension() int { return 0 }

func (p *fastEmbedProvider) Close() error { return nil }
