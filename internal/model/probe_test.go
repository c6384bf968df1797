package model

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/config"
)

func TestProberCheckAnyResponseIsReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewProber(nil)
	assert.NoError(t, p.Check(context.Background(), srv.URL))
}

func TestProberCheckTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := NewProber(nil)
	err := p.Check(context.Background(), url)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestProbeAllDisablesUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	up := languageModel("up")
	up.Endpoint = srv.URL
	down := languageModel("down")
	down.Endpoint = deadURL

	reg := NewRegistry([]config.ModelConfig{up, down}, nil)

	require.NoError(t, NewProber(nil).ProbeAll(context.Background(), reg))

	assert.True(t, reg.Enabled("openai/up"))
	assert.False(t, reg.Enabled("openai/down"))
}

func TestProbeAllSkipsTrustedProvider(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	m := languageModel("cloud")
	m.Provider = ProviderOCI
	m.Endpoint = deadURL

	reg := NewRegistry([]config.ModelConfig{m}, nil)

	require.NoError(t, NewProber(nil).ProbeAll(context.Background(), reg))
	assert.True(t, reg.Enabled("oci/cloud"))
}

func TestProbeAllSkipsDisabledAndEndpointless(t *testing.T) {
	off := languageModel("off")
	off.Enabled = false
	off.Endpoint = "http://127.0.0.1:1"

	local := embeddingModel("BAAI/bge-small-en-v1.5")

	reg := NewRegistry([]config.ModelConfig{off, local}, nil)

	require.NoError(t, NewProber(nil).ProbeAll(context.Background(), reg))

	// Untouched: disabled entries stay disabled, endpointless stay enabled.
	assert.False(t, reg.Enabled("openai/off"))
	assert.True(t, reg.Enabled("fastembed/BAAI/bge-small-en-v1.5"))
}
