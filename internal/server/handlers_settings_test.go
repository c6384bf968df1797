package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/config"
)

func TestSettingsGetUnknownClient(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/v1/settings", nil, withClient("ghost"))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Contains(t, body["detail"], "client not found")
}

func TestSettingsGetDefaultsToServer(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/v1/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cs config.ClientSettings
	decode(t, rec, &cs)
	assert.Equal(t, "server", cs.ClientID)
}

func TestSettingsPatchCreatesThenUpdates(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPatch, "/v1/settings",
		strings.NewReader(`{"language_model":{"model":"openai/gpt-4o"}}`), withClient("alpha"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var cs config.ClientSettings
	decode(t, rec, &cs)
	assert.Equal(t, "alpha", cs.ClientID)
	assert.Equal(t, "openai/gpt-4o", cs.LanguageModel.Model)

	rec = ts.do(http.MethodPatch, "/v1/settings",
		strings.NewReader(`{"vector_search":{"enabled":true}}`), withClient("alpha"))
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &cs)
	assert.True(t, cs.VectorSearch.Enabled)
	// The earlier patch survives the merge.
	assert.Equal(t, "openai/gpt-4o", cs.LanguageModel.Model)
}

func TestSettingsPatchInvalidJSON(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPatch, "/v1/settings", strings.NewReader(`{"top_k": `), withClient("alpha"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettingsClientQueryParamWins(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/v1/settings?client=default", nil, withClient("ghost"))
	require.Equal(t, http.StatusOK, rec.Code)

	var cs config.ClientSettings
	decode(t, rec, &cs)
	assert.Equal(t, "default", cs.ClientID)
}

func TestSettingsClientsList(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/v1/settings/clients", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string][]string
	decode(t, rec, &body)
	assert.Contains(t, body["clients"], "default")
	assert.Contains(t, body["clients"], "server")
}
