package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/ragd/internal/chat"
	"github.com/fyrsmithlabs/ragd/internal/cloudauth"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/database"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/model"
	"github.com/fyrsmithlabs/ragd/internal/objstore"
	"github.com/fyrsmithlabs/ragd/internal/prompt"
	"github.com/fyrsmithlabs/ragd/internal/settings"
	"github.com/fyrsmithlabs/ragd/internal/testbed"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

const testAPIKey = "test-key"

// fakeLLM answers every call with the next scripted reply, streaming it
// in two chunks when a streaming func is attached.
type fakeLLM struct {
	mu      sync.Mutex
	replies []string
}

func (m *fakeLLM) GenerateContent(ctx context.Context, _ []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	m.mu.Lock()
	reply := "ok"
	if len(m.replies) > 0 {
		reply = m.replies[0]
		m.replies = m.replies[1:]
	}
	m.mu.Unlock()

	if opts.StreamingFunc != nil && reply != "" {
		half := len(reply) / 2
		for _, chunk := range []string{reply[:half], reply[half:]} {
			if chunk == "" {
				continue
			}
			if err := opts.StreamingFunc(ctx, []byte(chunk)); err != nil {
				return nil, err
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply, StopReason: "stop"}}}, nil
}

func (m *fakeLLM) Call(context.Context, string, ...llms.CallOption) (string, error) {
	return "", errors.New("not implemented")
}

// fakeAdapterSource satisfies the model source interfaces of the graph,
// the engine and the runner with one fake model and one fake embedder.
type fakeAdapterSource struct {
	llm llms.Model
}

func (s fakeAdapterSource) LanguageModel(string) (llms.Model, error) {
	return s.llm, nil
}

func (s fakeAdapterSource) Embedder(string) (embeddings.Embedder, error) {
	return fakeEmbedder{}, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (fakeEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

// testServer bundles a fully wired server with the handles tests poke.
type testServer struct {
	srv        *Server
	llm        *fakeLLM
	scratch    string
	bucketRoot string
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()

	logger := logging.NewTestLogger()
	llm := &fakeLLM{}
	source := fakeAdapterSource{llm: llm}

	settingsReg := settings.NewRegistry(config.DefaultClientTemplate(), logger.Logger)
	modelReg := model.NewRegistry(config.DefaultModels(), logger.Logger)
	dbReg := database.NewRegistry(config.DefaultDatabases(), logger.Logger)
	profileReg := cloudauth.NewRegistry(config.DefaultCloudProfiles(), logger.Logger)
	prompts, err := prompt.NewStore()
	require.NoError(t, err)

	graph, err := chat.NewGraph(chat.Config{
		Settings: settingsReg,
		Models:   source,
		Prompts:  prompts,
		Logger:   logger.Logger,
	})
	require.NoError(t, err)

	scratch := t.TempDir()
	engine, err := vectorstore.NewEngine(vectorstore.Config{
		Databases:  dbReg,
		Models:     modelReg,
		Factory:    source,
		ScratchDir: scratch,
		Logger:     logger.Logger,
	})
	require.NoError(t, err)

	runner, err := testbed.NewRunner(testbed.Config{
		Settings:    settingsReg,
		Models:      source,
		Databases:   dbReg,
		Graph:       graph,
		Prompts:     prompts,
		Logger:      logger.Logger,
		ScratchRoot: scratch,
	})
	require.NoError(t, err)

	bucketRoot := filepath.Join(t.TempDir(), "buckets")
	objects, err := objstore.NewFSStore(bucketRoot)
	require.NoError(t, err)

	cfg := Config{
		Server: config.ServerConfig{
			Port:            8000,
			APIKey:          config.Secret(testAPIKey),
			ShutdownTimeout: config.Duration(time.Second),
			ScratchDir:      scratch,
		},
		Settings:  settingsReg,
		Models:    modelReg,
		Prober:    model.NewProber(logger.Logger),
		Databases: dbReg,
		Profiles:  profileReg,
		Prompts:   prompts,
		Graph:     graph,
		Engine:    engine,
		Runner:    runner,
		Objects:   objects,
		Logger:    logger.Logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return &testServer{srv: srv, llm: llm, scratch: scratch, bucketRoot: bucketRoot}
}

// do issues one authenticated request against the router.
func (ts *testServer) do(method, target string, body io.Reader, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+testAPIKey)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	ts.srv.Echo().ServeHTTP(rec, req)
	return rec
}

func withClient(id string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set(clientHeader, id) }
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into), "body: %s", rec.Body.String())
}

// multipartBody builds a "files" upload with optional extra fields.
func multipartBody(t *testing.T, files map[string]string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for name, content := range files {
		fw, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	require.Error(t, cfg.Validate())

	ts := newTestServer(t, nil)
	require.NotNil(t, ts.srv)
}

func TestBearerAuthRequired(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	ts.srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	assert.Contains(t, body["detail"], "bearer token")
}

func TestBearerAuthWrongToken(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer wrong")
	rec := httptest.NewRecorder()
	ts.srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMalformedClientHeaderRejected(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/v1/models", nil, withClient("no spaces"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/v1/models", nil, withClient("alice"))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProbesUnauthenticated(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{"/v1/healthz", "/v1/liveness", "/v1/readiness", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		ts.srv.Echo().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "path %s", path)
	}
}

func TestHealthzReportsComponentCounts(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/v1/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthzResponse
	decode(t, rec, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 0, body.DatabasesConnected)
}

func TestMCPMountRequiresAPIKey(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.MCP = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("mcp ok"))
		})
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/mcp", nil)
	rec := httptest.NewRecorder()
	ts.srv.Echo().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/mcp", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	rec = httptest.NewRecorder()
	ts.srv.Echo().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mcp ok", rec.Body.String())
}

func TestRequestIDHeaderSet(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}
