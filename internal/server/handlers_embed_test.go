package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withContentType(ct string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set(echo.HeaderContentType, ct) }
}

func (ts *testServer) stagingDir(client string) string {
	return filepath.Join(ts.scratch, client, uploadPurpose)
}

func TestUploadLocalStagesFiles(t *testing.T) {
	ts := newTestServer(t, nil)

	buf, ct := multipartBody(t, map[string]string{
		"notes.txt": "first document",
		"readme.md": "# second document",
	}, nil)
	rec := ts.do(http.MethodPost, "/v1/embed/local/store", buf, withContentType(ct))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body uploadResponse
	decode(t, rec, &body)
	assert.Equal(t, 2, body.Count)
	assert.ElementsMatch(t, []string{"notes.txt", "readme.md"}, body.Files)

	for _, name := range body.Files {
		_, err := os.Stat(filepath.Join(ts.stagingDir("server"), name))
		assert.NoError(t, err, "staged file %s", name)
	}
}

func TestUploadLocalAppendsAcrossCalls(t *testing.T) {
	ts := newTestServer(t, nil)

	buf, ct := multipartBody(t, map[string]string{"one.txt": "one"}, nil)
	rec := ts.do(http.MethodPost, "/v1/embed/local/store", buf, withContentType(ct))
	require.Equal(t, http.StatusOK, rec.Code)

	buf, ct = multipartBody(t, map[string]string{"two.txt": "two"}, nil)
	rec = ts.do(http.MethodPost, "/v1/embed/local/store", buf, withContentType(ct))
	require.Equal(t, http.StatusOK, rec.Code)

	entries, err := os.ReadDir(ts.stagingDir("server"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestUploadLocalRejectsUnsupportedBatch(t *testing.T) {
	ts := newTestServer(t, nil)

	buf, ct := multipartBody(t, map[string]string{
		"fine.txt":   "ok",
		"broken.exe": "nope",
	}, nil)
	rec := ts.do(http.MethodPost, "/v1/embed/local/store", buf, withContentType(ct))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// one bad extension fails the whole batch before anything lands
	_, err := os.Stat(ts.stagingDir("server"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestUploadLocalPerClientIsolation(t *testing.T) {
	ts := newTestServer(t, nil)

	buf, ct := multipartBody(t, map[string]string{"alice.txt": "hers"}, nil)
	rec := ts.do(http.MethodPost, "/v1/embed/local/store", buf,
		withContentType(ct), withClient("alice"))
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := os.Stat(filepath.Join(ts.stagingDir("alice"), "alice.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(ts.stagingDir("server"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestUploadWebStagesDocument(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("fetched text"))
	}))
	defer origin.Close()

	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodPost, "/v1/embed/web/store",
		strings.NewReader(`{"url":"`+origin.URL+`/docs/page.txt"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "page.txt", body["file"])
	assert.Equal(t, float64(len("fetched text")), body["bytes"])

	_, err := os.Stat(filepath.Join(ts.stagingDir("server"), "page.txt"))
	assert.NoError(t, err)
}

func TestUploadWebFailures(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer origin.Close()

	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/v1/embed/web/store",
		strings.NewReader(`{"url":"`+origin.URL+`/page.txt"}`))
	assert.Equal(t, http.StatusFailedDependency, rec.Code, "upstream 5xx")

	rec = ts.do(http.MethodPost, "/v1/embed/web/store",
		strings.NewReader(`{"url":"relative/path.txt"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "relative url")

	rec = ts.do(http.MethodPost, "/v1/embed/web/store",
		strings.NewReader(`{"url":"`+origin.URL+`/archive.zip"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unsupported extension")
}

func TestUploadSQLRejectsNonSelect(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/v1/embed/sql/store",
		strings.NewReader(`{"query":"DELETE FROM users"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Contains(t, body["detail"], "SELECT")
}

func TestEmbedNothingStaged(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/v1/embed", strings.NewReader(`{}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Contains(t, body["detail"], "no files staged")
}

func TestEmbedConsumesStagingDirOnFailure(t *testing.T) {
	ts := newTestServer(t, nil)

	buf, ct := multipartBody(t, map[string]string{"doc.txt": "some content"}, nil)
	rec := ts.do(http.MethodPost, "/v1/embed/local/store", buf, withContentType(ct))
	require.Equal(t, http.StatusOK, rec.Code)

	// the default database handle has no credentials, so the ingest
	// fails after the files were picked up
	rec = ts.do(http.MethodPost, "/v1/embed", strings.NewReader(`{}`))
	require.GreaterOrEqual(t, rec.Code, 400)

	// the staging directory is consumed either way; a retry starts
	// from fresh uploads
	_, err := os.Stat(ts.stagingDir("server"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	rec = ts.do(http.MethodPost, "/v1/embed", strings.NewReader(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshRequiresBucket(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/v1/embed/refresh", strings.NewReader(`{}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	decode(t, rec, &body)
	assert.Contains(t, body["detail"], "bucket")
}
