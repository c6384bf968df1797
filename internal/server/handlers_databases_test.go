package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/database"
)

func TestDatabaseListSeedsDefault(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/v1/databases", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body databaseListResponse
	decode(t, rec, &body)
	require.NotEmpty(t, body.Databases)
	assert.Equal(t, database.DefaultHandleName, body.Databases[0].Name)
	assert.False(t, body.Databases[0].Connected)
}

func TestDatabaseGetUnknown(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/v1/databases/NOPE", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDatabasePatchIncompleteRejected(t *testing.T) {
	ts := newTestServer(t, nil)

	// Username alone cannot dial; the handle must stay untouched.
	rec := ts.do(http.MethodPatch, "/v1/databases/DEFAULT", strings.NewReader(`{"username":"scott"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/v1/databases/DEFAULT", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st database.Status
	decode(t, rec, &st)
	assert.Empty(t, st.Username)
}

func TestDatabaseValidateOnGetIncomplete(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/v1/databases/DEFAULT?validate=true", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
