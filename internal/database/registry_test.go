package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/config"
)

// testDSN returns the integration database DSN, or skips the test when
// RAGD_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("RAGD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RAGD_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func TestNewRegistrySeedsDefault(t *testing.T) {
	reg := NewRegistry(nil, nil)

	st, err := reg.Get(DefaultHandleName)
	require.NoError(t, err)
	assert.Equal(t, DefaultHandleName, st.Name)
	assert.False(t, st.Connected)
}

func TestRegistrySeedOrder(t *testing.T) {
	reg := NewRegistry([]config.DatabaseConfig{
		{Name: "CORE"},
		{Name: "ANALYTICS"},
	}, nil)

	assert.Equal(t, []string{"CORE", "ANALYTICS", DefaultHandleName}, reg.Names())
}

func TestRegistryGetUnknown(t *testing.T) {
	reg := NewRegistry(nil, nil)

	_, err := reg.Get("GHOST")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = reg.Acquire(context.Background(), "GHOST", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAcquireIncompleteHandle(t *testing.T) {
	reg := NewRegistry(nil, nil)

	_, err := reg.Acquire(context.Background(), DefaultHandleName, false)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestPatchUnreachableLeavesRegistryUnchanged(t *testing.T) {
	seed := config.DatabaseConfig{
		Name:     "CORE",
		Username: "app",
		Password: config.Secret("pw"),
		DSN:      "postgres://127.0.0.1:5432/app",
	}
	reg := NewRegistry([]config.DatabaseConfig{seed}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Port 1 never listens; the dial fails before anything commits.
	_, err := reg.Patch(ctx, "CORE", config.DatabaseConfig{
		DSN: "postgres://127.0.0.1:1/app?sslmode=disable",
	})
	require.ErrorIs(t, err, ErrUnreachable)

	st, err := reg.Get("CORE")
	require.NoError(t, err)
	assert.Equal(t, "postgres://127.0.0.1:5432/app", st.DSN)
	assert.False(t, st.Connected)
}

func TestPatchInvalidDSN(t *testing.T) {
	reg := NewRegistry(nil, nil)

	_, err := reg.Patch(context.Background(), DefaultHandleName, config.DatabaseConfig{
		Username: "app",
		Password: config.Secret("pw"),
		DSN:      "://not-a-dsn",
	})
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestClassify(t *testing.T) {
	authErr := &pgconn.PgError{Code: "28P01", Message: "password authentication failed"}
	assert.ErrorIs(t, classify(authErr), ErrBadCredentials)

	specErr := &pgconn.PgError{Code: "28000", Message: "no pg_hba.conf entry"}
	assert.ErrorIs(t, classify(specErr), ErrBadCredentials)

	otherErr := &pgconn.PgError{Code: "57P03", Message: "the database system is starting up"}
	assert.ErrorIs(t, classify(otherErr), ErrUnreachable)

	assert.ErrorIs(t, classify(context.DeadlineExceeded), ErrUnreachable)
}

func TestRegistryLifecycle(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	parsed, err := pgx.ParseConfig(dsn)
	require.NoError(t, err)

	reg := NewRegistry(nil, nil)
	t.Cleanup(reg.Close)

	st, err := reg.Patch(ctx, DefaultHandleName, config.DatabaseConfig{
		Username: parsed.User,
		Password: config.Secret(parsed.Password),
		DSN:      dsn,
	})
	require.NoError(t, err)
	assert.True(t, st.Connected)

	pool, err := reg.Acquire(ctx, DefaultHandleName, true)
	require.NoError(t, err)

	var one int
	require.NoError(t, pool.QueryRow(ctx, "SELECT 1").Scan(&one))
	assert.Equal(t, 1, one)

	// Re-patching replaces the pool; the handle stays connected.
	st, err = reg.Patch(ctx, DefaultHandleName, config.DatabaseConfig{})
	require.NoError(t, err)
	assert.True(t, st.Connected)
}

func TestAcquireConnectsOnFirstUse(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	parsed, err := pgx.ParseConfig(dsn)
	require.NoError(t, err)

	reg := NewRegistry([]config.DatabaseConfig{{
		Name:     "CORE",
		Username: parsed.User,
		Password: config.Secret(parsed.Password),
		DSN:      dsn,
	}}, nil)
	t.Cleanup(reg.Close)

	assert.False(t, reg.Connected("CORE"))

	_, err = reg.Acquire(ctx, "CORE", false)
	require.NoError(t, err)
	assert.True(t, reg.Connected("CORE"))
}
