// Package database manages named connection pool handles.
//
// Handles are declared in configuration and connected lazily: the first
// Acquire dials and pings, later Acquires reuse the live pool. An admin
// patch re-dials with the merged parameters and commits them only when the
// connection succeeds, so a failed patch never loses a working handle.
// Each name holds at most one live pool; reconnecting a name closes the
// pool it replaces. pgvector types are registered on every connection so
// vector columns scan straight into pgvector.Vector values.
package database

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/logging"
)

// Errors for handle operations.
var (
	ErrNotFound       = errors.New("database not found")
	ErrBadCredentials = errors.New("database authentication failed")
	ErrUnreachable    = errors.New("cannot connect to database")
	ErrIncomplete     = errors.New("missing connection details")
)

// DefaultHandleName is the handle seeded from DB_* environment variables.
const DefaultHandleName = "DEFAULT"

// pingTimeout bounds connection validation.
const pingTimeout = 5 * time.Second

// Status is the read view of a handle. Secrets serialize redacted.
type Status struct {
	config.DatabaseConfig
	Connected bool `json:"connected"`
}

type handle struct {
	cfg  config.DatabaseConfig
	pool *pgxpool.Pool
}

// Registry is the process-wide set of database handles.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*handle
	order   []string
	logger  *logging.Logger
}

// NewRegistry seeds a registry from configuration. A DEFAULT handle always
// exists even when configuration names none.
func NewRegistry(seed []config.DatabaseConfig, logger *logging.Logger) *Registry {
	r := &Registry{
		handles: make(map[string]*handle, len(seed)+1),
		logger:  logger,
	}
	for _, cfg := range seed {
		if cfg.Name == "" {
			continue
		}
		if _, dup := r.handles[cfg.Name]; dup {
			continue
		}
		r.handles[cfg.Name] = &handle{cfg: cfg}
		r.order = append(r.order, cfg.Name)
	}
	if _, ok := r.handles[DefaultHandleName]; !ok {
		r.handles[DefaultHandleName] = &handle{cfg: config.DatabaseConfig{Name: DefaultHandleName}}
		r.order = append(r.order, DefaultHandleName)
	}
	return r
}

// Get returns the status of one handle.
func (r *Registry) Get(name string) (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[name]
	if !ok {
		return Status{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return Status{DatabaseConfig: h.cfg, Connected: h.pool != nil}, nil
}

// List returns the status of every handle in seed order.
func (r *Registry) List() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.order))
	for _, name := range r.order {
		h := r.handles[name]
		out = append(out, Status{DatabaseConfig: h.cfg, Connected: h.pool != nil})
	}
	return out
}

// Names returns handle names in seed order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Connected reports whether the handle holds a live pool.
func (r *Registry) Connected(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[name]
	return ok && h.pool != nil
}

// Patch merges non-zero fields of patch into the named handle, dials with
// the merged parameters, and commits config and pool only on success. A
// redacted secret marker keeps the stored secret.
func (r *Registry) Patch(ctx context.Context, name string, patch config.DatabaseConfig) (Status, error) {
	r.mu.RLock()
	h, ok := r.handles[name]
	var merged config.DatabaseConfig
	if ok {
		merged = h.cfg
	}
	r.mu.RUnlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	if patch.Username != "" {
		merged.Username = patch.Username
	}
	if patch.Password.IsSet() && !patch.Password.IsRedacted() {
		merged.Password = patch.Password
	}
	if patch.DSN != "" {
		merged.DSN = patch.DSN
	}
	if patch.WalletPassword.IsSet() && !patch.WalletPassword.IsRedacted() {
		merged.WalletPassword = patch.WalletPassword
	}
	if patch.TNSAdmin != "" {
		merged.TNSAdmin = patch.TNSAdmin
	}
	if patch.ConnectTimeout > 0 {
		merged.ConnectTimeout = patch.ConnectTimeout
	}

	pool, err := dial(ctx, merged)
	if err != nil {
		return Status{}, err
	}

	r.mu.Lock()
	old := h.pool
	h.cfg = merged
	h.pool = pool
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}

	if r.logger != nil {
		r.logger.Info(ctx, "database connected", zap.String("database", name))
	}
	return Status{DatabaseConfig: merged, Connected: true}, nil
}

// Acquire returns the live pool for one batch of SQL, dialling first when
// the handle has no pool yet. validate forces a ping on a live pool;
// first-time connects always ping. Callers must not cache the pool.
func (r *Registry) Acquire(ctx context.Context, name string, validate bool) (*pgxpool.Pool, error) {
	r.mu.RLock()
	h, ok := r.handles[name]
	var pool *pgxpool.Pool
	var cfg config.DatabaseConfig
	if ok {
		pool, cfg = h.pool, h.cfg
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	if pool != nil {
		if validate {
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			defer cancel()
			if err := pool.Ping(pingCtx); err != nil {
				return nil, classify(err)
			}
		}
		return pool, nil
	}

	fresh, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if h.pool == nil {
		h.pool = fresh
		fresh = nil
	}
	pool = h.pool
	r.mu.Unlock()

	// Lost the race to another Acquire; keep theirs.
	if fresh != nil {
		fresh.Close()
	}
	return pool, nil
}

// Close releases every live pool. Used at shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	pools := make([]*pgxpool.Pool, 0, len(r.handles))
	for _, h := range r.handles {
		if h.pool != nil {
			pools = append(pools, h.pool)
			h.pool = nil
		}
	}
	r.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}

// dial builds a pool from the handle parameters and verifies it with a
// bounded ping.
func dial(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if !cfg.Complete() {
		return nil, fmt.Errorf("%w: database %q needs username, password and dsn", ErrIncomplete, cfg.Name)
	}

	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid dsn: %v", ErrIncomplete, err)
	}
	pc.ConnConfig.User = cfg.Username
	pc.ConnConfig.Password = cfg.Password.Value()
	if cfg.ConnectTimeout > 0 {
		pc.ConnConfig.ConnectTimeout = time.Duration(cfg.ConnectTimeout)
	} else {
		pc.ConnConfig.ConnectTimeout = pingTimeout
	}
	if cfg.TNSAdmin != "" {
		tlsCfg, err := walletTLS(cfg.TNSAdmin, pc.ConnConfig.Host)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIncomplete, err)
		}
		if tlsCfg != nil {
			pc.ConnConfig.TLSConfig = tlsCfg
		}
	}
	pc.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, classify(err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, classify(err)
	}
	return pool, nil
}

// walletTLS loads a CA bundle from the wallet directory when one exists.
// Returns nil config when the directory has no root.crt, leaving the DSN's
// own TLS settings in force.
func walletTLS(dir, host string) (*tls.Config, error) {
	pem, err := os.ReadFile(filepath.Join(dir, "root.crt"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading wallet CA: %v", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("wallet CA %s contains no certificates", filepath.Join(dir, "root.crt"))
	}
	return &tls.Config{RootCAs: roots, ServerName: host, MinVersion: tls.VersionTLS12}, nil
}

// classify maps driver errors onto the registry sentinels. SQLSTATE class
// 28 is invalid authorization; everything else is treated as unreachable.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "28") {
		return fmt.Errorf("%w: %s", ErrBadCredentials, pgErr.Message)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
