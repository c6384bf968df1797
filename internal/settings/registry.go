// Package settings stores per-client settings records.
//
// Records are keyed by client id. "default" and "server" are seeded at
// boot from the configured template; any other client springs into
// existence on its first authenticated patch as a deep copy of "default".
// The registry only ever hands out deep copies, and patches mutate the
// stored record in place so long-lived references observe updates.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/logging"
)

// Errors for settings operations.
var (
	ErrNotFound     = errors.New("client not found")
	ErrInvalidPatch = errors.New("invalid settings patch")
)

// Client ids that always exist.
const (
	DefaultClientID = "default"
	ServerClientID  = "server"
)

// Registry is the process-wide set of client settings records.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*config.ClientSettings
	order   []string
	logger  *logging.Logger
}

// NewRegistry seeds "default" and "server" from the template.
func NewRegistry(template config.ClientSettings, logger *logging.Logger) *Registry {
	r := &Registry{
		clients: make(map[string]*config.ClientSettings, 2),
		logger:  logger,
	}
	for _, id := range []string{DefaultClientID, ServerClientID} {
		cp := template.Clone()
		cp.ClientID = id
		r.clients[id] = cp
		r.order = append(r.order, id)
	}
	return r
}

// Get returns a deep copy of the client's record.
func (r *Registry) Get(id string) (config.ClientSettings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.clients[id]
	if !ok {
		return config.ClientSettings{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return *s.Clone(), nil
}

// Exists reports whether the client id has a record.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[id]
	return ok
}

// List returns deep copies of every record in creation order.
func (r *Registry) List() []config.ClientSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]config.ClientSettings, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.clients[id].Clone())
	}
	return out
}

// Names returns client ids in creation order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Patch applies a partial JSON document over the client's record. Fields
// absent from raw keep their current values. An unknown id creates the
// record as a deep copy of "default" before the patch applies; the second
// return reports that creation. The body cannot rename a record: client_id
// always comes from the route.
func (r *Registry) Patch(id string, raw []byte) (config.ClientSettings, bool, error) {
	if id == "" {
		return config.ClientSettings{}, false, fmt.Errorf("%w: empty client id", ErrInvalidPatch)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.clients[id]
	var merged *config.ClientSettings
	if exists {
		merged = stored.Clone()
	} else {
		merged = r.clients[DefaultClientID].Clone()
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, merged); err != nil {
			return config.ClientSettings{}, false, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
	}
	merged.ClientID = id

	if err := merged.Validate(); err != nil {
		return config.ClientSettings{}, false, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}

	if exists {
		*stored = *merged
	} else {
		r.clients[id] = merged
		r.order = append(r.order, id)
		if r.logger != nil {
			r.logger.Debug(context.Background(), "client settings created", zap.String("client.id", id))
		}
	}
	return *merged.Clone(), !exists, nil
}
