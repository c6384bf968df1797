// Package cloudauth manages the process-wide registry of cloud auth
// profiles and resolves them into credentials usable by model adapters.
//
// Profiles carry one of four authentication modes: api_key (static key
// material), security_token (token file refreshed out of band by the CLI),
// instance_identity and workload_identity (ambient identity from the
// runtime platform). Exactly one mode is active per profile and each mode
// has its own required fields, enforced by config.CloudAuthProfile.Validate.
//
// Registries are mutated in place by admin PATCH handlers; readers take
// the registry lock only long enough to copy a profile out.
package cloudauth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/logging"
)

// Errors for profile operations.
var (
	ErrNotFound    = errors.New("auth profile not found")
	ErrDuplicate   = errors.New("auth profile already exists")
	ErrUnavailable = errors.New("authentication mode unavailable")
)

// DefaultProfileName is seeded at boot and always present.
const DefaultProfileName = "DEFAULT"

// Registry is the process-wide set of cloud auth profiles.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*config.CloudAuthProfile
	order    []string
	logger   *logging.Logger
}

// NewRegistry seeds a registry from configuration. Profiles that fail
// validation are kept but logged; they surface errors at resolution time
// so a bad profile cannot block boot.
func NewRegistry(seed []config.CloudAuthProfile, logger *logging.Logger) *Registry {
	r := &Registry{
		profiles: make(map[string]*config.CloudAuthProfile, len(seed)+1),
		logger:   logger,
	}
	for _, p := range seed {
		if _, dup := r.profiles[p.Name]; dup {
			continue
		}
		if err := p.Validate(); err != nil && logger != nil {
			logger.Warn(context.Background(), "auth profile failed validation, resolution will fail until patched",
				zap.String("profile", p.Name), zap.Error(err))
		}
		cp := p
		r.profiles[p.Name] = &cp
		r.order = append(r.order, p.Name)
	}
	if _, ok := r.profiles[DefaultProfileName]; !ok {
		r.profiles[DefaultProfileName] = &config.CloudAuthProfile{
			Name:           DefaultProfileName,
			Authentication: config.AuthAPIKey,
		}
		r.order = append(r.order, DefaultProfileName)
	}
	return r
}

// Get returns a copy of the named profile.
func (r *Registry) Get(name string) (config.CloudAuthProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[name]
	if !ok {
		return config.CloudAuthProfile{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return *p, nil
}

// List returns copies of all profiles in seed order.
func (r *Registry) List() []config.CloudAuthProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]config.CloudAuthProfile, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.profiles[name])
	}
	return out
}

// Names returns all profile names in seed order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Patch updates the named profile in place. Non-zero fields of patch
// replace the stored values; secret fields carrying the redaction marker
// are ignored so clients may echo GET responses back. The merged result
// must validate or the stored profile is left untouched.
func (r *Registry) Patch(name string, patch config.CloudAuthProfile) (config.CloudAuthProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.profiles[name]
	if !ok {
		return config.CloudAuthProfile{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	merged := *current
	if patch.Authentication != "" {
		merged.Authentication = patch.Authentication
	}
	if patch.User != "" {
		merged.User = patch.User
	}
	if patch.Tenancy != "" {
		merged.Tenancy = patch.Tenancy
	}
	if patch.Region != "" {
		merged.Region = patch.Region
	}
	if patch.Fingerprint != "" {
		merged.Fingerprint = patch.Fingerprint
	}
	if patch.KeyFile != "" {
		merged.KeyFile = patch.KeyFile
	}
	if patch.KeyContent.IsSet() && !patch.KeyContent.IsRedacted() {
		merged.KeyContent = patch.KeyContent
	}
	if patch.SecurityTokenFile != "" {
		merged.SecurityTokenFile = patch.SecurityTokenFile
	}
	if patch.CompartmentID != "" {
		merged.CompartmentID = patch.CompartmentID
	}
	if patch.ServiceEndpoint != "" {
		merged.ServiceEndpoint = patch.ServiceEndpoint
	}

	if err := merged.Validate(); err != nil {
		return config.CloudAuthProfile{}, err
	}

	*current = merged
	return merged, nil
}

// Add registers a new profile. Used when a config reload introduces
// identities that were not present at boot.
func (r *Registry) Add(p config.CloudAuthProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.profiles[p.Name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicate, p.Name)
	}
	cp := p
	r.profiles[p.Name] = &cp
	r.order = append(r.order, p.Name)
	return nil
}
