package cloudauth

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/ragd/internal/config"
)

// tokenRefreshWindow bounds how long a file-sourced security token is
// served from cache before the file is read again. Session tokens are
// rotated on disk by external tooling, not by this process.
const tokenRefreshWindow = 5 * time.Minute

// Credential is a resolved auth profile ready for adapter construction.
// APIKey is populated for api_key profiles; Source for token-bearing
// modes. Region, CompartmentID and ServiceEndpoint pass through from the
// profile so adapters can target regional endpoints.
type Credential struct {
	Profile         string
	Mode            config.AuthMode
	APIKey          config.Secret
	Region          string
	CompartmentID   string
	ServiceEndpoint string
	Source          oauth2.TokenSource
}

// Bearer returns the bearer value for an outbound request: the static key
// for api_key profiles, otherwise the current token from the source.
func (c Credential) Bearer() (string, error) {
	if c.Mode == config.AuthAPIKey {
		return c.APIKey.Value(), nil
	}
	if c.Source == nil {
		return "", fmt.Errorf("%w: profile %q has no token source", ErrUnavailable, c.Profile)
	}
	tok, err := c.Source.Token()
	if err != nil {
		return "", fmt.Errorf("resolving token for profile %q: %w", c.Profile, err)
	}
	return tok.AccessToken, nil
}

// Credential resolves the named profile into an adapter credential.
// The profile must pass validation; incomplete profiles fail here rather
// than deep inside a model call.
func (r *Registry) Credential(name string) (Credential, error) {
	p, err := r.Get(name)
	if err != nil {
		return Credential{}, err
	}
	if err := p.Validate(); err != nil {
		return Credential{}, fmt.Errorf("profile %q: %w", name, err)
	}

	cred := Credential{
		Profile:         p.Name,
		Mode:            p.Authentication,
		Region:          p.Region,
		CompartmentID:   p.CompartmentID,
		ServiceEndpoint: p.ServiceEndpoint,
	}

	switch p.Authentication {
	case config.AuthAPIKey:
		key, err := apiKeyMaterial(p)
		if err != nil {
			return Credential{}, err
		}
		cred.APIKey = key
		cred.Source = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: key.Value()})

	case config.AuthSecurityToken:
		fts := &fileTokenSource{path: p.SecurityTokenFile}
		initial, err := fts.Token()
		if err != nil {
			return Credential{}, fmt.Errorf("profile %q: %w", name, err)
		}
		cred.Source = oauth2.ReuseTokenSource(initial, fts)

	case config.AuthInstanceIdentity, config.AuthWorkloadIdentity:
		cred.Source = unavailableSource{profile: p.Name, mode: p.Authentication}

	default:
		return Credential{}, fmt.Errorf("profile %q: unknown authentication mode %q", name, p.Authentication)
	}

	return cred, nil
}

// apiKeyMaterial returns the profile's key: inline content wins over a
// key file reference.
func apiKeyMaterial(p config.CloudAuthProfile) (config.Secret, error) {
	if p.KeyContent.IsSet() {
		return p.KeyContent, nil
	}
	raw, err := os.ReadFile(p.KeyFile)
	if err != nil {
		return "", fmt.Errorf("profile %q: reading key file: %w", p.Name, err)
	}
	return config.Secret(strings.TrimSpace(string(raw))), nil
}

// fileTokenSource reads a session token from disk on every call. The
// expiry it stamps drives ReuseTokenSource's cache window.
type fileTokenSource struct {
	mu   sync.Mutex
	path string
}

func (f *fileTokenSource) Token() (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading security token file: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return nil, fmt.Errorf("security token file %q is empty", f.path)
	}
	return &oauth2.Token{
		AccessToken: token,
		Expiry:      time.Now().Add(tokenRefreshWindow),
	}, nil
}

// unavailableSource stands in for platform identity modes. Resolution of
// the profile succeeds so boot never blocks on the metadata service, but
// any attempt to mint a token reports the mode unavailable.
type unavailableSource struct {
	profile string
	mode    config.AuthMode
}

func (u unavailableSource) Token() (*oauth2.Token, error) {
	return nil, fmt.Errorf("%w: profile %q mode %q requires platform identity not present in this deployment",
		ErrUnavailable, u.profile, u.mode)
}
