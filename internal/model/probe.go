package model

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/ragd/internal/logging"
)

// probeTimeout bounds a single reachability check.
const probeTimeout = 5 * time.Second

// Prober checks model endpoints for reachability. Any HTTP response
// counts as reachable; only transport-level failures (refused, DNS,
// timeout) mark an endpoint down, since most providers reject
// unauthenticated GETs with 4xx.
type Prober struct {
	client *http.Client
	logger *logging.Logger
}

// NewProber creates a prober with the default timeout.
func NewProber(logger *logging.Logger) *Prober {
	return &Prober{
		client: &http.Client{Timeout: probeTimeout},
		logger: logger,
	}
}

// Check performs one reachability probe against url.
func (p *Prober) Check(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	return nil
}

// ProbeAll checks every enabled descriptor with an endpoint and disables
// the ones that fail, except descriptors of trusted providers. Probes run
// concurrently; only context cancellation aborts the sweep.
func (p *Prober) ProbeAll(ctx context.Context, reg *Registry) error {
	candidates := reg.List()

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range candidates {
		if !m.Enabled || m.Endpoint == "" || trustedProviders[m.Provider] {
			continue
		}
		identity, endpoint := m.Identity(), m.Endpoint
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := p.Check(gctx, endpoint); err != nil {
				_ = reg.SetEnabled(identity, false)
				if p.logger != nil {
					p.logger.Warn(gctx, "model endpoint unreachable, disabling",
						zap.String("model", identity),
						zap.String("endpoint", endpoint),
						zap.Error(err))
				}
			}
			return nil
		})
	}
	return g.Wait()
}
