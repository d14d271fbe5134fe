package localssh

import (
	"context"
	"fmt"

	"github.com/synthmsg/botfleet/internal/providers"
)

// Provider attaches to hosts listed in the config. It cannot create or
// delete machines.
type Provider struct {
	cfg providers.Config
}

func New(cfg providers.Config) *Provider { return &Provider{cfg: cfg} }

func (p *Provider) Name() string { return "localssh" }

func (p *Provider) ListInstances(ctx context.Context, name string) ([]providers.Instance, error) {
	_ = ctx
	var nodes []providers.Instance
	for _, h := range p.cfg.Providers.LocalSSH.Hosts {
		nodes = append(nodes, providers.Instance{
			ID:       fmt.Sprintf("local-%s", h.Name),
			Name:     h.Name,
			Status:   providers.StatusRunning,
			PublicIP: h.IP,
		})
	}
	return providers.FilterByName(nodes, name), nil
}

func (p *Provider) CreateInstance(ctx context.Context, req providers.CreateRequest) (providers.Instance, error) {
	return providers.Instance{}, fmt.Errorf("create %s: %w", req.Name, providers.ErrUnsupported)
}

func (p *Provider) DeleteInstance(ctx context.Context, id string) error {
	return fmt.Errorf("delete %s: %w", id, providers.ErrUnsupported)
}

func (p *Provider) ResolveLatestImage(ctx context.Context, marker string) (providers.Image, error) {
	return providers.Image{}, providers.ErrUnsupported
}

func (p *Provider) ResolveCredential(ctx context.Context, id string) (providers.Credential, error) {
	return providers.Credential{}, providers.ErrUnsupported
}
