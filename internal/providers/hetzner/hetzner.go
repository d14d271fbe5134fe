package hetzner

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	prov "github.com/synthmsg/botfleet/internal/providers"
)

const hetznerAPI = "https://api.hetzner.cloud/v1"

type Provider struct {
	cfg     prov.Config
	baseURL string
	http    *prov.RetryableHTTPClient
	pages   *prov.Paginator
}

func New(cfg prov.Config) *Provider {
	return &Provider{
		cfg:     cfg,
		baseURL: hetznerAPI,
		http:    prov.NewRetryableHTTPClient("hetzner", cfg.Providers.Hetzner.Token, 30*time.Second, cfg.Providers.RequestsPerSecond),
		pages:   prov.NewPaginator(),
	}
}

// WithBaseURL points the adapter at another endpoint.
func (p *Provider) WithBaseURL(u string) *Provider {
	p.baseURL = u
	return p
}

// WithRetryConfig overrides the HTTP retry policy.
func (p *Provider) WithRetryConfig(rc prov.RetryConfig) *Provider {
	p.http.WithRetryConfig(rc)
	return p
}

func (p *Provider) Name() string { return "hetzner" }

type hcServer struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Created   string `json:"created"`
	PublicNet struct {
		IPv4 *struct {
			IP string `json:"ip"`
		} `json:"ipv4"`
	} `json:"public_net"`
}

type hcMeta struct {
	Pagination struct {
		Page     int  `json:"page"`
		NextPage *int `json:"next_page"`
	} `json:"pagination"`
}

type hcServerList struct {
	Servers []hcServer `json:"servers"`
	Meta    hcMeta     `json:"meta"`
}

type hcCreateReq struct {
	Name             string   `json:"name"`
	ServerType       string   `json:"server_type"`
	Image            string   `json:"image"`
	Location         string   `json:"location,omitempty"`
	SSHKeys          []string `json:"ssh_keys,omitempty"`
	UserData         string   `json:"user_data,omitempty"`
	StartAfterCreate bool     `json:"start_after_create"`
}

type hcCreateResp struct {
	Server hcServer `json:"server"`
}

type hcImage struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Created     string `json:"created"`
}

type hcImageList struct {
	Images []hcImage `json:"images"`
	Meta   hcMeta    `json:"meta"`
}

type hcSSHKey struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
}

type hcSSHKeyList struct {
	SSHKeys []hcSSHKey `json:"ssh_keys"`
}

func (p *Provider) ListInstances(ctx context.Context, namePrefix string) ([]prov.Instance, error) {
	var out []prov.Instance
	page, more := 1, true
	for i := 0; more && i < p.pages.MaxPages; i++ {
		var list hcServerList
		url := fmt.Sprintf("%s/servers?page=%d&per_page=%d", p.baseURL, page, p.pages.PageSize)
		if err := p.http.DoJSON(ctx, http.MethodGet, url, nil, &list); err != nil {
			return nil, fmt.Errorf("list servers: %w", err)
		}
		for _, s := range list.Servers {
			out = append(out, toInstance(s))
		}
		if more = list.Meta.Pagination.NextPage != nil; more {
			page = *list.Meta.Pagination.NextPage
		}
	}
	if err := p.pages.Truncated("servers", more); err != nil {
		return nil, err
	}
	return prov.FilterByName(out, namePrefix), nil
}

func (p *Provider) CreateInstance(ctx context.Context, req prov.CreateRequest) (prov.Instance, error) {
	payload := hcCreateReq{
		Name:             req.Name,
		ServerType:       req.Plan,
		Image:            req.Image.ID,
		Location:         firstNonEmpty(req.Region, p.cfg.Providers.Hetzner.Location),
		UserData:         req.UserData,
		StartAfterCreate: true,
	}
	if req.Credential.ID != "" {
		payload.SSHKeys = []string{req.Credential.ID}
	}
	var created hcCreateResp
	if err := p.http.DoJSON(ctx, http.MethodPost, p.baseURL+"/servers", payload, &created); err != nil {
		return prov.Instance{}, fmt.Errorf("create server %s: %w", req.Name, err)
	}
	return toInstance(created.Server), nil
}

func (p *Provider) DeleteInstance(ctx context.Context, id string) error {
	if err := p.http.DoJSON(ctx, http.MethodDelete, p.baseURL+"/servers/"+id, nil, nil); err != nil {
		return fmt.Errorf("delete server %s: %w", id, err)
	}
	return nil
}

func (p *Provider) ListImages(ctx context.Context) ([]prov.Image, error) {
	var out []prov.Image
	page, more := 1, true
	for i := 0; more && i < p.pages.MaxPages; i++ {
		var list hcImageList
		url := fmt.Sprintf("%s/images?type=snapshot&page=%d&per_page=%d", p.baseURL, page, p.pages.PageSize)
		if err := p.http.DoJSON(ctx, http.MethodGet, url, nil, &list); err != nil {
			return nil, fmt.Errorf("list images: %w", err)
		}
		for _, img := range list.Images {
			out = append(out, prov.Image{
				ID:          strconv.FormatInt(img.ID, 10),
				Name:        img.Name,
				Description: img.Description,
				Created:     parseTime(img.Created),
			})
		}
		if more = list.Meta.Pagination.NextPage != nil; more {
			page = *list.Meta.Pagination.NextPage
		}
	}
	if err := p.pages.Truncated("images", more); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Provider) ResolveLatestImage(ctx context.Context, marker string) (prov.Image, error) {
	images, err := p.ListImages(ctx)
	if err != nil {
		return prov.Image{}, err
	}
	return prov.LatestImage(images, marker)
}

func (p *Provider) ResolveCredential(ctx context.Context, id string) (prov.Credential, error) {
	var list hcSSHKeyList
	if err := p.http.DoJSON(ctx, http.MethodGet, p.baseURL+"/ssh_keys", nil, &list); err != nil {
		return prov.Credential{}, fmt.Errorf("list ssh keys: %w", err)
	}
	creds := make([]prov.Credential, 0, len(list.SSHKeys))
	for _, k := range list.SSHKeys {
		creds = append(creds, prov.Credential{ID: strconv.FormatInt(k.ID, 10), Name: k.Name, Fingerprint: k.Fingerprint})
	}
	return prov.PickCredential(creds, id)
}

func toInstance(s hcServer) prov.Instance {
	inst := prov.Instance{
		ID:      strconv.FormatInt(s.ID, 10),
		Name:    s.Name,
		Status:  normalizeStatus(s.Status),
		Created: parseTime(s.Created),
	}
	if s.PublicNet.IPv4 != nil {
		inst.PublicIP = s.PublicNet.IPv4.IP
	}
	return inst
}

func normalizeStatus(s string) prov.Status {
	switch s {
	case "running":
		return prov.StatusRunning
	case "initializing", "starting", "migrating", "rebuilding":
		return prov.StatusPending
	case "off", "stopping", "deleting":
		return prov.StatusStopped
	}
	return prov.StatusUnknown
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
