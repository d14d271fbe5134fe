package vultr

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"

	prov "github.com/synthmsg/botfleet/internal/providers"
)

type Provider struct {
	cfg     prov.Config
	baseURL string
	http    *prov.RetryableHTTPClient
	pages   *prov.Paginator
}

func New(cfg prov.Config) *Provider {
	return &Provider{
		cfg:     cfg,
		baseURL: vultrAPI,
		http:    prov.NewRetryableHTTPClient("vultr", cfg.Providers.Vultr.Token, 30*time.Second, cfg.Providers.RequestsPerSecond),
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

func (p *Provider) Name() string { return "vultr" }

const vultrAPI = "https://api.vultr.com/v2"

// Vultr reports this address until the instance has a real one.
const unassignedIP = "0.0.0.0"

type vultrInstance struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	MainIP      string `json:"main_ip"`
	Status      string `json:"status"`
	PowerStatus string `json:"power_status"`
	DateCreated string `json:"date_created"`
}

type vultrMeta struct {
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

type vultrListResp struct {
	Instances []vultrInstance `json:"instances"`
	Meta      vultrMeta       `json:"meta"`
}

type vultrCreateReq struct {
	Region     string   `json:"region"`
	Plan       string   `json:"plan"`
	SnapshotID string   `json:"snapshot_id"`
	Label      string   `json:"label"`
	Hostname   string   `json:"hostname"`
	UserData   string   `json:"user_data,omitempty"`
	SSHKeyIDs  []string `json:"sshkey_id,omitempty"`
}

type vultrCreateResp struct {
	Instance vultrInstance `json:"instance"`
}

type vultrSnapshot struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	DateCreated string `json:"date_created"`
}

type vultrSnapshotList struct {
	Snapshots []vultrSnapshot `json:"snapshots"`
	Meta      vultrMeta       `json:"meta"`
}

type vultrKey struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	SSHKey string `json:"ssh_key"`
}

type vultrKeyList struct {
	SSHKeys []vultrKey `json:"ssh_keys"`
}

func (p *Provider) ListInstances(ctx context.Context, name string) ([]prov.Instance, error) {
	var nodes []prov.Instance
	cursor, more := "", true
	for i := 0; more && i < p.pages.MaxPages; i++ {
		var list vultrListResp
		if err := p.http.DoJSON(ctx, http.MethodGet, p.pageURL("/instances", cursor), nil, &list); err != nil {
			return nil, fmt.Errorf("list instances: %w", err)
		}
		for _, inst := range list.Instances {
			nodes = append(nodes, toInstance(inst))
		}
		cursor = list.Meta.Links.Next
		more = cursor != ""
	}
	if err := p.pages.Truncated("instances", more); err != nil {
		return nil, err
	}
	return prov.FilterByName(nodes, name), nil
}

func (p *Provider) CreateInstance(ctx context.Context, req prov.CreateRequest) (prov.Instance, error) {
	payload := vultrCreateReq{
		Region:     firstNonEmpty(req.Region, p.cfg.Providers.Vultr.Region),
		Plan:       req.Plan,
		SnapshotID: req.Image.ID,
		Label:      req.Name,
		Hostname:   req.Name,
	}
	if req.UserData != "" {
		payload.UserData = base64.StdEncoding.EncodeToString([]byte(req.UserData))
	}
	if req.Credential.ID != "" {
		payload.SSHKeyIDs = []string{req.Credential.ID}
	}
	var created vultrCreateResp
	if err := p.http.DoJSON(ctx, http.MethodPost, p.baseURL+"/instances", payload, &created); err != nil {
		return prov.Instance{}, fmt.Errorf("create instance %s: %w", req.Name, err)
	}
	return toInstance(created.Instance), nil
}

func (p *Provider) DeleteInstance(ctx context.Context, id string) error {
	if err := p.http.DoJSON(ctx, http.MethodDelete, p.baseURL+"/instances/"+id, nil, nil); err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	return nil
}

func (p *Provider) ListImages(ctx context.Context) ([]prov.Image, error) {
	var out []prov.Image
	cursor, more := "", true
	for i := 0; more && i < p.pages.MaxPages; i++ {
		var list vultrSnapshotList
		if err := p.http.DoJSON(ctx, http.MethodGet, p.pageURL("/snapshots", cursor), nil, &list); err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		for _, s := range list.Snapshots {
			out = append(out, prov.Image{ID: s.ID, Name: s.Description, Description: s.Description, Created: parseTime(s.DateCreated)})
		}
		cursor = list.Meta.Links.Next
		more = cursor != ""
	}
	if err := p.pages.Truncated("snapshots", more); err != nil {
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
	var list vultrKeyList
	if err := p.http.DoJSON(ctx, http.MethodGet, p.baseURL+"/ssh-keys", nil, &list); err != nil {
		return prov.Credential{}, fmt.Errorf("list ssh keys: %w", err)
	}
	creds := make([]prov.Credential, 0, len(list.SSHKeys))
	for _, k := range list.SSHKeys {
		creds = append(creds, prov.Credential{ID: k.ID, Name: k.Name})
	}
	return prov.PickCredential(creds, id)
}

func (p *Provider) pageURL(path, cursor string) string {
	q := url.Values{}
	q.Set("per_page", fmt.Sprintf("%d", p.pages.PageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return p.baseURL + path + "?" + q.Encode()
}

func toInstance(v vultrInstance) prov.Instance {
	inst := prov.Instance{
		ID:      v.ID,
		Name:    v.Label,
		Status:  normalizeStatus(v.Status, v.PowerStatus),
		Created: parseTime(v.DateCreated),
	}
	if v.MainIP != unassignedIP {
		inst.PublicIP = v.MainIP
	}
	return inst
}

func normalizeStatus(status, power string) prov.Status {
	switch status {
	case "pending", "resizing":
		return prov.StatusPending
	case "suspended":
		return prov.StatusStopped
	case "active":
		switch power {
		case "running":
			return prov.StatusRunning
		case "stopped":
			return prov.StatusStopped
		}
		return prov.StatusPending
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
