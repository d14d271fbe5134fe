package digitalocean

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	prov "github.com/synthmsg/botfleet/internal/providers"
)

const doAPI = "https://api.digitalocean.com/v2"

type Provider struct {
	cfg     prov.Config
	baseURL string
	http    *prov.RetryableHTTPClient
	pages   *prov.Paginator
}

func New(cfg prov.Config) *Provider {
	return &Provider{
		cfg:     cfg,
		baseURL: doAPI,
		http:    prov.NewRetryableHTTPClient("digitalocean", cfg.Providers.DigitalOcean.Token, 30*time.Second, cfg.Providers.RequestsPerSecond),
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

func (p *Provider) Name() string { return "digitalocean" }

type doDroplet struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	Networks  struct {
		V4 []struct {
			IPAddress string `json:"ip_address"`
			Type      string `json:"type"`
		} `json:"v4"`
	} `json:"networks"`
}

type doLinks struct {
	Pages struct {
		Next string `json:"next"`
	} `json:"pages"`
}

type doDropletList struct {
	Droplets []doDroplet `json:"droplets"`
	Links    doLinks     `json:"links"`
}

type doCreateReq struct {
	Name     string        `json:"name"`
	Region   string        `json:"region"`
	Size     string        `json:"size"`
	Image    interface{}   `json:"image"`
	SSHKeys  []interface{} `json:"ssh_keys,omitempty"`
	Backups  bool          `json:"backups"`
	UserData string        `json:"user_data,omitempty"`
}

type doCreateResp struct {
	Droplet doDroplet `json:"droplet"`
}

type doImage struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

type doImageList struct {
	Images []doImage `json:"images"`
	Links  doLinks   `json:"links"`
}

type doKey struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
}

type doKeyList struct {
	SSHKeys []doKey `json:"ssh_keys"`
	Links   doLinks `json:"links"`
}

func (p *Provider) ListInstances(ctx context.Context, namePrefix string) ([]prov.Instance, error) {
	var out []prov.Instance
	more := true
	for page := 1; more && page <= p.pages.MaxPages; page++ {
		var list doDropletList
		url := fmt.Sprintf("%s/droplets?page=%d&per_page=%d", p.baseURL, page, p.pages.PageSize)
		if err := p.http.DoJSON(ctx, http.MethodGet, url, nil, &list); err != nil {
			return nil, fmt.Errorf("list droplets: %w", err)
		}
		for _, d := range list.Droplets {
			out = append(out, toInstance(d))
		}
		more = list.Links.Pages.Next != ""
	}
	if err := p.pages.Truncated("droplets", more); err != nil {
		return nil, err
	}
	return prov.FilterByName(out, namePrefix), nil
}

func (p *Provider) CreateInstance(ctx context.Context, req prov.CreateRequest) (prov.Instance, error) {
	payload := doCreateReq{
		Name:     req.Name,
		Region:   firstNonEmpty(req.Region, p.cfg.Providers.DigitalOcean.Region),
		Size:     req.Plan,
		Image:    numericOrString(req.Image.ID),
		Backups:  false,
		UserData: req.UserData,
	}
	if req.Credential.ID != "" {
		payload.SSHKeys = []interface{}{numericOrString(req.Credential.ID)}
	}
	var created doCreateResp
	if err := p.http.DoJSON(ctx, http.MethodPost, p.baseURL+"/droplets", payload, &created); err != nil {
		return prov.Instance{}, fmt.Errorf("create droplet %s: %w", req.Name, err)
	}
	return toInstance(created.Droplet), nil
}

func (p *Provider) DeleteInstance(ctx context.Context, id string) error {
	if err := p.http.DoJSON(ctx, http.MethodDelete, p.baseURL+"/droplets/"+id, nil, nil); err != nil {
		return fmt.Errorf("delete droplet %s: %w", id, err)
	}
	return nil
}

func (p *Provider) ListImages(ctx context.Context) ([]prov.Image, error) {
	var out []prov.Image
	more := true
	for page := 1; more && page <= p.pages.MaxPages; page++ {
		var list doImageList
		url := fmt.Sprintf("%s/images?private=true&page=%d&per_page=%d", p.baseURL, page, p.pages.PageSize)
		if err := p.http.DoJSON(ctx, http.MethodGet, url, nil, &list); err != nil {
			return nil, fmt.Errorf("list images: %w", err)
		}
		for _, img := range list.Images {
			out = append(out, prov.Image{
				ID:          strconv.FormatInt(img.ID, 10),
				Name:        img.Name,
				Description: img.Description,
				Created:     parseTime(img.CreatedAt),
			})
		}
		more = list.Links.Pages.Next != ""
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
	var creds []prov.Credential
	more := true
	for page := 1; more && page <= p.pages.MaxPages; page++ {
		var list doKeyList
		url := fmt.Sprintf("%s/account/keys?page=%d&per_page=%d", p.baseURL, page, p.pages.PageSize)
		if err := p.http.DoJSON(ctx, http.MethodGet, url, nil, &list); err != nil {
			return prov.Credential{}, fmt.Errorf("list ssh keys: %w", err)
		}
		for _, k := range list.SSHKeys {
			creds = append(creds, prov.Credential{ID: strconv.FormatInt(k.ID, 10), Name: k.Name, Fingerprint: k.Fingerprint})
		}
		more = list.Links.Pages.Next != ""
	}
	if err := p.pages.Truncated("ssh keys", more); err != nil {
		return prov.Credential{}, err
	}
	return prov.PickCredential(creds, id)
}

func toInstance(d doDroplet) prov.Instance {
	inst := prov.Instance{
		ID:      strconv.FormatInt(d.ID, 10),
		Name:    d.Name,
		Status:  normalizeStatus(d.Status),
		Created: parseTime(d.CreatedAt),
	}
	for _, n := range d.Networks.V4 {
		if n.Type == "public" {
			inst.PublicIP = n.IPAddress
			break
		}
	}
	return inst
}

func normalizeStatus(s string) prov.Status {
	switch s {
	case "active":
		return prov.StatusRunning
	case "new":
		return prov.StatusPending
	case "off", "archive":
		return prov.StatusStopped
	}
	return prov.StatusUnknown
}

func numericOrString(s string) interface{} {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
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
