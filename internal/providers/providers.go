package providers

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNoImage is returned when no image carries the fleet marker.
	ErrNoImage = errors.New("no image matches marker")
	// ErrNoCredential is returned when the provider has no usable SSH key.
	ErrNoCredential = errors.New("no ssh credential registered")
	// ErrUnsupported is returned by adapters that cannot perform an operation.
	ErrUnsupported = errors.New("operation not supported by provider")
)

// Status is the provider-independent lifecycle state of an instance.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusUnknown Status = "unknown"
)

// Instance is a server as reported by a provider listing.
type Instance struct {
	ID       string
	Name     string
	Status   Status
	PublicIP string
	Created  time.Time
}

// Image is a bootable image or template.
type Image struct {
	ID          string
	Name        string
	Description string
	Created     time.Time
}

// Credential is an SSH key registered with the provider.
type Credential struct {
	ID          string
	Name        string
	Fingerprint string
}

// CreateRequest describes a single instance to create.
type CreateRequest struct {
	Name       string
	Plan       string
	Region     string
	Image      Image
	Credential Credential
	UserData   string
}

// Provider is the capability surface the fleet core needs from a cloud backend.
type Provider interface {
	Name() string
	ListInstances(ctx context.Context, namePrefix string) ([]Instance, error)
	CreateInstance(ctx context.Context, req CreateRequest) (Instance, error)
	DeleteInstance(ctx context.Context, id string) error
	ResolveLatestImage(ctx context.Context, marker string) (Image, error)
	ResolveCredential(ctx context.Context, id string) (Credential, error)
}

// ImageLister is implemented by providers that can enumerate images.
type ImageLister interface {
	ListImages(ctx context.Context) ([]Image, error)
}

// FilterByName keeps instances whose name contains namePrefix anywhere.
// An empty prefix keeps everything.
func FilterByName(instances []Instance, namePrefix string) []Instance {
	if namePrefix == "" {
		return instances
	}
	out := make([]Instance, 0, len(instances))
	for _, inst := range instances {
		if strings.Contains(inst.Name, namePrefix) {
			out = append(out, inst)
		}
	}
	return out
}

// MatchingImages returns the images whose name or description contains marker,
// newest first.
func MatchingImages(images []Image, marker string) []Image {
	var out []Image
	for _, img := range images {
		if strings.Contains(img.Name, marker) || strings.Contains(img.Description, marker) {
			out = append(out, img)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out
}

// LatestImage picks the most recently created image matching marker.
func LatestImage(images []Image, marker string) (Image, error) {
	matches := MatchingImages(images, marker)
	if len(matches) == 0 {
		return Image{}, ErrNoImage
	}
	return matches[0], nil
}

// PickCredential returns the credential with the given id or name, or the
// first one when id is empty.
func PickCredential(creds []Credential, id string) (Credential, error) {
	if len(creds) == 0 {
		return Credential{}, ErrNoCredential
	}
	if id == "" {
		return creds[0], nil
	}
	for _, c := range creds {
		if c.ID == id || c.Name == id || c.Fingerprint == id {
			return c, nil
		}
	}
	return Credential{}, ErrNoCredential
}
