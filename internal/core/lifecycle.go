package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	prov "github.com/synthmsg/botfleet/internal/providers"
)

// Lifecycle creates and destroys fleet members.
type Lifecycle struct {
	inv      *Inventory
	provider prov.Provider
	metrics  *Metrics

	// UserData, when set, renders cloud-init for a member name.
	UserData func(name string) string
}

func NewLifecycle(inv *Inventory, p prov.Provider, m *Metrics) *Lifecycle {
	return &Lifecycle{inv: inv, provider: p, metrics: m}
}

// Bootup creates req.Count members with contiguous ordinals after the current
// maximum. Individual creation failures are returned in the results; only
// validation, image resolution and listing failures abort the batch.
func (l *Lifecycle) Bootup(ctx context.Context, req ProvisionRequest) ([]CreateResult, error) {
	start := time.Now()
	defer func() { l.metrics.RecordRequest(time.Since(start)) }()

	if err := prov.ValidateProvision(l.inv.Prefix(), req.Count, req.Plan); err != nil {
		return nil, err
	}
	image, err := l.provider.ResolveLatestImage(ctx, req.ImageMarker)
	if err != nil {
		return nil, &Error{Kind: KindImageResolution, Target: req.ImageMarker, Err: err}
	}
	log.Info().Str("image", image.ID).Str("name", image.Name).Time("created", image.Created).Msg("resolved image")

	cred, err := l.provider.ResolveCredential(ctx, req.Credential)
	switch {
	case errors.Is(err, prov.ErrNoCredential):
		log.Warn().Str("credential", req.Credential).Msg("no ssh key registered with provider; relying on image keys")
	case err != nil:
		return nil, &Error{Kind: KindProvider, Target: l.provider.Name(), Err: fmt.Errorf("resolve credential: %w", err)}
	}

	first, err := l.inv.NextOrdinal(ctx)
	if err != nil {
		return nil, err
	}
	defer l.inv.Invalidate()

	results := make([]CreateResult, 0, req.Count)
	failed := 0
	for ordinal := first; ordinal < first+req.Count; ordinal++ {
		name := MemberName(l.inv.Prefix(), ordinal)
		cr := prov.CreateRequest{
			Name:       name,
			Plan:       req.Plan,
			Region:     req.Region,
			Image:      image,
			Credential: cred,
		}
		if l.UserData != nil {
			cr.UserData = l.UserData(name)
		}
		inst, err := l.provider.CreateInstance(ctx, cr)
		res := CreateResult{Name: name, Ordinal: ordinal, Instance: inst}
		if err != nil {
			res.Err = &Error{Kind: KindProvider, Target: name, Err: err}
			failed++
			log.Warn().Err(err).Str("member", name).Int("ordinal", ordinal).Msg("create failed")
		} else {
			log.Info().Str("member", name).Str("id", inst.ID).Msg("created")
		}
		results = append(results, res)
	}
	l.metrics.RecordErrors(failed)
	return results, nil
}

// DestroyAll deletes every current member, continuing past failures.
func (l *Lifecycle) DestroyAll(ctx context.Context) ([]DeleteResult, error) {
	start := time.Now()
	defer func() { l.metrics.RecordRequest(time.Since(start)) }()

	l.inv.Invalidate()
	members, err := l.inv.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	defer l.inv.Invalidate()

	results := make([]DeleteResult, 0, len(members))
	failed := 0
	for _, m := range members {
		res := DeleteResult{Member: m}
		if err := l.provider.DeleteInstance(ctx, m.ID); err != nil {
			res.Err = &Error{Kind: KindProvider, Target: m.Name, Err: err}
			failed++
			log.Warn().Err(err).Str("member", m.Name).Msg("delete failed")
		} else {
			log.Info().Str("member", m.Name).Str("id", m.ID).Msg("deleted")
		}
		results = append(results, res)
	}
	l.metrics.RecordErrors(failed)
	return results, nil
}

// Status lists every member with its normalized status. Members without an
// address get AddressPlaceholder.
func (l *Lifecycle) Status(ctx context.Context) ([]MemberStatus, error) {
	members, err := l.inv.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MemberStatus, 0, len(members))
	for _, m := range members {
		addr := m.Address
		if addr == "" {
			addr = AddressPlaceholder
		}
		out = append(out, MemberStatus{Member: m, Status: m.Status, Address: addr})
	}
	return out, nil
}

// Images lists the images carrying marker, newest first.
func (l *Lifecycle) Images(ctx context.Context, marker string) ([]prov.Image, error) {
	lister, ok := l.provider.(prov.ImageLister)
	if !ok {
		return nil, fmt.Errorf("list images on %s: %w", l.provider.Name(), prov.ErrUnsupported)
	}
	images, err := lister.ListImages(ctx)
	if err != nil {
		return nil, &Error{Kind: KindProvider, Target: l.provider.Name(), Err: err}
	}
	return prov.MatchingImages(images, marker), nil
}
