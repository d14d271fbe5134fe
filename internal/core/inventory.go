package core

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	prov "github.com/synthmsg/botfleet/internal/providers"
)

// Inventory rebuilds the fleet from the provider on demand. The only state it
// holds is an optional short-lived listing cache.
type Inventory struct {
	provider prov.Provider
	prefix   string
	match    Matcher
	cache    *expirable.LRU[string, []Member]
}

type InventoryOption func(*Inventory)

// WithMatcher replaces the default substring name predicate.
func WithMatcher(m Matcher) InventoryOption {
	return func(inv *Inventory) { inv.match = m }
}

// WithCache keeps listings for ttl. A non-positive ttl disables caching.
func WithCache(size int, ttl time.Duration) InventoryOption {
	return func(inv *Inventory) {
		if ttl <= 0 {
			inv.cache = nil
			return
		}
		inv.cache = expirable.NewLRU[string, []Member](size, nil, ttl)
	}
}

func NewInventory(p prov.Provider, prefix string, opts ...InventoryOption) *Inventory {
	inv := &Inventory{provider: p, prefix: prefix, match: SubstringMatcher(prefix)}
	for _, o := range opts {
		o(inv)
	}
	return inv
}

func (inv *Inventory) Prefix() string { return inv.prefix }

// ListMembers returns the members in provider order.
func (inv *Inventory) ListMembers(ctx context.Context) ([]Member, error) {
	if inv.cache != nil {
		if members, ok := inv.cache.Get(inv.prefix); ok {
			log.Debug().Str("prefix", inv.prefix).Int("members", len(members)).Msg("inventory cache hit")
			return append([]Member(nil), members...), nil
		}
	}
	return inv.fetch(ctx)
}

func (inv *Inventory) fetch(ctx context.Context) ([]Member, error) {
	instances, err := inv.provider.ListInstances(ctx, inv.prefix)
	if err != nil {
		return nil, &Error{Kind: KindProvider, Target: inv.provider.Name(), Err: fmt.Errorf("list instances: %w", err)}
	}
	members := make([]Member, 0, len(instances))
	for _, inst := range instances {
		if !inv.match(inst.Name) {
			continue
		}
		m := memberFromInstance(inst)
		if !m.HasOrdinal {
			log.Warn().Str("member", m.Name).Msg("fleet member name has no ordinal suffix")
		}
		members = append(members, m)
	}
	if inv.cache != nil {
		inv.cache.Add(inv.prefix, append([]Member(nil), members...))
	}
	return members, nil
}

// NextOrdinal always reads a fresh listing. Two callers racing can still
// receive the same value; the provider then rejects the duplicate name.
func (inv *Inventory) NextOrdinal(ctx context.Context) (int, error) {
	members, err := inv.fetch(ctx)
	if err != nil {
		return 0, err
	}
	return nextOrdinal(members), nil
}

func nextOrdinal(members []Member) int {
	next := 0
	for _, m := range members {
		if m.HasOrdinal && m.Ordinal+1 > next {
			next = m.Ordinal + 1
		}
	}
	return next
}

// ListAddresses projects members to their public addresses, skipping members
// that have none yet.
func (inv *Inventory) ListAddresses(ctx context.Context) ([]string, error) {
	members, err := inv.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	return addresses(members), nil
}

func addresses(members []Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m.Address == "" {
			continue
		}
		out = append(out, m.Address)
	}
	return out
}

// Invalidate drops any cached listing.
func (inv *Inventory) Invalidate() {
	if inv.cache != nil {
		inv.cache.Purge()
	}
}
