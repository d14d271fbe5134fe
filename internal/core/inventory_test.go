package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	prov "github.com/synthmsg/botfleet/internal/providers"
)

func TestParseOrdinal(t *testing.T) {
	cases := []struct {
		name string
		want int
		ok   bool
	}{
		{"bot-0", 0, true},
		{"bot-17", 17, true},
		{"my-bot-3", 3, true},
		{"bot-", 0, false},
		{"bot", 0, false},
		{"bot-x", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseOrdinal(tc.name)
		assert.Equal(t, tc.ok, ok, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}
}

func TestNextOrdinal(t *testing.T) {
	ctx := context.Background()

	t.Run("empty fleet starts at zero", func(t *testing.T) {
		inv := NewInventory(&fakeProvider{}, "bot")
		n, err := inv.NextOrdinal(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("gaps are not reused", func(t *testing.T) {
		p := &fakeProvider{instances: []prov.Instance{
			running("bot-0", "a", "10.0.0.1"),
			running("bot-1", "b", "10.0.0.2"),
			running("bot-3", "c", "10.0.0.3"),
		}}
		n, err := NewInventory(p, "bot").NextOrdinal(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})

	t.Run("names without ordinal are ignored", func(t *testing.T) {
		p := &fakeProvider{instances: []prov.Instance{
			running("bot-2", "a", ""),
			running("bot-legacy", "b", ""),
		}}
		inv := NewInventory(p, "bot")
		members, err := inv.ListMembers(ctx)
		require.NoError(t, err)
		require.Len(t, members, 2)
		assert.False(t, members[1].HasOrdinal)

		n, err := inv.NextOrdinal(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})
}

func TestListMembersSubstringMatch(t *testing.T) {
	p := &fakeProvider{instances: []prov.Instance{
		running("bot-0", "a", "10.0.0.1"),
		running("old-bot-5", "b", "10.0.0.2"),
		running("web-1", "c", "10.0.0.3"),
	}}
	members, err := NewInventory(p, "bot").ListMembers(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "bot-0", members[0].Name)
	assert.Equal(t, "old-bot-5", members[1].Name)
	assert.Equal(t, 5, members[1].Ordinal)
}

func TestAnchoredMatcher(t *testing.T) {
	m := AnchoredMatcher("bot")
	assert.True(t, m("bot-4"))
	assert.False(t, m("old-bot-5"))
	assert.False(t, m("bot-a-5"))
	assert.False(t, m("bot-x"))
}

func TestListAddressesOmitsMissing(t *testing.T) {
	p := &fakeProvider{instances: []prov.Instance{
		running("bot-0", "a", "10.0.0.1"),
		{ID: "b", Name: "bot-1", Status: prov.StatusPending},
		running("bot-2", "c", "10.0.0.3"),
	}}
	addrs, err := NewInventory(p, "bot").ListAddresses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.3"}, addrs)
}

func TestListErrorIsProviderKind(t *testing.T) {
	p := &fakeProvider{listErr: errors.New("503")}
	_, err := NewInventory(p, "bot").ListMembers(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindProvider))
}

func TestInventoryCache(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{instances: []prov.Instance{running("bot-0", "a", "10.0.0.1")}}
	inv := NewInventory(p, "bot", WithCache(4, time.Minute))

	_, err := inv.ListMembers(ctx)
	require.NoError(t, err)
	_, err = inv.ListAddresses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.listCalls)

	// the allocator never trusts the cache
	_, err = inv.NextOrdinal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, p.listCalls)

	inv.Invalidate()
	_, err = inv.ListMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, p.listCalls)
}
