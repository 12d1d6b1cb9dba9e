package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirrusfs/cirrus/pkg/provider"
)

func TestPeerCacheResolvesAndCaches(t *testing.T) {
	bus := newFakeBus()
	bus.addPeer(":1.42", PeerInfo{UID: 1000, PID: 4242, SecurityLabel: "snap.client"})
	cache := NewPeerCache(bus)

	ctx := context.Background()
	peer, err := cache.Get(ctx, ":1.42")
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), peer.UID)
	assert.Equal(t, uint32(4242), peer.PID)
	assert.Equal(t, "snap.client", peer.SecurityLabel)

	// Second lookup is served from the cache.
	_, err = cache.Get(ctx, ":1.42")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.queries)
	assert.Equal(t, 1, cache.Size())
}

func TestPeerCacheResolutionFailureIsPermissionDenied(t *testing.T) {
	cache := NewPeerCache(newFakeBus())

	_, err := cache.Get(context.Background(), ":1.99")
	require.Error(t, err)
	assert.True(t, provider.IsKind(err, provider.ErrorPermissionDenied), "got %v", err)
}

func TestPeerCacheEvict(t *testing.T) {
	bus := newFakeBus()
	bus.addPeer(":1.7", PeerInfo{UID: 1, PID: 2, SecurityLabel: "unconfined"})
	cache := NewPeerCache(bus)

	ctx := context.Background()
	_, err := cache.Get(ctx, ":1.7")
	require.NoError(t, err)
	require.Equal(t, 1, cache.Size())

	cache.Evict(":1.7")
	assert.Equal(t, 0, cache.Size())

	// Resolving again hits the broker afresh.
	_, err = cache.Get(ctx, ":1.7")
	require.NoError(t, err)
	assert.Equal(t, 2, bus.queries)
}
