package server

import (
	"context"
	"sync"

	"github.com/cirrusfs/cirrus/internal/logger"
	"github.com/cirrusfs/cirrus/pkg/provider"
)

// PeerCache resolves the identity of bus peers through the broker and
// caches it for the lifetime of the peer connection.
//
// Identity is never taken from the client: the broker attests the uid, pid
// and security label of the process owning a unique name. A peer whose
// identity cannot be resolved is rejected before any backend call runs.
type PeerCache struct {
	bus BusConnection

	mu    sync.Mutex
	peers map[string]PeerInfo
}

// NewPeerCache returns an empty cache backed by the given bus connection.
func NewPeerCache(bus BusConnection) *PeerCache {
	return &PeerCache{
		bus:   bus,
		peers: make(map[string]PeerInfo),
	}
}

// Get returns the peer context for a bus sender, querying the broker on
// first contact. Resolution failures map to ErrorPermissionDenied.
func (c *PeerCache) Get(ctx context.Context, sender string) (provider.Context, error) {
	c.mu.Lock()
	if info, ok := c.peers[sender]; ok {
		c.mu.Unlock()
		return peerContext(info), nil
	}
	c.mu.Unlock()

	info, err := c.bus.PeerCredentials(ctx, sender)
	if err != nil {
		logger.Warn("Could not resolve peer %s: %v", sender, err)
		return provider.Context{}, provider.NewKeyError(provider.ErrorPermissionDenied,
			sender, "could not resolve peer credentials")
	}

	c.mu.Lock()
	c.peers[sender] = info
	c.mu.Unlock()
	return peerContext(info), nil
}

// Evict drops the cache entry for a departed peer.
func (c *PeerCache) Evict(sender string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, sender)
}

// Size returns the number of cached peers.
func (c *PeerCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

func peerContext(info PeerInfo) provider.Context {
	return provider.Context{
		UID:           info.UID,
		PID:           info.PID,
		SecurityLabel: info.SecurityLabel,
	}
}
