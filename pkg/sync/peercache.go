package sync

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/embermesh/embermesh/pkg/graph"
	"github.com/embermesh/embermesh/pkg/netif"
)

// PeerCache remembers, per peer, addresses of commands that peer is known to
// hold: everything we sent it and everything it sent us. Responders subtract
// it from what they stream, so repeated sessions with the same peer get
// cheaper. The cache is RAM only and bounded; when full, the shallowest
// entries go first since deep entries prune more of the graph.
type PeerCache struct {
	peers *xsync.MapOf[netif.Addr, *peerKnown]
	limit int
}

type peerKnown struct {
	mu    xsync.RBMutex
	addrs map[graph.CommandID]uint32
}

// NewPeerCache builds a cache keeping at most limit addresses per peer.
func NewPeerCache(limit int) *PeerCache {
	if limit <= 0 {
		limit = 256
	}
	return &PeerCache{peers: xsync.NewMapOf[netif.Addr, *peerKnown](), limit: limit}
}

// Add records that peer holds the given commands.
func (c *PeerCache) Add(peer netif.Addr, addrs ...graph.Address) {
	if len(addrs) == 0 {
		return
	}
	pk, _ := c.peers.LoadOrCompute(peer, func() *peerKnown {
		return &peerKnown{addrs: make(map[graph.CommandID]uint32)}
	})
	pk.mu.Lock()
	defer pk.mu.Unlock()
	for _, a := range addrs {
		pk.addrs[a.ID] = a.MaxCut
	}
	for len(pk.addrs) > c.limit {
		var (
			victim graph.CommandID
			depth  = ^uint32(0)
		)
		for id, mc := range pk.addrs {
			if mc < depth {
				victim, depth = id, mc
			}
		}
		delete(pk.addrs, victim)
	}
}

// Known returns the addresses peer is known to hold.
func (c *PeerCache) Known(peer netif.Addr) []graph.Address {
	pk, ok := c.peers.Load(peer)
	if !ok {
		return nil
	}
	tok := pk.mu.RLock()
	defer pk.mu.RUnlock(tok)
	out := make([]graph.Address, 0, len(pk.addrs))
	for id, mc := range pk.addrs {
		out = append(out, graph.Address{ID: id, MaxCut: mc})
	}
	return out
}

// Forget drops everything cached for a peer.
func (c *PeerCache) Forget(peer netif.Addr) {
	c.peers.Delete(peer)
}
