// Package mesh implements the peer-to-peer fallback network: UDP discovery,
// the peer registry and the one-hop cache query protocol.
package mesh

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/routemesh/routemesh/internal/metrics"
)

// Peer is a mesh node learned from a discovery announce.
type Peer struct {
	ID       string // mesh address in ip:port form
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// Registry tracks known mesh peers and their liveness. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	peers    map[string]*Peer
	maxPeers int
	m        *metrics.NodeMetrics

	onDiscovered func(Peer)
}

// NewRegistry creates a peer registry with the given capacity.
// The metrics argument may be nil.
func NewRegistry(maxPeers int, m *metrics.NodeMetrics) *Registry {
	return &Registry{
		peers:    make(map[string]*Peer),
		maxPeers: maxPeers,
		m:        m,
	}
}

// SetOnDiscovered registers a callback fired when a previously unknown peer
// is registered.
func (r *Registry) SetOnDiscovered(cb func(Peer)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDiscovered = cb
}

// Upsert registers a peer or refreshes its liveness. An unknown peer is
// ignored when the registry is at capacity; a known peer is always refreshed.
func (r *Registry) Upsert(addr *net.UDPAddr) {
	id := addr.String()

	r.mu.Lock()
	if p, ok := r.peers[id]; ok {
		p.LastSeen = time.Now()
		r.mu.Unlock()
		return
	}
	if len(r.peers) >= r.maxPeers {
		r.mu.Unlock()
		log.Debug().Str("peer", id).Int("max_peers", r.maxPeers).Msg("ignoring announce, registry full")
		return
	}
	p := &Peer{ID: id, Addr: addr, LastSeen: time.Now()}
	r.peers[id] = p
	cb := r.onDiscovered
	count := len(r.peers)
	r.mu.Unlock()

	if r.m != nil {
		r.m.KnownPeers.Set(float64(count))
	}
	log.Info().Str("peer", id).Msg("peer discovered")
	if cb != nil {
		cb(*p)
	}
}

// Reap removes peers not seen within the staleness window and returns how
// many were removed.
func (r *Registry) Reap(staleAfter time.Duration) int {
	cutoff := time.Now().Add(-staleAfter)

	r.mu.Lock()
	removed := 0
	for id, p := range r.peers {
		if p.LastSeen.Before(cutoff) {
			delete(r.peers, id)
			removed++
			log.Info().Str("peer", id).Time("last_seen", p.LastSeen).Msg("reaped stale peer")
		}
	}
	count := len(r.peers)
	r.mu.Unlock()

	if removed > 0 && r.m != nil {
		r.m.KnownPeers.Set(float64(count))
	}
	return removed
}

// List returns a snapshot of all known peers.
func (r *Registry) List() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
