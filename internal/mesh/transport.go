package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/routemesh/routemesh/internal/cache"
	"github.com/routemesh/routemesh/pkg/proto"
)

// maxDatagramSize bounds incoming announce and query/response datagrams.
const maxDatagramSize = 64 * 1024

// ErrNoPeers is returned by Query when the registry is empty.
var ErrNoPeers = errors.New("no mesh peers known")

// ErrQueryTimeout is returned when no peer answered within the deadline.
var ErrQueryTimeout = errors.New("mesh query timed out")

// Config holds mesh transport configuration.
type Config struct {
	// NodeID identifies this node in announces so it can ignore its own.
	NodeID string

	// BindAddr is the IP to bind both sockets to (default: all interfaces).
	BindAddr string

	// DiscoveryPort carries broadcast announce datagrams.
	DiscoveryPort int

	// MeshPort carries point-to-point query/response datagrams.
	MeshPort int

	// BroadcastAddr is the announce destination, normally 255.255.255.255.
	// Empty disables broadcast (seed-only operation).
	BroadcastAddr string

	// SeedPeers are static addr:port mesh addresses announced to directly.
	// This is the extension point for networks where UDP broadcast does not
	// reach all nodes.
	SeedPeers []string

	// HeartbeatInterval is the cadence of self-announcement and reaping.
	// Peers go stale after three missed heartbeats.
	HeartbeatInterval time.Duration
}

// Transport is the unreliable datagram channel for peer discovery and mesh
// query/response exchange. It answers queries exclusively from the local
// response cache; queries are never forwarded to other peers.
type Transport struct {
	cfg      Config
	registry *Registry
	cache    *cache.ResponseCache

	discConn *net.UDPConn
	meshConn *net.UDPConn

	mu      sync.Mutex
	waiters map[string]chan json.RawMessage // fingerprint -> first-response waiter

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewTransport creates a mesh transport over the given registry and cache.
func NewTransport(cfg Config, registry *Registry, responseCache *cache.ResponseCache) *Transport {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Transport{
		cfg:      cfg,
		registry: registry,
		cache:    responseCache,
		waiters:  make(map[string]chan json.RawMessage),
	}
}

// Start binds the discovery and mesh sockets and starts the receive loops.
func (t *Transport) Start() error {
	if t.running.Load() {
		return fmt.Errorf("mesh transport already running")
	}

	bindIP := net.IPv4zero
	if t.cfg.BindAddr != "" {
		bindIP = net.ParseIP(t.cfg.BindAddr)
		if bindIP == nil {
			return fmt.Errorf("invalid bind address %q", t.cfg.BindAddr)
		}
	}

	discConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: bindIP, Port: t.cfg.DiscoveryPort})
	if err != nil {
		return fmt.Errorf("listen discovery port: %w", err)
	}
	meshConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: bindIP, Port: t.cfg.MeshPort})
	if err != nil {
		_ = discConn.Close()
		return fmt.Errorf("listen mesh port: %w", err)
	}

	t.discConn = discConn
	t.meshConn = meshConn
	t.running.Store(true)

	t.wg.Add(2)
	go t.discoveryLoop()
	go t.meshLoop()

	log.Info().
		Str("discovery", discConn.LocalAddr().String()).
		Str("mesh", meshConn.LocalAddr().String()).
		Msg("mesh transport started")
	return nil
}

// Close stops the receive loops by closing both sockets.
func (t *Transport) Close() error {
	if !t.running.Swap(false) {
		return nil
	}
	errDisc := t.discConn.Close()
	errMesh := t.meshConn.Close()
	t.wg.Wait()
	if errDisc != nil {
		return errDisc
	}
	return errMesh
}

// MeshPort returns the bound mesh port (resolves port 0 after Start).
func (t *Transport) MeshPort() int {
	return t.meshConn.LocalAddr().(*net.UDPAddr).Port
}

// DiscoveryAddr returns the bound discovery address.
func (t *Transport) DiscoveryAddr() *net.UDPAddr {
	return t.discConn.LocalAddr().(*net.UDPAddr)
}

// RunAnnounce broadcasts a discovery announce every heartbeat interval until
// the context is cancelled. Broadcast is the sole discovery mechanism on a
// LAN; configured seed peers are additionally announced to point-to-point.
func (t *Transport) RunAnnounce(ctx context.Context) {
	t.Announce()

	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Announce()
		}
	}
}

// Announce sends a single announce datagram.
func (t *Transport) Announce() {
	msg := proto.NewAnnounce(t.cfg.NodeID, t.MeshPort())
	data, err := proto.Encode(msg)
	if err != nil {
		log.Error().Err(err).Msg("encode announce")
		return
	}

	if t.cfg.BroadcastAddr != "" {
		dst := &net.UDPAddr{IP: net.ParseIP(t.cfg.BroadcastAddr), Port: t.cfg.DiscoveryPort}
		if _, err := t.discConn.WriteToUDP(data, dst); err != nil {
			log.Debug().Err(err).Msg("broadcast announce failed")
		}
	}

	for _, seed := range t.cfg.SeedPeers {
		addr, err := net.ResolveUDPAddr("udp4", seed)
		if err != nil {
			log.Warn().Err(err).Str("seed", seed).Msg("invalid seed peer address")
			continue
		}
		if _, err := t.discConn.WriteToUDP(data, addr); err != nil {
			log.Debug().Err(err).Str("seed", seed).Msg("seed announce failed")
		}
	}
}

// RunReaper removes peers with no announce for three heartbeat intervals.
func (t *Transport) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.registry.Reap(3 * t.cfg.HeartbeatInterval)
		}
	}
}

// Query fans a cache query out to every known peer in parallel and resolves
// on the first response received. Duplicate responses are dropped. Returns
// ErrQueryTimeout when the context expires with no answer.
func (t *Transport) Query(ctx context.Context, hash string, request json.RawMessage) (json.RawMessage, error) {
	peers := t.registry.List()
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}

	waiter := make(chan json.RawMessage, 1)
	t.mu.Lock()
	t.waiters[hash] = waiter
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.waiters, hash)
		t.mu.Unlock()
	}()

	data, err := proto.Encode(proto.NewQuery(hash, request))
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	for _, p := range peers {
		if _, err := t.meshConn.WriteToUDP(data, p.Addr); err != nil {
			log.Debug().Err(err).Str("peer", p.ID).Msg("query send failed")
		}
	}
	log.Debug().Str("hash", hash).Int("peers", len(peers)).Msg("mesh query sent")

	select {
	case resp := <-waiter:
		return resp, nil
	case <-ctx.Done():
		return nil, ErrQueryTimeout
	}
}

// discoveryLoop receives announce datagrams and maintains the registry.
func (t *Transport) discoveryLoop() {
	defer t.wg.Done()
	buf := make([]byte, maxDatagramSize)

	for {
		n, remote, err := t.discConn.ReadFromUDP(buf)
		if err != nil {
			if t.running.Load() {
				log.Warn().Err(err).Msg("discovery read error")
			}
			return
		}

		msg, err := proto.DecodeAnnounce(buf[:n])
		if err != nil {
			log.Debug().Err(err).Str("from", remote.String()).Msg("dropping malformed announce")
			continue
		}
		if msg.NodeID == t.cfg.NodeID {
			continue // our own broadcast
		}

		meshAddr := &net.UDPAddr{IP: remote.IP, Port: msg.MeshPort}
		t.registry.Upsert(meshAddr)
	}
}

// meshLoop receives query and response datagrams on the mesh socket.
func (t *Transport) meshLoop() {
	defer t.wg.Done()
	buf := make([]byte, maxDatagramSize)

	for {
		n, remote, err := t.meshConn.ReadFromUDP(buf)
		if err != nil {
			if t.running.Load() {
				log.Warn().Err(err).Msg("mesh read error")
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		typ, err := proto.DecodeType(data)
		if err != nil {
			log.Debug().Err(err).Str("from", remote.String()).Msg("dropping malformed datagram")
			continue
		}

		switch typ {
		case proto.TypeQuery:
			t.handleQuery(data, remote)
		case proto.TypeResponse:
			t.handleResponse(data, remote)
		default:
			log.Debug().Str("type", typ).Str("from", remote.String()).Msg("dropping unexpected datagram")
		}
	}
}

// handleQuery answers from the local cache only. A miss is silent: the
// querier resolves on the first peer that does have the entry.
func (t *Transport) handleQuery(data []byte, remote *net.UDPAddr) {
	msg, err := proto.DecodeQuery(data)
	if err != nil {
		log.Debug().Err(err).Str("from", remote.String()).Msg("dropping malformed query")
		return
	}

	cached, ok := t.cache.Get(msg.Hash)
	if !ok {
		return
	}

	resp, err := proto.Encode(proto.NewResponse(msg.Hash, cached))
	if err != nil {
		log.Error().Err(err).Msg("encode mesh response")
		return
	}
	if _, err := t.meshConn.WriteToUDP(resp, remote); err != nil {
		log.Debug().Err(err).Str("peer", remote.String()).Msg("mesh response send failed")
		return
	}
	log.Debug().Str("hash", msg.Hash).Str("peer", remote.String()).Msg("answered mesh query from cache")
}

func (t *Transport) handleResponse(data []byte, remote *net.UDPAddr) {
	msg, err := proto.DecodeResponse(data)
	if err != nil {
		log.Debug().Err(err).Str("from", remote.String()).Msg("dropping malformed response")
		return
	}

	t.mu.Lock()
	waiter, ok := t.waiters[msg.Hash]
	t.mu.Unlock()
	if !ok {
		return // late or duplicate response for a resolved query
	}

	select {
	case waiter <- msg.Response:
	default:
		// first response already won
	}
}
