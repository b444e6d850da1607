package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routemesh/routemesh/internal/cache"
	"github.com/routemesh/routemesh/testutil"
)

// newTestTransport starts a transport on loopback with ephemeral ports and
// broadcast disabled. Seeds are the discovery addresses of already-started
// transports so tests do not depend on LAN broadcast.
func newTestTransport(t *testing.T, nodeID string, seeds ...string) (*Transport, *Registry, *cache.ResponseCache) {
	t.Helper()

	registry := NewRegistry(50, nil)
	responseCache := cache.New(100, time.Hour, nil)
	tr := NewTransport(Config{
		NodeID:            nodeID,
		BindAddr:          "127.0.0.1",
		DiscoveryPort:     0,
		MeshPort:          0,
		BroadcastAddr:     "",
		SeedPeers:         seeds,
		HeartbeatInterval: 50 * time.Millisecond,
	}, registry, responseCache)

	require.NoError(t, tr.Start())
	t.Cleanup(func() { _ = tr.Close() })
	return tr, registry, responseCache
}

func discoverySeed(tr *Transport) string {
	return tr.DiscoveryAddr().String()
}

func TestAnnounce_RegistersPeer(t *testing.T) {
	a, regA, _ := newTestTransport(t, "node-a")
	b, regB, _ := newTestTransport(t, "node-b", discoverySeed(a))

	b.Announce()
	testutil.WaitFor(t, time.Second, func() bool { return regA.Len() == 1 }, "node-a never learned about node-b")

	peer := regA.List()[0]
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", b.MeshPort()), peer.ID)
	assert.Equal(t, 0, regB.Len(), "announce is one-way")
}

func TestAnnounce_IgnoresSelf(t *testing.T) {
	a, regA, _ := newTestTransport(t, "node-a")
	a.cfg.SeedPeers = []string{discoverySeed(a)}

	a.Announce()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0, regA.Len(), "a node must not register its own announce")
}

func TestQuery_ResolvedFromPeerCache(t *testing.T) {
	a, regA, _ := newTestTransport(t, "node-a")
	b, _, cacheB := newTestTransport(t, "node-b", discoverySeed(a))

	cacheB.Put("abc123", json.RawMessage(`{"cached":true}`))
	b.Announce()
	testutil.WaitFor(t, time.Second, func() bool { return regA.Len() == 1 }, "peer never discovered")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := a.Query(ctx, "abc123", json.RawMessage(`{"q":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"cached":true}`, string(resp))
}

func TestQuery_FirstResponseWins(t *testing.T) {
	a, regA, _ := newTestTransport(t, "node-a")
	b, _, cacheB := newTestTransport(t, "node-b", discoverySeed(a))
	c, _, cacheC := newTestTransport(t, "node-c", discoverySeed(a))

	cacheB.Put("abc123", json.RawMessage(`{"from":"b"}`))
	cacheC.Put("abc123", json.RawMessage(`{"from":"c"}`))
	b.Announce()
	c.Announce()
	testutil.WaitFor(t, time.Second, func() bool { return regA.Len() == 2 }, "peers never discovered")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := a.Query(ctx, "abc123", json.RawMessage(`{}`))
	require.NoError(t, err)

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp, &body))
	assert.Contains(t, []string{"b", "c"}, body["from"])
}

func TestQuery_NoPeers(t *testing.T) {
	a, _, _ := newTestTransport(t, "node-a")

	_, err := a.Query(context.Background(), "abc123", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNoPeers)
}

func TestQuery_TimeoutWhenNoPeerHasEntry(t *testing.T) {
	a, regA, _ := newTestTransport(t, "node-a")
	b, _, _ := newTestTransport(t, "node-b", discoverySeed(a))

	b.Announce()
	testutil.WaitFor(t, time.Second, func() bool { return regA.Len() == 1 }, "peer never discovered")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := a.Query(ctx, "missing", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrQueryTimeout)
}

func TestRunReaper_RemovesSilentPeers(t *testing.T) {
	a, regA, _ := newTestTransport(t, "node-a")
	b, _, _ := newTestTransport(t, "node-b", discoverySeed(a))

	b.Announce()
	testutil.WaitFor(t, time.Second, func() bool { return regA.Len() == 1 }, "peer never discovered")

	// node-b goes silent; the reaper removes it after 3 heartbeat intervals
	require.NoError(t, b.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.RunReaper(ctx)

	testutil.WaitFor(t, 2*time.Second, func() bool { return regA.Len() == 0 }, "stale peer never reaped")
}

func TestStart_Twice(t *testing.T) {
	a, _, _ := newTestTransport(t, "node-a")
	assert.Error(t, a.Start())
}
