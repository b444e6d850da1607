// Package router implements the failover request router: primary regions in
// health order, then the local response cache, then the peer mesh.
package router

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/routemesh/routemesh/internal/cache"
	"github.com/routemesh/routemesh/internal/metrics"
	"github.com/routemesh/routemesh/internal/region"
)

// ErrNoRouteAvailable is the terminal routing error: regions, cache and mesh
// all failed to produce a response.
var ErrNoRouteAvailable = errors.New("no healthy regions or peers available")

// Event types emitted by the router and its collaborators.
const (
	EventRegionUnhealthy  = "region-unhealthy"
	EventMeshModeEnabled  = "mesh-mode-enabled"
	EventMeshModeDisabled = "mesh-mode-disabled"
)

// Event is an observable state change.
type Event struct {
	Type   string
	Region string // set for region-unhealthy
}

// Result is a routed response and the path that produced it.
type Result struct {
	Response json.RawMessage `json:"response"`
	Source   string          `json:"source"` // region:<name>, cache:local or mesh:peer
}

// MeshQuerier resolves a fingerprint from the peer mesh. Satisfied by
// *mesh.Transport; nil disables the mesh fallback.
type MeshQuerier interface {
	Query(ctx context.Context, hash string, request json.RawMessage) (json.RawMessage, error)
}

// Router orchestrates failover across regions, cache and mesh.
type Router struct {
	tracker *region.Tracker
	cache   *cache.ResponseCache
	mesh    MeshQuerier
	client  *http.Client
	m       *metrics.NodeMetrics

	forwardTimeout   time.Duration
	meshQueryTimeout time.Duration

	meshMode atomic.Bool

	mu      sync.Mutex
	onEvent func(Event)
}

// New creates a failover router. mesh and m may be nil.
func New(tracker *region.Tracker, responseCache *cache.ResponseCache, meshQuerier MeshQuerier,
	forwardTimeout, meshQueryTimeout time.Duration, m *metrics.NodeMetrics) *Router {
	r := &Router{
		tracker:          tracker,
		cache:            responseCache,
		mesh:             meshQuerier,
		client:           &http.Client{},
		m:                m,
		forwardTimeout:   forwardTimeout,
		meshQueryTimeout: meshQueryTimeout,
	}

	// A region recovering (via probe or live traffic) clears mesh mode
	// without the router being asked to route anything.
	tracker.SetOnRecovered(func(string) {
		r.setMeshMode(false)
	})
	tracker.SetOnUnhealthy(func(name string) {
		r.emit(Event{Type: EventRegionUnhealthy, Region: name})
	})

	return r
}

// SetOnEvent registers a callback for router events. Callbacks run on the
// goroutine that triggered the transition and must not block.
func (r *Router) SetOnEvent(cb func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvent = cb
}

// MeshMode reports whether the mesh fallback is currently active.
func (r *Router) MeshMode() bool {
	return r.meshMode.Load()
}

// Fingerprint computes the stable cache/query key for a request: a truncated
// SHA-256 of the raw request bytes.
func Fingerprint(request json.RawMessage) string {
	sum := sha256.Sum256(request)
	return hex.EncodeToString(sum[:])[:32]
}

// Route resolves a request: healthiest eligible region first, then the local
// cache, then a mesh query. A region forwarding failure is recorded but not
// retried against another region within the same call; the call proceeds to
// the fallback path instead. Total failure returns ErrNoRouteAvailable.
func (r *Router) Route(ctx context.Context, request json.RawMessage) (*Result, error) {
	fingerprint := Fingerprint(request)

	if eligible := r.tracker.Eligible(); len(eligible) > 0 {
		selected := eligible[0]
		response, err := r.forward(ctx, selected, request)
		if err == nil {
			r.tracker.MarkHealthy(selected.Name)
			r.cache.Put(fingerprint, response)
			r.countRequest("region:" + selected.Name)
			return &Result{Response: response, Source: "region:" + selected.Name}, nil
		}

		log.Warn().Err(err).Str("region", selected.Name).Msg("region forward failed")
		r.tracker.MarkUnhealthy(selected.Name)
	}

	if r.tracker.AllUnhealthy() {
		r.setMeshMode(true)
	}

	if response, ok := r.cache.Get(fingerprint); ok {
		r.countRequest("cache:local")
		return &Result{Response: response, Source: "cache:local"}, nil
	}

	if r.mesh != nil {
		queryCtx, cancel := context.WithTimeout(ctx, r.meshQueryTimeout)
		defer cancel()

		response, err := r.mesh.Query(queryCtx, fingerprint, request)
		if err == nil {
			r.cache.Put(fingerprint, response)
			r.countRequest("mesh:peer")
			return &Result{Response: response, Source: "mesh:peer"}, nil
		}
		log.Debug().Err(err).Str("hash", fingerprint).Msg("mesh query failed")
	}

	if r.m != nil {
		r.m.RequestsFailed.Inc()
	}
	return nil, ErrNoRouteAvailable
}

// forward posts the opaque request to a region with a bounded timeout that
// cancels the underlying connection.
func (r *Router) forward(ctx context.Context, reg region.Region, request json.RawMessage) (json.RawMessage, error) {
	fwdCtx, cancel := context.WithTimeout(ctx, r.forwardTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fwdCtx, http.MethodPost, reg.RouteURL(), bytes.NewReader(request))
	if err != nil {
		return nil, fmt.Errorf("build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w", reg.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("forward to %s: status %d", reg.Name, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", reg.Name, err)
	}
	return body, nil
}

func (r *Router) countRequest(source string) {
	if r.m != nil {
		r.m.RequestsTotal.WithLabelValues(source).Inc()
	}
}

// setMeshMode flips the mesh-mode flag, emitting an event on each transition.
func (r *Router) setMeshMode(enabled bool) {
	if enabled && !r.tracker.AllUnhealthy() {
		return
	}
	if r.meshMode.Swap(enabled) == enabled {
		return
	}

	if r.m != nil {
		if enabled {
			r.m.MeshModeEnabled.Set(1)
		} else {
			r.m.MeshModeEnabled.Set(0)
		}
	}
	if enabled {
		log.Warn().Msg("all regions unhealthy, mesh mode enabled")
		r.emit(Event{Type: EventMeshModeEnabled})
	} else {
		log.Info().Msg("a region recovered, mesh mode disabled")
		r.emit(Event{Type: EventMeshModeDisabled})
	}
}

func (r *Router) emit(ev Event) {
	r.mu.Lock()
	cb := r.onEvent
	r.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}
