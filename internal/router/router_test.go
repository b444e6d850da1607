package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routemesh/routemesh/internal/cache"
	"github.com/routemesh/routemesh/internal/region"
)

func regionFromServer(t *testing.T, name string, srv *httptest.Server) region.Region {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return region.Region{Name: name, Address: u.Hostname(), Port: port}
}

// echoRegion returns a server that answers /api/route with a fixed body.
func echoRegion(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/route" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// failingRegion returns a server that always responds 500.
func failingRegion(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fakeMesh struct {
	response json.RawMessage
	err      error
	queries  int
}

func (f *fakeMesh) Query(ctx context.Context, hash string, request json.RawMessage) (json.RawMessage, error) {
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func newRouter(t *testing.T, regions []region.Region, meshQuerier MeshQuerier) (*Router, *region.Tracker, *cache.ResponseCache) {
	t.Helper()
	tracker := region.NewTracker(regions, 3, time.Second, time.Minute, nil)
	responseCache := cache.New(100, time.Hour, nil)
	r := New(tracker, responseCache, meshQuerier, time.Second, 200*time.Millisecond, nil)
	return r, tracker, responseCache
}

func TestRoute_ForwardsToRegion(t *testing.T) {
	srv := echoRegion(t, `{"answer":42}`)
	r, tracker, responseCache := newRouter(t, []region.Region{regionFromServer(t, "us-east", srv)}, nil)

	request := json.RawMessage(`{"prompt":"hi"}`)
	res, err := r.Route(context.Background(), request)
	require.NoError(t, err)

	assert.Equal(t, "region:us-east", res.Source)
	assert.JSONEq(t, `{"answer":42}`, string(res.Response))
	assert.Equal(t, 0, tracker.Failures("us-east"))

	// Successful forwards write through the cache
	_, ok := responseCache.Get(Fingerprint(request))
	assert.True(t, ok)
}

func TestRoute_FailureIncrementsAndFallsThrough(t *testing.T) {
	srv := failingRegion(t)
	r, tracker, _ := newRouter(t, []region.Region{regionFromServer(t, "us-east", srv)}, nil)

	_, err := r.Route(context.Background(), json.RawMessage(`{"q":1}`))
	assert.ErrorIs(t, err, ErrNoRouteAvailable)
	assert.Equal(t, 1, tracker.Failures("us-east"))
}

func TestRoute_SuccessResetsFailureCounter(t *testing.T) {
	srv := echoRegion(t, `{}`)
	r, tracker, _ := newRouter(t, []region.Region{regionFromServer(t, "us-east", srv)}, nil)

	tracker.MarkUnhealthy("us-east")
	tracker.MarkUnhealthy("us-east")

	_, err := r.Route(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 0, tracker.Failures("us-east"))
}

func TestRoute_ExcludedRegionNotSelected(t *testing.T) {
	srv := echoRegion(t, `{}`)
	r, tracker, _ := newRouter(t, []region.Region{regionFromServer(t, "us-east", srv)}, nil)

	for i := 0; i < 3; i++ {
		tracker.MarkUnhealthy("us-east")
	}

	_, err := r.Route(context.Background(), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNoRouteAvailable, "region over threshold must not be selected")
}

func TestRoute_MeshModeAndCacheFallback(t *testing.T) {
	srv := failingRegion(t)
	regions := []region.Region{
		regionFromServer(t, "us-east", srv),
		regionFromServer(t, "eu-west", srv),
		regionFromServer(t, "ap-south", srv),
	}
	r, _, responseCache := newRouter(t, regions, nil)

	var events []string
	r.SetOnEvent(func(ev Event) { events = append(events, ev.Type) })

	request := json.RawMessage(`{"prompt":"hello"}`)
	responseCache.Put(Fingerprint(request), json.RawMessage(`{"cached":true}`))

	// Drive every region over the failure threshold
	for i := 0; i < 9; i++ {
		res, err := r.Route(context.Background(), request)
		require.NoError(t, err, "cache should keep serving while regions die")
		if r.MeshMode() {
			assert.Equal(t, "cache:local", res.Source)
		}
	}

	assert.True(t, r.MeshMode())
	assert.Contains(t, events, EventRegionUnhealthy)
	assert.Contains(t, events, EventMeshModeEnabled)

	// Clearing the cache with no mesh peers leaves no path at all
	responseCache.Clear()
	_, err := r.Route(context.Background(), request)
	assert.ErrorIs(t, err, ErrNoRouteAvailable)
}

func TestRoute_MeshPeerFallback(t *testing.T) {
	srv := failingRegion(t)
	meshQuerier := &fakeMesh{response: json.RawMessage(`{"from":"peer"}`)}
	r, tracker, responseCache := newRouter(t, []region.Region{regionFromServer(t, "us-east", srv)}, meshQuerier)

	for i := 0; i < 3; i++ {
		tracker.MarkUnhealthy("us-east")
	}

	request := json.RawMessage(`{"prompt":"hello"}`)
	res, err := r.Route(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, "mesh:peer", res.Source)
	assert.JSONEq(t, `{"from":"peer"}`, string(res.Response))

	// Mesh answers write through the cache too
	_, ok := responseCache.Get(Fingerprint(request))
	assert.True(t, ok)
}

func TestRoute_MeshTimeoutIsTerminal(t *testing.T) {
	meshQuerier := &fakeMesh{err: errors.New("mesh query timed out")}
	r, _, _ := newRouter(t, nil, meshQuerier)

	_, err := r.Route(context.Background(), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNoRouteAvailable)
	assert.Equal(t, 1, meshQuerier.queries)
}

func TestMeshMode_DisabledOnRecovery(t *testing.T) {
	srv := failingRegion(t)
	r, tracker, _ := newRouter(t, []region.Region{regionFromServer(t, "us-east", srv)}, nil)

	var events []string
	r.SetOnEvent(func(ev Event) { events = append(events, ev.Type) })

	for i := 0; i < 3; i++ {
		_, _ = r.Route(context.Background(), json.RawMessage(`{}`))
	}
	require.True(t, r.MeshMode())

	// A successful health probe resets the region and clears mesh mode
	tracker.MarkHealthy("us-east")

	assert.False(t, r.MeshMode())
	assert.Contains(t, events, EventMeshModeDisabled)
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint(json.RawMessage(`{"prompt":"hi"}`))
	b := Fingerprint(json.RawMessage(`{"prompt":"hi"}`))
	c := Fingerprint(json.RawMessage(`{"prompt":"bye"}`))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}
