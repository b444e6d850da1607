// Package testutil provides shared helpers for routemesh tests: free ports,
// fake region backends and condition polling.
package testutil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/routemesh/routemesh/internal/region"
)

// FreePort returns an OS-assigned free TCP port.
func FreePort(t *testing.T) int {
	t.Helper()

	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to resolve address: %v", err)
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer func() { _ = l.Close() }()

	return l.Addr().(*net.TCPAddr).Port
}

// FreeUDPPort returns an OS-assigned free UDP port.
func FreeUDPPort(t *testing.T) int {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to listen udp: %v", err)
	}
	defer func() { _ = conn.Close() }()

	return conn.LocalAddr().(*net.UDPAddr).Port
}

// Backend is a fake region backend whose behavior can be flipped at runtime.
type Backend struct {
	Server   *httptest.Server
	Region   region.Region
	failing  atomic.Bool
	Requests atomic.Int64
}

// NewBackend starts a fake region backend serving /health and /api/route.
// The response body is returned verbatim for routed requests. The server is
// closed automatically when the test finishes.
func NewBackend(t *testing.T, name string, response []byte) *Backend {
	t.Helper()

	b := &Backend{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if b.failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/route", func(w http.ResponseWriter, _ *http.Request) {
		b.Requests.Add(1)
		if b.failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(response)
	})

	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Server.Close)

	u, err := url.Parse(b.Server.URL)
	if err != nil {
		t.Fatalf("failed to parse backend url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("failed to parse backend port: %v", err)
	}
	b.Region = region.Region{Name: name, Address: u.Hostname(), Port: port}
	return b
}

// SetFailing flips the backend between healthy and failing.
func (b *Backend) SetFailing(failing bool) {
	b.failing.Store(failing)
}

// WaitFor polls cond until it returns true or the timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
