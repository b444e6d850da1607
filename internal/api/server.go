// Package api exposes the node's HTTP surface: request routing, health,
// status and metrics. Nodes serve the same interface regions do, so a node
// can sit in front of other nodes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/routemesh/routemesh/internal/cache"
	meshpkg "github.com/routemesh/routemesh/internal/mesh"
	"github.com/routemesh/routemesh/internal/metrics"
	"github.com/routemesh/routemesh/internal/region"
	"github.com/routemesh/routemesh/internal/router"
)

// maxRequestBody caps the size of an accepted route request.
const maxRequestBody = 1 << 20

// Server is the node's HTTP frontend.
type Server struct {
	nodeID   string
	router   *router.Router
	tracker  *region.Tracker
	registry *meshpkg.Registry
	cache    *cache.ResponseCache

	server *http.Server
	mux    *mux.Router
}

// NewServer wires the node's HTTP routes. registry may be nil when the mesh
// is disabled.
func NewServer(nodeID string, rt *router.Router, tracker *region.Tracker,
	registry *meshpkg.Registry, responseCache *cache.ResponseCache) *Server {

	s := &Server{
		nodeID:   nodeID,
		router:   rt,
		tracker:  tracker,
		registry: registry,
		cache:    responseCache,
		mux:      mux.NewRouter(),
	}

	s.mux.HandleFunc("/route", s.handleRoute).Methods(http.MethodPost)
	// Same interface a region serves, so nodes can front other nodes.
	s.mux.HandleFunc("/api/route", s.handleRoute).Methods(http.MethodPost)
	s.mux.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return s
}

// Handler returns the route tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves the API in the background.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("api server exited")
		}
	}()

	log.Info().Str("addr", addr).Msg("api server listening")
	return nil
}

// Stop gracefully shuts the API down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 || !json.Valid(body) {
		http.Error(w, "request body must be a JSON document", http.StatusBadRequest)
		return
	}

	result, err := s.router.Route(r.Context(), body)
	if err != nil {
		if errors.Is(err, router.ErrNoRouteAvailable) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("X-Route-Source", result.Source)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// statusResponse is the GET /status payload.
type statusResponse struct {
	NodeID    string         `json:"node_id"`
	MeshMode  bool           `json:"mesh_mode"`
	Regions   []regionStatus `json:"regions"`
	Peers     []peerStatus   `json:"peers"`
	CacheSize int            `json:"cache_size"`
}

type regionStatus struct {
	Name                string    `json:"name"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Healthy             bool      `json:"healthy"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
}

type peerStatus struct {
	ID       string    `json:"id"`
	LastSeen time.Time `json:"last_seen"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		NodeID:    s.nodeID,
		MeshMode:  s.router.MeshMode(),
		Regions:   []regionStatus{},
		Peers:     []peerStatus{},
		CacheSize: s.cache.Len(),
	}

	eligible := make(map[string]bool)
	for _, r := range s.tracker.Eligible() {
		eligible[r.Name] = true
	}
	for _, rec := range s.tracker.Snapshot() {
		resp.Regions = append(resp.Regions, regionStatus{
			Name:                rec.Region,
			ConsecutiveFailures: rec.ConsecutiveFailures,
			Healthy:             eligible[rec.Region],
			LastCheckedAt:       rec.LastCheckedAt,
		})
	}

	if s.registry != nil {
		for _, p := range s.registry.List() {
			resp.Peers = append(resp.Peers, peerStatus{ID: p.ID, LastSeen: p.LastSeen})
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write json response")
	}
}
