// Package region tracks the health of primary regional backends and probes
// them in the background so recovery is discovered without live traffic.
package region

import (
	"fmt"
	"net"
	"strconv"

	"github.com/routemesh/routemesh/internal/config"
)

// Region identifies a primary backend. Immutable after configuration load.
type Region struct {
	Name    string
	Address string
	Port    int
}

// FromConfig converts configured regions into the immutable runtime form.
func FromConfig(cfgs []config.RegionConfig) []Region {
	regions := make([]Region, len(cfgs))
	for i, c := range cfgs {
		regions[i] = Region{Name: c.Name, Address: c.Address, Port: c.Port}
	}
	return regions
}

// BaseURL returns the HTTP base URL of the region.
func (r Region) BaseURL() string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(r.Address, strconv.Itoa(r.Port)))
}

// HealthURL returns the region's health probe endpoint.
func (r Region) HealthURL() string {
	return r.BaseURL() + "/health"
}

// RouteURL returns the region's request forwarding endpoint.
func (r Region) RouteURL() string {
	return r.BaseURL() + "/api/route"
}
