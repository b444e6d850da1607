package region

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/routemesh/routemesh/internal/metrics"
)

// HealthRecord holds the failure state of one region. The failure counter
// only ever decreases via reset-on-success.
type HealthRecord struct {
	Region              string
	ConsecutiveFailures int
	LastCheckedAt       time.Time
}

// Tracker maintains one HealthRecord per configured region and owns all
// mutation of health state. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	regions []Region
	records map[string]*HealthRecord
	next    int // round-robin cursor over eligible regions

	maxFailures  int
	probeTimeout time.Duration
	interval     time.Duration
	client       *http.Client
	m            *metrics.NodeMetrics

	onUnhealthy func(region string)
	onRecovered func(region string)
}

// NewTracker creates a health tracker for the given regions.
// The metrics argument may be nil.
func NewTracker(regions []Region, maxFailures int, probeTimeout, interval time.Duration, m *metrics.NodeMetrics) *Tracker {
	records := make(map[string]*HealthRecord, len(regions))
	for _, r := range regions {
		records[r.Name] = &HealthRecord{Region: r.Name}
	}
	return &Tracker{
		regions:      regions,
		records:      records,
		maxFailures:  maxFailures,
		probeTimeout: probeTimeout,
		interval:     interval,
		client:       &http.Client{},
		m:            m,
	}
}

// SetOnUnhealthy registers a callback fired once when a region crosses the
// failure threshold.
func (t *Tracker) SetOnUnhealthy(cb func(region string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onUnhealthy = cb
}

// SetOnRecovered registers a callback fired when a previously excluded region
// passes a probe or forward again.
func (t *Tracker) SetOnRecovered(cb func(region string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRecovered = cb
}

// Regions returns the configured region list.
func (t *Tracker) Regions() []Region {
	return t.regions
}

// MarkUnhealthy increments a region's consecutive failure counter.
func (t *Tracker) MarkUnhealthy(name string) {
	t.mu.Lock()
	rec, ok := t.records[name]
	if !ok {
		t.mu.Unlock()
		return
	}
	rec.ConsecutiveFailures++
	rec.LastCheckedAt = time.Now()
	crossed := rec.ConsecutiveFailures == t.maxFailures
	cb := t.onUnhealthy
	t.mu.Unlock()

	if t.m != nil {
		t.m.RegionFailures.WithLabelValues(name).Inc()
		t.m.HealthyRegions.Set(float64(t.healthyCount()))
	}
	if crossed {
		log.Warn().Str("region", name).Int("failures", t.Failures(name)).Msg("region marked unhealthy")
		if cb != nil {
			cb(name)
		}
	}
}

// MarkHealthy resets a region's failure counter to zero.
func (t *Tracker) MarkHealthy(name string) {
	t.mu.Lock()
	rec, ok := t.records[name]
	if !ok {
		t.mu.Unlock()
		return
	}
	wasExcluded := rec.ConsecutiveFailures >= t.maxFailures
	rec.ConsecutiveFailures = 0
	rec.LastCheckedAt = time.Now()
	cb := t.onRecovered
	t.mu.Unlock()

	if t.m != nil {
		t.m.HealthyRegions.Set(float64(t.healthyCount()))
	}
	if wasExcluded {
		log.Info().Str("region", name).Msg("region recovered")
		if cb != nil {
			cb(name)
		}
	}
}

// Failures returns the current consecutive failure count for a region.
func (t *Tracker) Failures(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[name]; ok {
		return rec.ConsecutiveFailures
	}
	return 0
}

// Eligible returns the regions below the failure threshold, rotated so
// repeated calls spread traffic round-robin.
func (t *Tracker) Eligible() []Region {
	t.mu.Lock()
	defer t.mu.Unlock()

	eligible := make([]Region, 0, len(t.regions))
	for _, r := range t.regions {
		if t.records[r.Name].ConsecutiveFailures < t.maxFailures {
			eligible = append(eligible, r)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	start := t.next % len(eligible)
	t.next++
	rotated := make([]Region, 0, len(eligible))
	rotated = append(rotated, eligible[start:]...)
	rotated = append(rotated, eligible[:start]...)
	return rotated
}

// AllUnhealthy reports whether every region is at or over the threshold.
func (t *Tracker) AllUnhealthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.regions {
		if t.records[r.Name].ConsecutiveFailures < t.maxFailures {
			return false
		}
	}
	return len(t.regions) > 0
}

// Snapshot returns a copy of every health record for status reporting.
func (t *Tracker) Snapshot() []HealthRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]HealthRecord, 0, len(t.regions))
	for _, r := range t.regions {
		out = append(out, *t.records[r.Name])
	}
	return out
}

func (t *Tracker) healthyCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.regions {
		if t.records[r.Name].ConsecutiveFailures < t.maxFailures {
			n++
		}
	}
	return n
}

// RunHealthChecks probes every region's /health endpoint on the heartbeat
// interval until the context is cancelled. Every region is probed regardless
// of its current state so excluded regions can recover without live traffic.
func (t *Tracker) RunHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every region once, in parallel.
func (t *Tracker) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, r := range t.regions {
		wg.Add(1)
		go func(r Region) {
			defer wg.Done()
			t.probe(ctx, r)
		}(r)
	}
	wg.Wait()
}

func (t *Tracker) probe(ctx context.Context, r Region) {
	probeCtx, cancel := context.WithTimeout(ctx, t.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, r.HealthURL(), nil)
	if err != nil {
		t.MarkUnhealthy(r.Name)
		return
	}

	resp, err := t.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("region", r.Name).Msg("health probe failed")
		t.MarkUnhealthy(r.Name)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		t.MarkHealthy(r.Name)
		return
	}
	log.Debug().Int("status", resp.StatusCode).Str("region", r.Name).Msg("health probe returned non-2xx")
	t.MarkUnhealthy(r.Name)
}
