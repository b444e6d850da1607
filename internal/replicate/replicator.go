// Package replicate fetches the same logical datum from multiple independent
// upstream sources, cross-validates the results, resolves disagreements and
// records the reconciled value.
package replicate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/routemesh/routemesh/internal/metrics"
	"github.com/routemesh/routemesh/internal/store"
)

// Fetch strategies.
const (
	StrategyFirstSuccess = "first-success"
	StrategyMajority     = "majority"
	StrategyAverage      = "average"
	StrategyAll          = "all"
)

// FetchFunc retrieves one numeric datum from a single upstream source.
type FetchFunc func(ctx context.Context, params map[string]any) (float64, error)

// SourceOptions configures a registered source.
type SourceOptions struct {
	Priority int     // ascending consult order
	Weight   float64 // consulted by the average strategy; defaults to 1
	Enabled  bool
}

// SourceStats tracks per-source fetch outcomes.
type SourceStats struct {
	Requests   uint64
	Successes  uint64
	Failures   uint64
	AvgLatency time.Duration
}

// Source is one registered upstream provider.
type Source struct {
	Name     string
	Fetch    FetchFunc
	Priority int
	Weight   float64
	Enabled  bool

	stats SourceStats
}

// Sample is one successful fetch.
type Sample struct {
	Source  string
	Value   float64
	Latency time.Duration
}

// Outcome is the result of a replicate call.
type Outcome struct {
	Value        float64
	Samples      []Sample
	Mean         float64
	MaxDeviation float64 // largest relative deviation from the mean
	Conflict     bool    // deviation exceeded the configured variance
	Strategy     string
}

// Sources returns the names of the sources that contributed samples.
func (o *Outcome) Sources() []string {
	names := make([]string, len(o.Samples))
	for i, s := range o.Samples {
		names[i] = s.Source
	}
	return names
}

// Stats are the replicator's lifetime counters.
type Stats struct {
	Replications uint64
	Conflicts    uint64
	Resolved     uint64
	Failures     uint64
}

// SourceError pairs a source name with its fetch failure.
type SourceError struct {
	Source string
	Err    error
}

// AllSourcesFailedError reports that no source produced a value, enumerating
// every per-source failure.
type AllSourcesFailedError struct {
	DataType string
	Errors   []SourceError
}

func (e *AllSourcesFailedError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, se := range e.Errors {
		parts[i] = fmt.Sprintf("%s: %v", se.Source, se.Err)
	}
	return fmt.Sprintf("replicate %s: all %d sources failed: %s", e.DataType, len(e.Errors), strings.Join(parts, "; "))
}

// ErrNoSources is returned when no enabled source is registered.
var ErrNoSources = errors.New("no enabled sources registered")

// ErrInsufficientSources is returned when fewer sources succeeded than the
// configured minimum.
var ErrInsufficientSources = errors.New("insufficient successful sources")

// Options configures a Replicator.
type Options struct {
	Strategy     string
	MaxVariance  float64 // relative deviation flagged as a conflict
	MinSources   int
	FetchTimeout time.Duration
}

// Replicator fans fetches out to registered sources and reconciles the
// results per the configured strategy.
type Replicator struct {
	opts  Options
	store store.RecordStore
	m     *metrics.NodeMetrics

	mu      sync.Mutex
	sources []*Source
	stats   Stats
}

// New creates a replicator. recordStore and m may be nil; persistence is
// best-effort and skipped entirely without a store.
func New(opts Options, recordStore store.RecordStore, m *metrics.NodeMetrics) *Replicator {
	if opts.Strategy == "" {
		opts.Strategy = StrategyFirstSuccess
	}
	if opts.MaxVariance == 0 {
		opts.MaxVariance = 0.05
	}
	if opts.MinSources == 0 {
		opts.MinSources = 1
	}
	if opts.FetchTimeout == 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	return &Replicator{opts: opts, store: recordStore, m: m}
}

// RegisterSource adds an upstream source. Sources are consulted in ascending
// priority order. Weight defaults to 1 and must be positive.
func (r *Replicator) RegisterSource(name string, fetch FetchFunc, opts SourceOptions) error {
	if name == "" {
		return fmt.Errorf("source name is required")
	}
	if fetch == nil {
		return fmt.Errorf("source %q: fetch function is required", name)
	}
	if opts.Weight == 0 {
		opts.Weight = 1
	}
	if opts.Weight < 0 {
		return fmt.Errorf("source %q: weight must be positive", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sources {
		if s.Name == name {
			return fmt.Errorf("source %q already registered", name)
		}
	}
	r.sources = append(r.sources, &Source{
		Name:     name,
		Fetch:    fetch,
		Priority: opts.Priority,
		Weight:   opts.Weight,
		Enabled:  opts.Enabled,
	})
	sort.SliceStable(r.sources, func(i, j int) bool {
		return r.sources[i].Priority < r.sources[j].Priority
	})
	return nil
}

// Stats returns a copy of the lifetime counters.
func (r *Replicator) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// SourceStats returns the per-source counters, or ok=false for an unknown name.
func (r *Replicator) SourceStats(name string) (SourceStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sources {
		if s.Name == name {
			return s.stats, true
		}
	}
	return SourceStats{}, false
}

// Replicate fetches dataType from the registered sources, validates agreement
// and resolves a single value per the configured strategy. The reconciled
// record is persisted best-effort; persistence failure never fails the call.
func (r *Replicator) Replicate(ctx context.Context, dataType string, params map[string]any) (*Outcome, error) {
	r.mu.Lock()
	r.stats.Replications++
	enabled := make([]*Source, 0, len(r.sources))
	for _, s := range r.sources {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	r.mu.Unlock()

	if r.m != nil {
		r.m.Replications.Inc()
	}
	if len(enabled) == 0 {
		r.countFailure()
		return nil, ErrNoSources
	}

	var samples []Sample
	var failures []SourceError
	if r.opts.Strategy == StrategyFirstSuccess {
		samples, failures = r.fetchFirstSuccess(ctx, enabled, params)
	} else {
		samples, failures = r.fetchAll(ctx, enabled, params)
	}

	if len(samples) == 0 {
		r.countFailure()
		return nil, &AllSourcesFailedError{DataType: dataType, Errors: failures}
	}
	if len(samples) < r.opts.MinSources {
		r.countFailure()
		return nil, fmt.Errorf("replicate %s: %w: %d of %d required", dataType, ErrInsufficientSources, len(samples), r.opts.MinSources)
	}

	outcome := r.resolve(dataType, samples, enabled)
	r.persist(ctx, dataType, params, outcome)
	return outcome, nil
}

// fetchFirstSuccess tries sources sequentially in priority order, stopping
// at the first that succeeds.
func (r *Replicator) fetchFirstSuccess(ctx context.Context, sources []*Source, params map[string]any) ([]Sample, []SourceError) {
	var failures []SourceError
	for _, s := range sources {
		sample, err := r.fetchOne(ctx, s, params)
		if err != nil {
			failures = append(failures, SourceError{Source: s.Name, Err: err})
			continue
		}
		return []Sample{sample}, failures
	}
	return nil, failures
}

// fetchAll fans out to every source in parallel and joins all results.
func (r *Replicator) fetchAll(ctx context.Context, sources []*Source, params map[string]any) ([]Sample, []SourceError) {
	type result struct {
		sample Sample
		err    error
		name   string
	}

	results := make([]result, len(sources))
	var wg sync.WaitGroup
	for i, s := range sources {
		wg.Add(1)
		go func(i int, s *Source) {
			defer wg.Done()
			sample, err := r.fetchOne(ctx, s, params)
			results[i] = result{sample: sample, err: err, name: s.Name}
		}(i, s)
	}
	wg.Wait()

	var samples []Sample
	var failures []SourceError
	for _, res := range results {
		if res.err != nil {
			failures = append(failures, SourceError{Source: res.name, Err: res.err})
			continue
		}
		samples = append(samples, res.sample)
	}
	return samples, failures
}

// fetchOne runs a single bounded fetch and updates the source's counters.
func (r *Replicator) fetchOne(ctx context.Context, s *Source, params map[string]any) (Sample, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	start := time.Now()
	value, err := s.Fetch(fetchCtx, params)
	latency := time.Since(start)

	r.mu.Lock()
	s.stats.Requests++
	if err != nil {
		s.stats.Failures++
	} else {
		s.stats.Successes++
	}
	n := time.Duration(s.stats.Requests)
	s.stats.AvgLatency = (s.stats.AvgLatency*(n-1) + latency) / n
	r.mu.Unlock()

	if r.m != nil {
		r.m.SourceLatency.WithLabelValues(s.Name).Observe(latency.Seconds())
	}
	if err != nil {
		log.Debug().Err(err).Str("source", s.Name).Dur("latency", latency).Msg("source fetch failed")
		return Sample{}, err
	}
	return Sample{Source: s.Name, Value: value, Latency: latency}, nil
}

// resolve validates agreement across samples and picks the final value per
// the configured strategy.
func (r *Replicator) resolve(dataType string, samples []Sample, sources []*Source) *Outcome {
	outcome := &Outcome{Samples: samples, Strategy: r.opts.Strategy}

	mean := 0.0
	for _, s := range samples {
		mean += s.Value
	}
	mean /= float64(len(samples))
	outcome.Mean = mean

	if len(samples) >= 2 {
		for _, s := range samples {
			dev := relativeDeviation(s.Value, mean)
			if dev > outcome.MaxDeviation {
				outcome.MaxDeviation = dev
			}
		}
		if outcome.MaxDeviation > r.opts.MaxVariance {
			outcome.Conflict = true
			r.mu.Lock()
			r.stats.Conflicts++
			r.mu.Unlock()
			if r.m != nil {
				r.m.Conflicts.Inc()
			}
			log.Warn().
				Str("data_type", dataType).
				Float64("max_deviation", outcome.MaxDeviation).
				Float64("max_variance", r.opts.MaxVariance).
				Msg("source disagreement exceeds variance threshold")
		}
	}

	switch {
	case len(samples) == 1:
		outcome.Value = samples[0].Value
	case r.opts.Strategy == StrategyAverage:
		outcome.Value = weightedMean(samples, sources)
	case r.opts.Strategy == StrategyMajority:
		outcome.Value = majorityValue(samples, sources, r.opts.MaxVariance)
	default: // StrategyAll and multi-result first-success
		outcome.Value = mean
	}

	if len(samples) >= 2 {
		r.mu.Lock()
		r.stats.Resolved++
		r.mu.Unlock()
		if r.m != nil {
			r.m.Resolved.Inc()
		}
	}
	return outcome
}

// persist logs the reconciled record. Best-effort: failures are debug-logged
// and never propagated.
func (r *Replicator) persist(ctx context.Context, dataType string, params map[string]any, outcome *Outcome) {
	if r.store == nil {
		return
	}

	rec := &store.Record{
		ID:       uuid.New(),
		DataType: dataType,
		Params:   params,
		ValidatedData: map[string]any{
			"value":         outcome.Value,
			"mean":          outcome.Mean,
			"max_deviation": outcome.MaxDeviation,
			"conflict":      outcome.Conflict,
			"strategy":      outcome.Strategy,
		},
		SourceCount:  len(outcome.Samples),
		Sources:      outcome.Sources(),
		ReplicatedAt: time.Now(),
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.store.Insert(persistCtx, rec); err != nil {
		log.Debug().Err(err).Str("data_type", dataType).Msg("replica record persist failed")
	}
}

func (r *Replicator) countFailure() {
	r.mu.Lock()
	r.stats.Failures++
	r.mu.Unlock()
	if r.m != nil {
		r.m.ReplFailures.Inc()
	}
}

// relativeDeviation is |v-mean|/|mean|, falling back to the absolute
// difference when the mean is zero.
func relativeDeviation(v, mean float64) float64 {
	if mean == 0 {
		return math.Abs(v - mean)
	}
	return math.Abs(v-mean) / math.Abs(mean)
}

// weightedMean resolves with each source's configured weight.
func weightedMean(samples []Sample, sources []*Source) float64 {
	weights := make(map[string]float64, len(sources))
	for _, s := range sources {
		weights[s.Name] = s.Weight
	}

	var sum, totalWeight float64
	for _, s := range samples {
		w := weights[s.Source]
		if w <= 0 {
			w = 1
		}
		sum += s.Value * w
		totalWeight += w
	}
	return sum / totalWeight
}

// majorityValue buckets samples by relative proximity and returns the value
// of the highest-priority source in the densest bucket. Floating values are
// considered equal when within half the variance threshold of the bucket's
// first member; ties between buckets go to the one holding the
// highest-priority source.
func majorityValue(samples []Sample, sources []*Source, maxVariance float64) float64 {
	priorities := make(map[string]int, len(sources))
	for _, s := range sources {
		priorities[s.Name] = s.Priority
	}

	epsilon := maxVariance / 2

	type bucket struct {
		members []Sample
	}
	var buckets []*bucket
	for _, s := range samples {
		placed := false
		for _, b := range buckets {
			anchor := b.members[0].Value
			if relativeDeviation(s.Value, anchor) <= epsilon {
				b.members = append(b.members, s)
				placed = true
				break
			}
		}
		if !placed {
			buckets = append(buckets, &bucket{members: []Sample{s}})
		}
	}

	bestPriority := func(b *bucket) int {
		best := math.MaxInt
		for _, m := range b.members {
			if p := priorities[m.Source]; p < best {
				best = p
			}
		}
		return best
	}

	winner := buckets[0]
	for _, b := range buckets[1:] {
		if len(b.members) > len(winner.members) ||
			(len(b.members) == len(winner.members) && bestPriority(b) < bestPriority(winner)) {
			winner = b
		}
	}

	// Return the highest-priority member's value verbatim
	best := winner.members[0]
	for _, m := range winner.members[1:] {
		if priorities[m.Source] < priorities[best.Source] {
			best = m
		}
	}
	return best.Value
}
