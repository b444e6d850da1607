package replicate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routemesh/routemesh/internal/store"
)

func TestDetectGapsFindsMissingStretch(t *testing.T) {
	memStore := store.NewMemoryStore()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	// Records at t=0s, 60s, 61s, 185s with a 60s expected interval. The only
	// stretch wider than 90s is 61s -> 185s.
	memStore.SeedTimestamps("price", []time.Time{
		base,
		base.Add(60 * time.Second),
		base.Add(61 * time.Second),
		base.Add(185 * time.Second),
	})

	r := New(Options{}, memStore, nil)
	gaps, err := r.DetectGaps(context.Background(), "replica_records", "replicated_at", time.Minute)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, base.Add(61*time.Second), gaps[0].PreviousTime)
	assert.Equal(t, base.Add(185*time.Second), gaps[0].CurrentTime)
	assert.InDelta(t, 124.0, gaps[0].GapSeconds, 1e-9)
}

func TestDetectGapsNoneWhenRegular(t *testing.T) {
	memStore := store.NewMemoryStore()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	times := make([]time.Time, 10)
	for i := range times {
		times[i] = base.Add(time.Duration(i) * time.Minute)
	}
	memStore.SeedTimestamps("price", times)

	r := New(Options{}, memStore, nil)
	gaps, err := r.DetectGaps(context.Background(), "replica_records", "replicated_at", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestDetectGapsSparseData(t *testing.T) {
	memStore := store.NewMemoryStore()

	r := New(Options{}, memStore, nil)

	// Zero and one record cannot bound a gap.
	gaps, err := r.DetectGaps(context.Background(), "replica_records", "replicated_at", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, gaps)

	memStore.SeedTimestamps("price", []time.Time{time.Now()})
	gaps, err = r.DetectGaps(context.Background(), "replica_records", "replicated_at", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestDetectGapsValidation(t *testing.T) {
	r := New(Options{}, nil, nil)
	_, err := r.DetectGaps(context.Background(), "t", "c", time.Minute)
	require.Error(t, err)

	r = New(Options{}, store.NewMemoryStore(), nil)
	_, err = r.DetectGaps(context.Background(), "t", "c", 0)
	require.Error(t, err)
}

func TestDetectGapsOrderedOldestFirst(t *testing.T) {
	memStore := store.NewMemoryStore()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	memStore.SeedTimestamps("price", []time.Time{
		base,
		base.Add(200 * time.Second), // gap one
		base.Add(260 * time.Second),
		base.Add(500 * time.Second), // gap two
	})

	r := New(Options{}, memStore, nil)
	gaps, err := r.DetectGaps(context.Background(), "replica_records", "replicated_at", time.Minute)
	require.NoError(t, err)
	require.Len(t, gaps, 2)
	assert.True(t, gaps[0].CurrentTime.Before(gaps[1].CurrentTime))
	assert.Equal(t, base, gaps[0].PreviousTime)
	assert.Equal(t, base.Add(260*time.Second), gaps[1].PreviousTime)
}

func TestFillGapsReplicatesPerGap(t *testing.T) {
	memStore := store.NewMemoryStore()
	r := New(Options{Strategy: StrategyFirstSuccess}, memStore, nil)

	var seen []time.Time
	require.NoError(t, r.RegisterSource("backfill", func(_ context.Context, params map[string]any) (float64, error) {
		require.Equal(t, "XYZ", params["symbol"])
		ts, ok := params["timestamp"].(time.Time)
		require.True(t, ok)
		seen = append(seen, ts)
		return 3.14, nil
	}, SourceOptions{Enabled: true}))

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	gaps := []Gap{
		{PreviousTime: base, CurrentTime: base.Add(2 * time.Minute), GapSeconds: 120},
		{PreviousTime: base.Add(5 * time.Minute), CurrentTime: base.Add(10 * time.Minute), GapSeconds: 300},
	}

	filled := r.FillGaps(context.Background(), "price", gaps, map[string]any{"symbol": "XYZ"})
	assert.Equal(t, 2, filled)
	assert.Equal(t, []time.Time{base, base.Add(5 * time.Minute)}, seen)
	assert.Len(t, memStore.Records(), 2)
}

func TestFillGapsBestEffort(t *testing.T) {
	r := New(Options{Strategy: StrategyFirstSuccess}, nil, nil)

	calls := 0
	require.NoError(t, r.RegisterSource("flaky", func(_ context.Context, _ map[string]any) (float64, error) {
		calls++
		if calls == 1 {
			return 0, assert.AnError
		}
		return 1, nil
	}, SourceOptions{Enabled: true}))

	gaps := []Gap{
		{PreviousTime: time.Now(), CurrentTime: time.Now(), GapSeconds: 120},
		{PreviousTime: time.Now(), CurrentTime: time.Now(), GapSeconds: 120},
	}
	filled := r.FillGaps(context.Background(), "price", gaps, nil)
	assert.Equal(t, 1, filled)
	assert.Equal(t, 2, calls)
}
