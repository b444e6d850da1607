package replicate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// gapScanLimit is how many recent timestamps a gap scan inspects.
const gapScanLimit = 1000

// gapFactor is the multiple of the expected interval beyond which two
// consecutive timestamps are considered a gap.
const gapFactor = 1.5

// Gap is a missing stretch between two recorded timestamps.
type Gap struct {
	PreviousTime time.Time
	CurrentTime  time.Time
	GapSeconds   float64
}

// DetectGaps scans the most recent timestamps in the given table and reports
// every pair of consecutive records further apart than 1.5x the expected
// interval. Results are ordered oldest gap first.
func (r *Replicator) DetectGaps(ctx context.Context, table, column string, expectedInterval time.Duration) ([]Gap, error) {
	if r.store == nil {
		return nil, fmt.Errorf("gap detection requires a record store")
	}
	if expectedInterval <= 0 {
		return nil, fmt.Errorf("expected interval must be positive")
	}

	timestamps, err := r.store.RecentTimestamps(ctx, table, column, gapScanLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch recent timestamps: %w", err)
	}
	if len(timestamps) < 2 {
		return nil, nil
	}

	threshold := time.Duration(float64(expectedInterval) * gapFactor)

	// Timestamps arrive newest first; walk them oldest first.
	var gaps []Gap
	for i := len(timestamps) - 1; i > 0; i-- {
		prev, cur := timestamps[i], timestamps[i-1]
		if delta := cur.Sub(prev); delta > threshold {
			gaps = append(gaps, Gap{
				PreviousTime: prev,
				CurrentTime:  cur,
				GapSeconds:   delta.Seconds(),
			})
		}
	}

	if r.m != nil {
		r.m.GapsDetected.Add(float64(len(gaps)))
	}
	if len(gaps) > 0 {
		log.Info().
			Str("table", table).
			Int("gaps", len(gaps)).
			Dur("expected_interval", expectedInterval).
			Msg("detected gaps in replicated data")
	}
	return gaps, nil
}

// FillGaps re-replicates dataType once per detected gap, anchored at the gap's
// starting timestamp. The base params are passed through to each fetch with
// the gap's timestamp added. Filling is best-effort: a failed fill is logged
// and skipped, and the number of successful fills is returned.
func (r *Replicator) FillGaps(ctx context.Context, dataType string, gaps []Gap, baseParams map[string]any) int {
	filled := 0
	for _, g := range gaps {
		params := make(map[string]any, len(baseParams)+1)
		for k, v := range baseParams {
			params[k] = v
		}
		params["timestamp"] = g.PreviousTime
		if _, err := r.Replicate(ctx, dataType, params); err != nil {
			log.Warn().Err(err).
				Str("data_type", dataType).
				Time("gap_start", g.PreviousTime).
				Float64("gap_seconds", g.GapSeconds).
				Msg("gap fill failed")
			continue
		}
		filled++
		if r.m != nil {
			r.m.GapsFilled.Inc()
		}
	}
	return filled
}
