package speed

import (
	"context"
	"math"

	"olhovivo2speeds/pkg/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// distancePlaces is the rounding applied to distances before speed is derived.
const distancePlaces = 2

// Calculator derives segment metrics from vehicle sequences.
type Calculator struct {
	thresholds Thresholds
	workers    int
	tracer     trace.Tracer
}

// Result holds the output of one Calculate call. Every slice is ordered by
// vehicle id, then by sequence position.
type Result struct {
	Candidates []types.SegmentCandidate
	Segments   []types.SegmentMetric
	Excluded   map[types.Exclusion]int
}

// NewCalculator returns a calculator that fans out over at most workers
// vehicles at a time. workers below 1 means sequential processing.
func NewCalculator(thresholds Thresholds, workers int) *Calculator {
	if workers < 1 {
		workers = 1
	}
	return &Calculator{
		thresholds: thresholds,
		workers:    workers,
		tracer:     otel.Tracer("speed-calculator"),
	}
}

// Candidates walks consecutive pairs of seq and evaluates every filter on
// each pair. The first observation of a sequence never opens a pair.
func (c *Calculator) Candidates(seq VehicleSequence) []types.SegmentCandidate {
	if len(seq) < 2 {
		return nil
	}

	candidates := make([]types.SegmentCandidate, 0, len(seq)-1)
	prev := seq[0]
	for _, curr := range seq[1:] {
		candidates = append(candidates, c.evaluate(prev, curr))
		prev = curr
	}
	return candidates
}

// Segments returns only the pairs of seq that pass every filter.
func (c *Calculator) Segments(seq VehicleSequence) []types.SegmentMetric {
	var segments []types.SegmentMetric
	for _, cand := range c.Candidates(seq) {
		if seg, ok := toMetric(cand); ok {
			segments = append(segments, seg)
		}
	}
	return segments
}

func (c *Calculator) evaluate(prev, curr types.Observation) types.SegmentCandidate {
	cand := types.SegmentCandidate{
		Previous:       prev,
		Current:        curr,
		ElapsedSeconds: curr.ObservedAt.Sub(prev.ObservedAt).Seconds(),
	}

	if usablePosition(prev) && usablePosition(curr) {
		distance := roundTo(Haversine(*prev.Latitude, *prev.Longitude, *curr.Latitude, *curr.Longitude), distancePlaces)
		cand.DistanceMeters = &distance
		// Zero elapsed time never reaches the division
		if cand.ElapsedSeconds > 0 {
			speed := distance / cand.ElapsedSeconds
			cand.SpeedMPS = &speed
		}
	}

	switch {
	case cand.ElapsedSeconds <= 0:
		cand.Exclusion = types.ExclusionNonPositiveElapsed
	case cand.ElapsedSeconds > c.thresholds.MaxGapSeconds:
		cand.Exclusion = types.ExclusionGap
	case cand.DistanceMeters == nil:
		cand.Exclusion = types.ExclusionMissingCoordinates
	// Written so that a NaN speed is excluded too
	case !(*cand.SpeedMPS <= c.thresholds.MaxSpeedMPS):
		cand.Exclusion = types.ExclusionImplausibleSpeed
	}

	return cand
}

// usablePosition reports whether o has finite coordinates on the globe.
func usablePosition(o types.Observation) bool {
	if !o.HasPosition() {
		return false
	}
	lat, lon := *o.Latitude, *o.Longitude
	return !math.IsNaN(lat) && !math.IsNaN(lon) && math.Abs(lat) <= 90 && math.Abs(lon) <= 180
}

func toMetric(cand types.SegmentCandidate) (types.SegmentMetric, bool) {
	if !cand.Valid() {
		return types.SegmentMetric{}, false
	}
	return types.SegmentMetric{
		Previous:       cand.Previous,
		Current:        cand.Current,
		ElapsedSeconds: cand.ElapsedSeconds,
		DistanceMeters: *cand.DistanceMeters,
		SpeedMPS:       *cand.SpeedMPS,
	}, true
}

// Calculate evaluates every sequence. Sequences share no state, so they are
// processed concurrently up to the worker limit; the result order does not
// depend on scheduling.
func (c *Calculator) Calculate(ctx context.Context, sequences map[string]VehicleSequence) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "speed.calculate",
		trace.WithAttributes(
			attribute.Int("vehicles_count", len(sequences)),
			attribute.Int("workers", c.workers),
		),
	)
	defer span.End()

	ids := VehicleIDs(sequences)
	perVehicle := make([][]types.SegmentCandidate, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perVehicle[i] = c.Candidates(sequences[id])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := &Result{Excluded: make(map[types.Exclusion]int)}
	for _, candidates := range perVehicle {
		for _, cand := range candidates {
			result.Candidates = append(result.Candidates, cand)
			if seg, ok := toMetric(cand); ok {
				result.Segments = append(result.Segments, seg)
			} else {
				result.Excluded[cand.Exclusion]++
			}
		}
	}

	span.SetAttributes(
		attribute.Int("candidates_count", len(result.Candidates)),
		attribute.Int("segments_count", len(result.Segments)),
	)

	return result, nil
}
