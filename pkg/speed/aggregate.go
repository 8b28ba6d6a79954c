package speed

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"olhovivo2speeds/pkg/types"
)

// IntervalOf floors t (in UTC) to the start of its aggregation window and
// returns the window's calendar date and "HH:MM-HH:MM" label.
func IntervalOf(t time.Time, width time.Duration) (date, interval string) {
	start := t.UTC().Truncate(width)
	end := start.Add(width)
	return start.Format("2006-01-02"), start.Format("15:04") + "-" + end.Format("15:04")
}

type bucketKey struct {
	date       string
	interval   string
	route      types.Route
	vehicleID  string
	accessible bool
}

type bucketSums struct {
	longitude float64
	latitude  float64
	distance  float64
	elapsed   float64
	count     int
}

// Aggregator rolls segment metrics into fixed-width time buckets.
type Aggregator struct {
	thresholds Thresholds
}

func NewAggregator(thresholds Thresholds) *Aggregator {
	return &Aggregator{thresholds: thresholds}
}

// Aggregate buckets segments by the interval of their current observation.
// Bucket speed is total distance over total elapsed time, so long segments
// weigh in proportion to their duration. Buckets come back sorted by key.
// Segments are expected to come from a Calculator; one whose current
// observation has no position is skipped.
func (a *Aggregator) Aggregate(segments []types.SegmentMetric) []types.AggregateBucket {
	width := a.thresholds.IntervalWidth()
	sums := make(map[bucketKey]*bucketSums)

	for _, seg := range segments {
		curr := seg.Current
		if !curr.HasPosition() {
			continue
		}
		date, interval := IntervalOf(curr.ObservedAt, width)
		key := bucketKey{
			date:      date,
			interval:  interval,
			route:     curr.Route(),
			vehicleID: curr.VehicleID,
		}
		if a.thresholds.GroupByAccessible {
			key.accessible = curr.Accessible
		}

		s, ok := sums[key]
		if !ok {
			s = &bucketSums{}
			sums[key] = s
		}
		s.longitude += *curr.Longitude
		s.latitude += *curr.Latitude
		s.distance += seg.DistanceMeters
		s.elapsed += seg.ElapsedSeconds
		s.count++
	}

	buckets := make([]types.AggregateBucket, 0, len(sums))
	for key, s := range sums {
		bucket := types.AggregateBucket{
			Date:                key.date,
			Interval:            key.interval,
			Route:               key.route,
			VehicleID:           key.vehicleID,
			MeanLongitude:       s.longitude / float64(s.count),
			MeanLatitude:        s.latitude / float64(s.count),
			TotalDistanceMeters: s.distance,
			TotalElapsedSeconds: s.elapsed,
			SpeedMPS:            s.distance / s.elapsed,
			Segments:            s.count,
		}
		if a.thresholds.GroupByAccessible {
			accessible := key.accessible
			bucket.Accessible = &accessible
		}
		buckets = append(buckets, bucket)
	}

	slices.SortFunc(buckets, compareBuckets)
	return buckets
}

func compareBuckets(a, b types.AggregateBucket) int {
	return cmp.Or(
		strings.Compare(a.Date, b.Date),
		strings.Compare(a.Interval, b.Interval),
		strings.Compare(a.LineSign, b.LineSign),
		strings.Compare(a.RouteCode, b.RouteCode),
		strings.Compare(a.RouteDirection, b.RouteDirection),
		strings.Compare(a.RouteDestination, b.RouteDestination),
		strings.Compare(a.RouteOrigin, b.RouteOrigin),
		strings.Compare(a.VehicleID, b.VehicleID),
		compareAccessible(a.Accessible, b.Accessible),
	)
}

func compareAccessible(a, b *bool) int {
	rank := func(v *bool) int {
		switch {
		case v == nil:
			return 0
		case !*v:
			return 1
		default:
			return 2
		}
	}
	return cmp.Compare(rank(a), rank(b))
}
