package speed

import "olhovivo2speeds/pkg/types"

// Classifier derives secondary views from segments, buckets and observations.
// It never alters its inputs.
type Classifier struct {
	thresholds Thresholds
}

func NewClassifier(thresholds Thresholds) *Classifier {
	return &Classifier{thresholds: thresholds}
}

// SlowSegments returns the segments slower than the slow-speed threshold,
// positioned at their current observation. A segment whose current
// observation has no position cannot be placed and is skipped.
func (c *Classifier) SlowSegments(segments []types.SegmentMetric) []types.SlowSegment {
	width := c.thresholds.IntervalWidth()
	var slow []types.SlowSegment
	for _, seg := range segments {
		curr := seg.Current
		if !(seg.SpeedMPS < c.thresholds.SlowSpeedMPS) || !curr.HasPosition() {
			continue
		}
		date, interval := IntervalOf(curr.ObservedAt, width)
		slow = append(slow, types.SlowSegment{
			Date:           date,
			Interval:       interval,
			Route:          curr.Route(),
			VehicleID:      curr.VehicleID,
			Latitude:       *curr.Latitude,
			Longitude:      *curr.Longitude,
			SpeedMPS:       seg.SpeedMPS,
			ElapsedSeconds: seg.ElapsedSeconds,
			DistanceMeters: seg.DistanceMeters,
		})
	}
	return slow
}

// SlowBuckets returns the buckets whose overall speed is below the
// slow-speed threshold, positioned at their mean coordinates.
func (c *Classifier) SlowBuckets(buckets []types.AggregateBucket) []types.SlowSegment {
	var slow []types.SlowSegment
	for _, b := range buckets {
		if !(b.SpeedMPS < c.thresholds.SlowSpeedMPS) {
			continue
		}
		slow = append(slow, types.SlowSegment{
			Date:           b.Date,
			Interval:       b.Interval,
			Route:          b.Route,
			VehicleID:      b.VehicleID,
			Latitude:       b.MeanLatitude,
			Longitude:      b.MeanLongitude,
			SpeedMPS:       b.SpeedMPS,
			ElapsedSeconds: b.TotalElapsedSeconds,
			DistanceMeters: b.TotalDistanceMeters,
		})
	}
	return slow
}

// Locations projects observations onto the accessibility/location table.
func (c *Classifier) Locations(observations []types.Observation) []types.LocationRecord {
	records := make([]types.LocationRecord, 0, len(observations))
	for _, obs := range observations {
		records = append(records, types.LocationRecord{
			Route:      obs.Route(),
			VehicleID:  obs.VehicleID,
			Accessible: obs.Accessible,
			ObservedAt: obs.ObservedAt,
			Latitude:   obs.Latitude,
			Longitude:  obs.Longitude,
		})
	}
	return records
}
