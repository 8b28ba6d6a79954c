package speed

import (
	"math"
	"reflect"
	"testing"
	"time"

	"olhovivo2speeds/pkg/types"
)

func segment(prev, curr types.Observation, elapsed, distance float64) types.SegmentMetric {
	return types.SegmentMetric{
		Previous:       prev,
		Current:        curr,
		ElapsedSeconds: elapsed,
		DistanceMeters: distance,
		SpeedMPS:       distance / elapsed,
	}
}

func TestIntervalOf(t *testing.T) {
	tests := []struct {
		ts       string
		width    time.Duration
		date     string
		interval string
	}{
		{"2025-03-05T00:00:00Z", 30 * time.Minute, "2025-03-05", "00:00-00:30"},
		{"2025-03-05T00:29:59Z", 30 * time.Minute, "2025-03-05", "00:00-00:30"},
		{"2025-03-05T00:30:00Z", 30 * time.Minute, "2025-03-05", "00:30-01:00"},
		{"2025-03-05T10:00:01Z", 30 * time.Minute, "2025-03-05", "10:00-10:30"},
		{"2025-03-05T23:45:10Z", 30 * time.Minute, "2025-03-05", "23:30-00:00"},
		{"2025-03-05T10:47:00Z", 15 * time.Minute, "2025-03-05", "10:45-11:00"},
		{"2025-03-05T01:15:00-03:00", 30 * time.Minute, "2025-03-05", "04:00-04:30"},
		{"2025-03-05T22:10:00-03:00", 60 * time.Minute, "2025-03-06", "01:00-02:00"},
	}

	for _, tt := range tests {
		t.Run(tt.ts, func(t *testing.T) {
			date, interval := IntervalOf(at(tt.ts), tt.width)
			if date != tt.date || interval != tt.interval {
				t.Errorf("IntervalOf(%s) = (%q, %q), want (%q, %q)", tt.ts, date, interval, tt.date, tt.interval)
			}
		})
	}
}

func TestAggregate_SpeedIsTotalDistanceOverTotalTime(t *testing.T) {
	a := obs("A", "2025-03-05T10:00:00Z", -23.55, -46.63)
	b := obs("A", "2025-03-05T10:00:10Z", -23.56, -46.64)
	c := obs("A", "2025-03-05T10:01:50Z", -23.57, -46.65)

	buckets := NewAggregator(DefaultThresholds()).Aggregate([]types.SegmentMetric{
		segment(a, b, 10, 10),
		segment(b, c, 100, 1000),
	})

	if len(buckets) != 1 {
		t.Fatalf("Expected 1 bucket, got %d", len(buckets))
	}
	got := buckets[0]

	want := 1010.0 / 110.0
	if math.Abs(got.SpeedMPS-want) > 1e-12 {
		t.Errorf("SpeedMPS = %v, want %v", got.SpeedMPS, want)
	}
	if math.Abs(got.SpeedMPS-5.5) < 1 {
		t.Errorf("SpeedMPS = %v looks like the mean of segment speeds", got.SpeedMPS)
	}
	if got.TotalDistanceMeters != 1010 || got.TotalElapsedSeconds != 110 {
		t.Errorf("Totals = (%v, %v), want (1010, 110)", got.TotalDistanceMeters, got.TotalElapsedSeconds)
	}
	if math.Abs(got.MeanLatitude-(-23.565)) > 1e-9 || math.Abs(got.MeanLongitude-(-46.645)) > 1e-9 {
		t.Errorf("Mean position = (%v, %v), want (-23.565, -46.645)", got.MeanLatitude, got.MeanLongitude)
	}
	if got.Segments != 2 {
		t.Errorf("Segments = %d, want 2", got.Segments)
	}
	if got.Date != "2025-03-05" || got.Interval != "10:00-10:30" {
		t.Errorf("Bucket = %s %s, want 2025-03-05 10:00-10:30", got.Date, got.Interval)
	}
}

func TestAggregate_BucketsByCurrentObservation(t *testing.T) {
	prev := obs("A", "2025-03-05T09:59:59Z", -23.55, -46.63)
	curr := obs("A", "2025-03-05T10:00:01Z", -23.5501, -46.6301)

	buckets := NewAggregator(DefaultThresholds()).Aggregate([]types.SegmentMetric{segment(prev, curr, 2, 14)})

	if len(buckets) != 1 {
		t.Fatalf("Expected 1 bucket, got %d", len(buckets))
	}
	if buckets[0].Interval != "10:00-10:30" {
		t.Errorf("Interval = %q, want %q", buckets[0].Interval, "10:00-10:30")
	}
}

func TestAggregate_SeparatesKeys(t *testing.T) {
	base := obs("A", "2025-03-05T10:00:00Z", 0, 0)
	later := obs("A", "2025-03-05T10:40:00Z", 0, 0)
	other := obs("B", "2025-03-05T10:05:00Z", 0, 0)
	otherRoute := obs("A", "2025-03-05T10:06:00Z", 0, 0)
	otherRoute.RouteDirection = "2"

	buckets := NewAggregator(DefaultThresholds()).Aggregate([]types.SegmentMetric{
		segment(base, base, 60, 100),
		segment(base, later, 60, 100),
		segment(other, other, 60, 100),
		segment(base, otherRoute, 60, 100),
	})

	if len(buckets) != 4 {
		t.Fatalf("Expected 4 buckets, got %d", len(buckets))
	}

	// Sorted by date, interval, route fields, then vehicle
	order := []struct{ interval, direction, vehicle string }{
		{"10:00-10:30", "1", "A"},
		{"10:00-10:30", "1", "B"},
		{"10:00-10:30", "2", "A"},
		{"10:30-11:00", "1", "A"},
	}
	for i, want := range order {
		b := buckets[i]
		if b.Interval != want.interval || b.RouteDirection != want.direction || b.VehicleID != want.vehicle {
			t.Errorf("buckets[%d] = (%s, %s, %s), want (%s, %s, %s)",
				i, b.Interval, b.RouteDirection, b.VehicleID, want.interval, want.direction, want.vehicle)
		}
	}
}

func TestAggregate_GroupByAccessible(t *testing.T) {
	accessible := obs("A", "2025-03-05T10:00:00Z", 0, 0)
	accessible.Accessible = true
	plain := obs("A", "2025-03-05T10:01:00Z", 0, 0)

	segs := []types.SegmentMetric{
		segment(plain, accessible, 60, 100),
		segment(accessible, plain, 60, 100),
	}

	merged := NewAggregator(DefaultThresholds()).Aggregate(segs)
	if len(merged) != 1 {
		t.Fatalf("Without the flag expected 1 bucket, got %d", len(merged))
	}
	if merged[0].Accessible != nil {
		t.Error("Accessible should be unset when not part of the key")
	}

	thresholds := DefaultThresholds()
	thresholds.GroupByAccessible = true
	split := NewAggregator(thresholds).Aggregate(segs)
	if len(split) != 2 {
		t.Fatalf("With the flag expected 2 buckets, got %d", len(split))
	}
	if split[0].Accessible == nil || *split[0].Accessible {
		t.Error("Expected the non-accessible bucket first")
	}
	if split[1].Accessible == nil || !*split[1].Accessible {
		t.Error("Expected the accessible bucket second")
	}
}

func TestAggregate_Idempotent(t *testing.T) {
	input := []types.Observation{
		obs("A", "2025-03-05T10:00:00Z", -23.5500, -46.6300),
		obs("A", "2025-03-05T10:00:30Z", -23.5510, -46.6310),
		obs("A", "2025-03-05T10:01:30Z", -23.5520, -46.6330),
		obs("B", "2025-03-05T10:29:00Z", -23.6000, -46.7000),
		obs("B", "2025-03-05T10:31:00Z", -23.6010, -46.7010),
	}
	calc := NewCalculator(DefaultThresholds(), 1)
	var segs []types.SegmentMetric
	seqs := Sequence(input)
	for _, id := range VehicleIDs(seqs) {
		segs = append(segs, calc.Segments(seqs[id])...)
	}

	agg := NewAggregator(DefaultThresholds())
	first := agg.Aggregate(segs)
	second := agg.Aggregate(segs)

	if !reflect.DeepEqual(first, second) {
		t.Error("Aggregating the same segments twice produced different buckets")
	}
}

func TestAggregate_Empty(t *testing.T) {
	if got := NewAggregator(DefaultThresholds()).Aggregate(nil); len(got) != 0 {
		t.Errorf("Expected no buckets, got %d", len(got))
	}
}

func TestAggregate_SkipsSegmentWithoutPosition(t *testing.T) {
	a := obs("A", "2025-03-05T10:00:00Z", -23.55, -46.63)
	b := obs("A", "2025-03-05T10:01:00Z", -23.5501, -46.6301)
	unplaced := obs("B", "2025-03-05T10:01:00Z", 0, 0)
	unplaced.Latitude, unplaced.Longitude = nil, nil

	buckets := NewAggregator(DefaultThresholds()).Aggregate([]types.SegmentMetric{
		segment(a, b, 60, 12),
		segment(a, unplaced, 60, 12),
	})

	if len(buckets) != 1 || buckets[0].VehicleID != "A" {
		t.Errorf("buckets = %+v, want only vehicle A", buckets)
	}
}
