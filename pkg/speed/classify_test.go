package speed

import (
	"math"
	"testing"

	"olhovivo2speeds/pkg/types"
)

func TestSlowSegments(t *testing.T) {
	a := obs("A", "2025-03-05T10:00:00Z", -23.55, -46.63)
	b := obs("A", "2025-03-05T10:01:00Z", -23.5501, -46.6301)
	c := obs("A", "2025-03-05T10:02:00Z", -23.56, -46.64)

	segs := []types.SegmentMetric{
		segment(a, b, 60, 12),   // 0.2 m/s
		segment(b, c, 60, 84),   // exactly 1.4 m/s, not slow
		segment(a, c, 60, 1200), // 20 m/s
	}

	slow := NewClassifier(DefaultThresholds()).SlowSegments(segs)

	if len(slow) != 1 {
		t.Fatalf("Expected 1 slow segment, got %d", len(slow))
	}
	got := slow[0]
	if got.VehicleID != "A" || got.Interval != "10:00-10:30" || got.Date != "2025-03-05" {
		t.Errorf("Unexpected identifiers: %+v", got)
	}
	if got.Latitude != -23.5501 || got.Longitude != -46.6301 {
		t.Errorf("Position = (%v, %v), want the current observation", got.Latitude, got.Longitude)
	}
	if got.DistanceMeters != 12 || got.ElapsedSeconds != 60 {
		t.Errorf("Distance/elapsed = (%v, %v), want (12, 60)", got.DistanceMeters, got.ElapsedSeconds)
	}
	if segs[0].SpeedMPS != 0.2 {
		t.Error("Classifier must not alter its input")
	}
}

func TestSlowBuckets(t *testing.T) {
	buckets := []types.AggregateBucket{
		{Date: "2025-03-05", Interval: "10:00-10:30", VehicleID: "A", SpeedMPS: 0.9, MeanLatitude: 1, MeanLongitude: 2, TotalDistanceMeters: 90, TotalElapsedSeconds: 100},
		{Date: "2025-03-05", Interval: "10:00-10:30", VehicleID: "B", SpeedMPS: 8},
	}

	slow := NewClassifier(DefaultThresholds()).SlowBuckets(buckets)

	if len(slow) != 1 {
		t.Fatalf("Expected 1 slow bucket, got %d", len(slow))
	}
	if slow[0].VehicleID != "A" || slow[0].Latitude != 1 || slow[0].Longitude != 2 || slow[0].DistanceMeters != 90 {
		t.Errorf("Unexpected slow bucket: %+v", slow[0])
	}
	if len(buckets) != 2 {
		t.Error("SlowBuckets must not filter the aggregate output")
	}
}

func TestLocations_KeepsAbsentCoordinates(t *testing.T) {
	o := obs("A", "2025-03-05T10:00:00Z", 0, 0)
	o.Accessible = true
	o.Longitude = nil

	records := NewClassifier(DefaultThresholds()).Locations([]types.Observation{o})

	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	if !records[0].Accessible {
		t.Error("Accessible flag lost in projection")
	}
	if records[0].Longitude != nil {
		t.Error("Absent longitude should stay absent")
	}
	if records[0].Latitude == nil || *records[0].Latitude != 0 {
		t.Error("Zero latitude should be preserved as a value")
	}
}

func TestSlowSegments_SkipsUnplacedAndNaN(t *testing.T) {
	a := obs("A", "2025-03-05T10:00:00Z", -23.55, -46.63)
	b := obs("A", "2025-03-05T10:01:00Z", -23.5501, -46.6301)
	unplaced := obs("A", "2025-03-05T10:02:00Z", 0, 0)
	unplaced.Latitude = nil

	nan := segment(a, b, 60, 12)
	nan.SpeedMPS = math.NaN()

	slow := NewClassifier(DefaultThresholds()).SlowSegments([]types.SegmentMetric{
		segment(b, unplaced, 60, 12),
		nan,
	})
	if len(slow) != 0 {
		t.Errorf("Expected no slow segments, got %+v", slow)
	}

	buckets := []types.AggregateBucket{{VehicleID: "A", SpeedMPS: math.NaN()}}
	if got := NewClassifier(DefaultThresholds()).SlowBuckets(buckets); len(got) != 0 {
		t.Errorf("Expected NaN bucket not to be slow, got %+v", got)
	}
}
