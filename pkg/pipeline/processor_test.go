package pipeline

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"olhovivo2speeds/pkg/speed"
	"olhovivo2speeds/pkg/store"
	"olhovivo2speeds/pkg/types"
)

// Vehicle 100 moves 0.0003 degrees of latitude per minute (about 0.56 m/s),
// vehicle 200 ten times as far.
const (
	firstPoll = `{"hr":"10:00","l":[{"c":"8000-10","cl":1234,"sl":1,"lt0":"Terminal Lapa","lt1":"Praça Ramos","qv":2,"vs":[
		{"p":100,"a":true,"ta":"2024-05-01T10:00:00Z","py":-23.5,"px":-46.6},
		{"p":200,"a":false,"ta":"2024-05-01T10:00:00Z","py":-23.6,"px":-46.6}]}]}`
	secondPoll = `{"hr":"10:01","l":[{"c":"8000-10","cl":1234,"sl":1,"lt0":"Terminal Lapa","lt1":"Praça Ramos","qv":2,"vs":[
		{"p":100,"a":true,"ta":"2024-05-01T10:01:00Z","py":-23.5003,"px":-46.6},
		{"p":200,"a":false,"ta":"2024-05-01T10:01:00Z","py":-23.603,"px":-46.6}]}]}`
)

func testSnapshots() []types.RawSnapshot {
	base := time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC)
	return []types.RawSnapshot{
		{ID: "s1", Period: "2024-05-01", FetchedAt: base, Body: []byte(firstPoll)},
		{ID: "bad", Period: "2024-05-01", FetchedAt: base.Add(30 * time.Second), Body: []byte("<html>")},
		{ID: "s2", Period: "2024-05-01", FetchedAt: base.Add(time.Minute), Body: []byte(secondPoll)},
	}
}

type fakeSource struct {
	snapshots []types.RawSnapshot
	err       error
}

func (f *fakeSource) LoadSnapshots(context.Context, string) ([]types.RawSnapshot, error) {
	return f.snapshots, f.err
}

type fakeWriter struct {
	runs []store.RunOutput
	err  error
}

func (f *fakeWriter) WriteRun(_ context.Context, out store.RunOutput) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.runs = append(f.runs, out)
	return "run-1", nil
}

type fakeLoki struct {
	aggregates [][]types.AggregateBucket
	slow       [][]types.SlowSegment
	err        error
}

func (f *fakeLoki) SendAggregates(_ context.Context, _ string, b []types.AggregateBucket) error {
	f.aggregates = append(f.aggregates, b)
	return f.err
}

func (f *fakeLoki) SendSlowSegments(_ context.Context, _ string, s []types.SlowSegment) error {
	f.slow = append(f.slow, s)
	return f.err
}

type fakePublisher struct {
	published []types.SlowSegment
	err       error
}

func (f *fakePublisher) PublishSlowSegments(_ context.Context, _ string, s []types.SlowSegment) error {
	f.published = append(f.published, s...)
	return f.err
}

func TestNewProcessor_Validation(t *testing.T) {
	source := &fakeSource{}
	writer := &fakeWriter{}
	badThresholds := speed.DefaultThresholds()
	badThresholds.IntervalWidthMinutes = 7

	tests := []struct {
		name      string
		config    ProcessorConfig
		source    SnapshotSource
		writer    RunWriter
		expectErr bool
	}{
		{"valid config", ProcessorConfig{Thresholds: speed.DefaultThresholds()}, source, writer, false},
		{"dry run without writer", ProcessorConfig{Thresholds: speed.DefaultThresholds(), DryRun: true}, source, nil, false},
		{"slow from buckets", ProcessorConfig{Thresholds: speed.DefaultThresholds(), SlowFrom: SlowFromBuckets}, source, writer, false},
		{"invalid thresholds", ProcessorConfig{Thresholds: badThresholds}, source, writer, true},
		{"zero thresholds", ProcessorConfig{}, source, writer, true},
		{"missing source", ProcessorConfig{Thresholds: speed.DefaultThresholds()}, nil, writer, true},
		{"missing writer", ProcessorConfig{Thresholds: speed.DefaultThresholds()}, source, nil, true},
		{"unknown slow source", ProcessorConfig{Thresholds: speed.DefaultThresholds(), SlowFrom: "both"}, source, writer, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProcessor(tt.config, tt.source, tt.writer, Sinks{})
			if tt.expectErr {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				if p != nil {
					t.Error("Expected nil processor on error")
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestProcessPeriod(t *testing.T) {
	writer := &fakeWriter{}
	lokiSink := &fakeLoki{}
	nats := &fakePublisher{}

	p, err := NewProcessor(ProcessorConfig{Thresholds: speed.DefaultThresholds(), Workers: 4},
		&fakeSource{snapshots: testSnapshots()}, writer, Sinks{Loki: lokiSink, NATS: nats})
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}

	report, err := p.ProcessPeriod(context.Background(), "2024-05-01")
	if err != nil {
		t.Fatalf("ProcessPeriod failed: %v", err)
	}

	if report.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", report.RunID)
	}
	if report.Snapshots != 3 || report.SnapshotFailures != 1 {
		t.Errorf("snapshots = %d (%d failed), want 3 (1 failed)", report.Snapshots, report.SnapshotFailures)
	}
	if report.Observations != 4 {
		t.Errorf("Observations = %d, want 4", report.Observations)
	}
	if report.Segments != 2 || report.Buckets != 2 {
		t.Errorf("segments/buckets = %d/%d, want 2/2", report.Segments, report.Buckets)
	}
	if report.SlowSegments != 1 {
		t.Errorf("SlowSegments = %d, want 1", report.SlowSegments)
	}

	if len(writer.runs) != 1 {
		t.Fatalf("runs written = %d, want 1", len(writer.runs))
	}
	run := writer.runs[0]
	if run.Candidates != nil {
		t.Error("segment table should not be written by default")
	}
	if len(run.Locations) != 4 {
		t.Errorf("locations = %d, want 4", len(run.Locations))
	}
	for _, b := range run.Aggregates {
		if b.Interval != "10:00-10:30" || b.Date != "2024-05-01" {
			t.Errorf("bucket key = %s %s, want 2024-05-01 10:00-10:30", b.Date, b.Interval)
		}
	}

	if len(run.SlowSegments) != 1 || run.SlowSegments[0].VehicleID != "100" {
		t.Fatalf("slow segments = %+v, want vehicle 100", run.SlowSegments)
	}
	if got := run.SlowSegments[0].SpeedMPS; got >= speed.DefaultSlowSpeedMPS {
		t.Errorf("slow speed = %v, want below threshold", got)
	}

	if len(lokiSink.aggregates) != 1 || len(lokiSink.slow) != 1 {
		t.Errorf("loki pushes = %d/%d, want 1/1", len(lokiSink.aggregates), len(lokiSink.slow))
	}
	if len(nats.published) != 1 {
		t.Errorf("nats events = %d, want 1", len(nats.published))
	}
}

func TestProcessPeriod_WritesSegmentTable(t *testing.T) {
	writer := &fakeWriter{}
	p, err := NewProcessor(ProcessorConfig{Thresholds: speed.DefaultThresholds(), WriteSegments: true},
		&fakeSource{snapshots: testSnapshots()}, writer, Sinks{})
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}

	if _, err := p.ProcessPeriod(context.Background(), "2024-05-01"); err != nil {
		t.Fatalf("ProcessPeriod failed: %v", err)
	}
	if got := len(writer.runs[0].Candidates); got != 2 {
		t.Errorf("candidates = %d, want 2", got)
	}
}

func TestProcessPeriod_SlowFromBuckets(t *testing.T) {
	writer := &fakeWriter{}
	p, err := NewProcessor(ProcessorConfig{Thresholds: speed.DefaultThresholds(), SlowFrom: SlowFromBuckets},
		&fakeSource{snapshots: testSnapshots()}, writer, Sinks{})
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}

	if _, err := p.ProcessPeriod(context.Background(), "2024-05-01"); err != nil {
		t.Fatalf("ProcessPeriod failed: %v", err)
	}
	slow := writer.runs[0].SlowSegments
	if len(slow) != 1 || slow[0].VehicleID != "100" {
		t.Errorf("slow buckets = %+v, want vehicle 100", slow)
	}
}

func TestProcessPeriod_LoadFailureAbortsBatch(t *testing.T) {
	writer := &fakeWriter{}
	p, err := NewProcessor(ProcessorConfig{Thresholds: speed.DefaultThresholds()},
		&fakeSource{err: errors.New("database locked")}, writer, Sinks{})
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}

	if _, err := p.ProcessPeriod(context.Background(), "2024-05-01"); err == nil {
		t.Fatal("Expected error, got nil")
	}
	if len(writer.runs) != 0 {
		t.Error("no run should be written after a load failure")
	}
}

func TestProcessPeriod_WriteFailureSkipsSinks(t *testing.T) {
	lokiSink := &fakeLoki{}
	p, err := NewProcessor(ProcessorConfig{Thresholds: speed.DefaultThresholds()},
		&fakeSource{snapshots: testSnapshots()}, &fakeWriter{err: errors.New("disk full")}, Sinks{Loki: lokiSink})
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}

	if _, err := p.ProcessPeriod(context.Background(), "2024-05-01"); err == nil {
		t.Fatal("Expected error, got nil")
	}
	if len(lokiSink.aggregates) != 0 {
		t.Error("sinks should not receive a run that was not stored")
	}
}

func TestProcessPeriod_SinkFailureIsNotFatal(t *testing.T) {
	p, err := NewProcessor(ProcessorConfig{Thresholds: speed.DefaultThresholds()},
		&fakeSource{snapshots: testSnapshots()}, &fakeWriter{},
		Sinks{Loki: &fakeLoki{err: errors.New("loki down")}, NATS: &fakePublisher{err: errors.New("nats down")}})
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}

	if _, err := p.ProcessPeriod(context.Background(), "2024-05-01"); err != nil {
		t.Errorf("sink failures should not fail the run: %v", err)
	}
}

func TestProcessPeriod_DryRun(t *testing.T) {
	p, err := NewProcessor(ProcessorConfig{Thresholds: speed.DefaultThresholds(), DryRun: true},
		&fakeSource{snapshots: testSnapshots()}, nil, Sinks{})
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}
	var buf bytes.Buffer
	p.out = &buf

	report, err := p.ProcessPeriod(context.Background(), "2024-05-01")
	if err != nil {
		t.Fatalf("ProcessPeriod failed: %v", err)
	}
	if report.RunID != "" {
		t.Errorf("RunID = %q, want empty in dry run", report.RunID)
	}

	output := buf.String()
	for _, want := range []string{"DRY RUN - period 2024-05-01", "Segments kept: 2 of 2", `"vehicle_id":"100"`, "END DRY RUN"} {
		if !strings.Contains(output, want) {
			t.Errorf("dry run output missing %q:\n%s", want, output)
		}
	}
}

func TestProcessPeriod_EmptyPeriod(t *testing.T) {
	writer := &fakeWriter{}
	p, err := NewProcessor(ProcessorConfig{Thresholds: speed.DefaultThresholds()},
		&fakeSource{}, writer, Sinks{NATS: &fakePublisher{err: errors.New("unused")}})
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}

	report, err := p.ProcessPeriod(context.Background(), "2024-05-01")
	if err != nil {
		t.Fatalf("ProcessPeriod failed: %v", err)
	}
	if report.Observations != 0 || report.Buckets != 0 {
		t.Errorf("report = %+v, want empty", report)
	}
	if len(writer.runs) != 1 {
		t.Errorf("runs written = %d, want 1 empty run", len(writer.runs))
	}
}

func TestProcessPeriod_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "speeds.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	defer st.Close()

	for _, snap := range testSnapshots() {
		snap.ID = ""
		if _, err := st.SaveSnapshot(ctx, snap); err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}
	}

	p, err := NewProcessor(ProcessorConfig{Thresholds: speed.DefaultThresholds(), WriteSegments: true}, st, st, Sinks{})
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}

	report, err := p.ProcessPeriod(ctx, "2024-05-01")
	if err != nil {
		t.Fatalf("ProcessPeriod failed: %v", err)
	}

	want := map[string]int{"aggregates": 2, "slow_segments": 1, "locations": 4, "segments": 2}
	for table, n := range want {
		got, err := st.CountRows(ctx, table, report.RunID)
		if err != nil {
			t.Fatalf("CountRows(%s) failed: %v", table, err)
		}
		if got != n {
			t.Errorf("%s rows = %d, want %d", table, got, n)
		}
	}
}

func TestProcessPeriod_NonFiniteCoordinateStaysWithItsVehicle(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "speeds.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	defer st.Close()

	polls := []string{
		`{"l":[{"c":"8000-10","cl":1234,"vs":[{"p":1,"ta":"2025-03-05T10:00:00Z","py":-23.5,"px":-46.6},{"p":2,"ta":"2025-03-05T10:00:00Z","py":-23.6,"px":-46.6}]}]}`,
		`{"l":[{"c":"8000-10","cl":1234,"vs":[{"p":1,"ta":"2025-03-05T10:01:00Z","py":"NaN","px":-46.6},{"p":2,"ta":"2025-03-05T10:01:00Z","py":-23.603,"px":-46.6}]}]}`,
		`{"l":[{"c":"8000-10","cl":1234,"vs":[{"p":1,"ta":"2025-03-05T10:02:00Z","py":-23.5003,"px":-46.6},{"p":2,"ta":"2025-03-05T10:02:00Z","py":-23.606,"px":-46.6}]}]}`,
	}
	base := time.Date(2025, 3, 5, 10, 0, 5, 0, time.UTC)
	for i, body := range polls {
		snap := types.RawSnapshot{Period: "2025-03-05", FetchedAt: base.Add(time.Duration(i) * time.Minute), Body: []byte(body)}
		if _, err := st.SaveSnapshot(ctx, snap); err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}
	}

	p, err := NewProcessor(ProcessorConfig{Thresholds: speed.DefaultThresholds(), WriteSegments: true}, st, st, Sinks{})
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}

	report, err := p.ProcessPeriod(ctx, "2025-03-05")
	if err != nil {
		t.Fatalf("ProcessPeriod failed: %v", err)
	}
	if report.Excluded[types.ExclusionMissingCoordinates] != 2 {
		t.Errorf("missing coordinate exclusions = %d, want 2", report.Excluded[types.ExclusionMissingCoordinates])
	}
	if report.Segments != 2 {
		t.Errorf("Segments = %d, want 2", report.Segments)
	}
	if report.SlowSegments != 0 {
		t.Errorf("SlowSegments = %d, want 0", report.SlowSegments)
	}

	// Vehicle 2 keeps its bucket
	got, err := st.CountRows(ctx, "aggregates", report.RunID)
	if err != nil {
		t.Fatalf("CountRows failed: %v", err)
	}
	if got != 1 {
		t.Errorf("aggregates rows = %d, want 1", got)
	}
}
