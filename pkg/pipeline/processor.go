package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"olhovivo2speeds/pkg/metrics"
	"olhovivo2speeds/pkg/otel"
	"olhovivo2speeds/pkg/parser"
	"olhovivo2speeds/pkg/speed"
	"olhovivo2speeds/pkg/store"
	"olhovivo2speeds/pkg/types"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Slow segment sources.
const (
	SlowFromSegments = "segments"
	SlowFromBuckets  = "buckets"
)

// SnapshotSource reads the raw snapshots of one collection period.
type SnapshotSource interface {
	LoadSnapshots(ctx context.Context, period string) ([]types.RawSnapshot, error)
}

// RunWriter persists the outputs of one processing run atomically.
type RunWriter interface {
	WriteRun(ctx context.Context, out store.RunOutput) (string, error)
}

// AggregateSink receives the aggregate and slow segment tables.
type AggregateSink interface {
	SendAggregates(ctx context.Context, period string, buckets []types.AggregateBucket) error
	SendSlowSegments(ctx context.Context, period string, segments []types.SlowSegment) error
}

// CongestionPublisher receives slow segments as events.
type CongestionPublisher interface {
	PublishSlowSegments(ctx context.Context, period string, segments []types.SlowSegment) error
}

// Sinks are the optional outputs fed after the run is stored.
type Sinks struct {
	Loki AggregateSink
	NATS CongestionPublisher
}

type ProcessorConfig struct {
	DryRun     bool
	Thresholds speed.Thresholds
	// Workers bounds the per-vehicle fan-out of the segment calculation
	Workers int
	// WriteSegments stores every segment candidate with its exclusion reason
	WriteSegments bool
	// SlowFrom selects whether slow segments come from segments or buckets
	SlowFrom string
}

// Report summarises one processing run.
type Report struct {
	RunID            string
	Period           string
	Snapshots        int
	SnapshotFailures int
	Observations     int
	ParseFailures    int
	Candidates       int
	Segments         int
	Excluded         map[types.Exclusion]int
	Buckets          int
	SlowSegments     int
	Locations        int
	Duration         time.Duration
}

// Processor turns the stored snapshots of a period into speed tables.
type Processor struct {
	config     ProcessorConfig
	source     SnapshotSource
	writer     RunWriter
	sinks      Sinks
	parser     *parser.SnapshotParser
	calculator *speed.Calculator
	aggregator *speed.Aggregator
	classifier *speed.Classifier
	tracer     trace.Tracer
	out        io.Writer
}

func NewProcessor(config ProcessorConfig, source SnapshotSource, writer RunWriter, sinks Sinks) (*Processor, error) {
	if err := config.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}
	if source == nil {
		return nil, fmt.Errorf("snapshot source is required")
	}
	if writer == nil && !config.DryRun {
		return nil, fmt.Errorf("run writer is required unless in dry run mode")
	}
	switch config.SlowFrom {
	case "":
		config.SlowFrom = SlowFromSegments
	case SlowFromSegments, SlowFromBuckets:
	default:
		return nil, fmt.Errorf("unknown slow segment source %q", config.SlowFrom)
	}

	return &Processor{
		config:     config,
		source:     source,
		writer:     writer,
		sinks:      sinks,
		parser:     parser.NewSnapshotParser(),
		calculator: speed.NewCalculator(config.Thresholds, config.Workers),
		aggregator: speed.NewAggregator(config.Thresholds),
		classifier: speed.NewClassifier(config.Thresholds),
		tracer:     otelapi.Tracer("processor"),
		out:        os.Stdout,
	}, nil
}

// ProcessPeriod runs the whole batch for one collection period. Only a
// failure to read the snapshots, a cancelled context or a failed store write
// fails the run; bad snapshots and bad vehicle reports are skipped.
func (p *Processor) ProcessPeriod(ctx context.Context, period string) (*Report, error) {
	ctx, span := p.tracer.Start(ctx, "processor.process_period",
		trace.WithAttributes(
			attribute.String("period", period),
			attribute.Bool("dry_run", p.config.DryRun),
		),
	)
	defer span.End()

	start := time.Now()
	report, err := p.process(ctx, period)
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		otel.RecordError(span, err, otel.ErrorTypeStorage, false)
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	metrics.BatchRunsTotal.Add(ctx, 1, attrs)
	metrics.BatchDuration.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		return nil, err
	}

	report.Duration = time.Since(start)
	metrics.RecordLastSuccessTimestamp()
	span.SetAttributes(
		attribute.Int("observations_count", report.Observations),
		attribute.Int("segments_count", report.Segments),
		attribute.Int("buckets_count", report.Buckets),
		attribute.Int("slow_segments_count", report.SlowSegments),
	)
	otel.SetSpanOk(span)

	slog.Info("Processed period",
		"period", period,
		"run_id", report.RunID,
		"snapshots", report.Snapshots,
		"observations", report.Observations,
		"segments", report.Segments,
		"buckets", report.Buckets,
		"slow_segments", report.SlowSegments,
		"duration", report.Duration,
	)
	return report, nil
}

func (p *Processor) process(ctx context.Context, period string) (*Report, error) {
	stageStart := time.Now()
	snapshots, err := p.source.LoadSnapshots(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots for %s: %w", period, err)
	}
	recordStage(ctx, "load", stageStart)

	report := &Report{Period: period, Snapshots: len(snapshots)}

	stageStart = time.Now()
	observations := p.normalize(ctx, snapshots, report)
	recordStage(ctx, "normalize", stageStart)

	stageStart = time.Now()
	sequences := speed.Sequence(observations)
	result, err := p.calculator.Calculate(ctx, sequences)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate segments: %w", err)
	}
	recordStage(ctx, "calculate", stageStart)

	report.Candidates = len(result.Candidates)
	report.Segments = len(result.Segments)
	report.Excluded = result.Excluded
	metrics.SegmentsEvaluated.Add(ctx, int64(len(result.Segments)),
		metric.WithAttributes(attribute.String("exclusion", "none")))
	for exclusion, n := range result.Excluded {
		metrics.SegmentsEvaluated.Add(ctx, int64(n),
			metric.WithAttributes(attribute.String("exclusion", string(exclusion))))
	}

	stageStart = time.Now()
	buckets := p.aggregator.Aggregate(result.Segments)
	recordStage(ctx, "aggregate", stageStart)

	stageStart = time.Now()
	var slow []types.SlowSegment
	if p.config.SlowFrom == SlowFromBuckets {
		slow = p.classifier.SlowBuckets(buckets)
	} else {
		slow = p.classifier.SlowSegments(result.Segments)
	}
	locations := p.classifier.Locations(observations)
	recordStage(ctx, "classify", stageStart)

	report.Buckets = len(buckets)
	report.SlowSegments = len(slow)
	report.Locations = len(locations)
	metrics.BucketsProduced.Add(ctx, int64(len(buckets)))
	metrics.SlowSegmentsDetected.Add(ctx, int64(len(slow)))

	out := store.RunOutput{
		Period:        period,
		ProcessedAt:   time.Now(),
		Snapshots:     report.Snapshots,
		Observations:  report.Observations,
		ParseFailures: report.ParseFailures,
		Aggregates:    buckets,
		SlowSegments:  slow,
		Locations:     locations,
	}
	if p.config.WriteSegments {
		out.Candidates = result.Candidates
		if out.Candidates == nil {
			out.Candidates = []types.SegmentCandidate{}
		}
	}

	if p.config.DryRun {
		if err := p.printDryRun(report, out); err != nil {
			return nil, err
		}
		return report, nil
	}

	stageStart = time.Now()
	runID, err := p.writer.WriteRun(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("failed to write run for %s: %w", period, err)
	}
	recordStage(ctx, "write", stageStart)
	report.RunID = runID

	p.emit(ctx, period, buckets, slow)
	return report, nil
}

// normalize flattens every snapshot, skipping those that cannot be decoded.
func (p *Processor) normalize(ctx context.Context, snapshots []types.RawSnapshot, report *Report) []types.Observation {
	var observations []types.Observation
	for _, snap := range snapshots {
		res, err := p.parser.Normalize(ctx, snap)
		if err != nil {
			slog.Warn("Skipping snapshot", "snapshot_id", snap.ID, "error", err)
			report.SnapshotFailures++
			metrics.ParseFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "snapshot")))
			continue
		}
		observations = append(observations, res.Observations...)
		report.ParseFailures += len(res.Failures)
		if len(res.Failures) > 0 {
			metrics.ParseFailures.Add(ctx, int64(len(res.Failures)),
				metric.WithAttributes(attribute.String("kind", "vehicle")))
		}
	}

	report.Observations = len(observations)
	metrics.ObservationsNormalized.Add(ctx, int64(len(observations)))
	return observations
}

// emit feeds the optional sinks. Their failures do not fail the run, which
// is already stored.
func (p *Processor) emit(ctx context.Context, period string, buckets []types.AggregateBucket, slow []types.SlowSegment) {
	if p.sinks.Loki != nil {
		sinkCall(ctx, "loki_aggregates", func() error {
			return p.sinks.Loki.SendAggregates(ctx, period, buckets)
		})
		sinkCall(ctx, "loki_slow_segments", func() error {
			return p.sinks.Loki.SendSlowSegments(ctx, period, slow)
		})
	}
	if p.sinks.NATS != nil && len(slow) > 0 {
		if err := p.sinks.NATS.PublishSlowSegments(ctx, period, slow); err != nil {
			slog.Error("Failed to publish congestion events", "period", period, "error", err)
		}
	}
}

func sinkCall(ctx context.Context, sink string, send func() error) {
	start := time.Now()
	err := send()

	status := "ok"
	if err != nil {
		status = "error"
		slog.Error("Sink delivery failed", "sink", sink, "error", err)
	}
	attrs := metric.WithAttributes(
		attribute.String("sink", sink),
		attribute.String("status", status),
	)
	metrics.SinkWritesTotal.Add(ctx, 1, attrs)
	metrics.SinkWriteDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}

func (p *Processor) printDryRun(report *Report, out store.RunOutput) error {
	fmt.Fprintf(p.out, "\n=== DRY RUN - period %s ===\n", report.Period)
	fmt.Fprintf(p.out, "Snapshots: %d (%d unreadable)\n", report.Snapshots, report.SnapshotFailures)
	fmt.Fprintf(p.out, "Observations: %d (%d vehicle reports skipped)\n", report.Observations, report.ParseFailures)
	fmt.Fprintf(p.out, "Segments kept: %d of %d\n", report.Segments, report.Candidates)
	for _, exclusion := range []types.Exclusion{
		types.ExclusionNonPositiveElapsed,
		types.ExclusionGap,
		types.ExclusionMissingCoordinates,
		types.ExclusionImplausibleSpeed,
	} {
		if n := report.Excluded[exclusion]; n > 0 {
			fmt.Fprintf(p.out, "  excluded %s: %d\n", exclusion, n)
		}
	}
	fmt.Fprintf(p.out, "Buckets: %d, slow segments: %d, locations: %d\n",
		report.Buckets, report.SlowSegments, report.Locations)

	if len(out.Aggregates) > 0 {
		fmt.Fprintln(p.out, "\nAggregates:")
		for _, b := range out.Aggregates {
			line, err := json.Marshal(b)
			if err != nil {
				return fmt.Errorf("failed to marshal bucket for dry run: %w", err)
			}
			fmt.Fprintln(p.out, string(line))
		}
	}
	if len(out.SlowSegments) > 0 {
		fmt.Fprintln(p.out, "\nSlow segments:")
		for _, s := range out.SlowSegments {
			line, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("failed to marshal slow segment for dry run: %w", err)
			}
			fmt.Fprintln(p.out, string(line))
		}
	}

	fmt.Fprintln(p.out, "=== END DRY RUN ===")
	return nil
}

func recordStage(ctx context.Context, stage string, start time.Time) {
	metrics.StageDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)))
}
