package metrics

import (
	"go.opentelemetry.io/otel/metric"
)

// Collection Metrics
var (
	// OlhoVivoRequestsTotal counts upstream API requests by endpoint and status
	OlhoVivoRequestsTotal metric.Int64Counter

	// OlhoVivoRequestDuration measures upstream API request duration
	OlhoVivoRequestDuration metric.Float64Histogram

	// SnapshotsStored counts raw snapshots persisted
	SnapshotsStored metric.Int64Counter

	// SnapshotSize measures the size of stored raw snapshots
	SnapshotSize metric.Int64Histogram
)

// Batch Metrics
var (
	// BatchRunsTotal counts processing runs by outcome
	BatchRunsTotal metric.Int64Counter

	// BatchDuration measures the duration of one processing run
	BatchDuration metric.Float64Histogram

	// StageDuration measures duration per processing stage
	StageDuration metric.Float64Histogram

	// ObservationsNormalized counts observations produced by the normalizer
	ObservationsNormalized metric.Int64Counter

	// ParseFailures counts vehicle reports or snapshots that failed to parse
	ParseFailures metric.Int64Counter

	// SegmentsEvaluated counts segment candidates by exclusion reason
	SegmentsEvaluated metric.Int64Counter

	// BucketsProduced counts aggregate buckets
	BucketsProduced metric.Int64Counter

	// SlowSegmentsDetected counts congestion evidence records
	SlowSegmentsDetected metric.Int64Counter
)

// Sink Metrics
var (
	// SinkWritesTotal counts sink deliveries by sink and status
	SinkWritesTotal metric.Int64Counter

	// SinkWriteDuration measures sink delivery duration
	SinkWriteDuration metric.Float64Histogram
)

// initializeInstruments creates all metric instruments from Meter
func initializeInstruments() error {
	var err error

	OlhoVivoRequestsTotal, err = Meter.Int64Counter(
		"olhovivo.api.requests.total",
		metric.WithDescription("Total Olho Vivo API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	OlhoVivoRequestDuration, err = Meter.Float64Histogram(
		"olhovivo.api.request.duration",
		metric.WithDescription("Duration of Olho Vivo API requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return err
	}

	SnapshotsStored, err = Meter.Int64Counter(
		"collector.snapshots.stored",
		metric.WithDescription("Raw snapshots persisted"),
		metric.WithUnit("{snapshot}"),
	)
	if err != nil {
		return err
	}

	SnapshotSize, err = Meter.Int64Histogram(
		"collector.snapshot.size",
		metric.WithDescription("Size of raw snapshots"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(10240, 102400, 1048576, 5242880, 10485760), // 10KB to 10MB
	)
	if err != nil {
		return err
	}

	BatchRunsTotal, err = Meter.Int64Counter(
		"batch.runs.total",
		metric.WithDescription("Processing runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	BatchDuration, err = Meter.Float64Histogram(
		"batch.duration",
		metric.WithDescription("Duration of processing runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return err
	}

	StageDuration, err = Meter.Float64Histogram(
		"batch.stage.duration",
		metric.WithDescription("Duration per processing stage"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return err
	}

	ObservationsNormalized, err = Meter.Int64Counter(
		"normalizer.observations",
		metric.WithDescription("Observations produced by the normalizer"),
		metric.WithUnit("{observation}"),
	)
	if err != nil {
		return err
	}

	ParseFailures, err = Meter.Int64Counter(
		"normalizer.failures",
		metric.WithDescription("Records that failed to parse"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	SegmentsEvaluated, err = Meter.Int64Counter(
		"calculator.segments",
		metric.WithDescription("Segment candidates by exclusion reason"),
		metric.WithUnit("{segment}"),
	)
	if err != nil {
		return err
	}

	BucketsProduced, err = Meter.Int64Counter(
		"aggregator.buckets",
		metric.WithDescription("Aggregate buckets produced"),
		metric.WithUnit("{bucket}"),
	)
	if err != nil {
		return err
	}

	SlowSegmentsDetected, err = Meter.Int64Counter(
		"classifier.slow_segments",
		metric.WithDescription("Slow segments detected"),
		metric.WithUnit("{segment}"),
	)
	if err != nil {
		return err
	}

	SinkWritesTotal, err = Meter.Int64Counter(
		"sink.writes.total",
		metric.WithDescription("Sink deliveries by sink and status"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return err
	}

	SinkWriteDuration, err = Meter.Float64Histogram(
		"sink.write.duration",
		metric.WithDescription("Duration of sink deliveries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	return err
}
