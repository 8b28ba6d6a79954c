package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"olhovivo2speeds/pkg/metrics"
	"olhovivo2speeds/pkg/olhovivo"
	"olhovivo2speeds/pkg/otel"
	"olhovivo2speeds/pkg/store"
	"olhovivo2speeds/pkg/types"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Fetcher polls the upstream positions endpoint.
type Fetcher interface {
	FetchPositions(ctx context.Context) (*olhovivo.Snapshot, error)
}

// SnapshotSaver stores raw polls.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, snap types.RawSnapshot) (types.RawSnapshot, error)
}

// CollectorConfig configures the polling loop.
type CollectorConfig struct {
	DryRun   bool
	Interval time.Duration
}

// Collector polls the positions endpoint on a fixed interval and stores
// every raw snapshot for later batch processing.
type Collector struct {
	config  CollectorConfig
	fetcher Fetcher
	saver   SnapshotSaver
	tracer  trace.Tracer
	out     io.Writer
}

func NewCollector(config CollectorConfig, fetcher Fetcher, saver SnapshotSaver) (*Collector, error) {
	if config.Interval <= 0 {
		return nil, fmt.Errorf("polling interval must be positive")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if saver == nil && !config.DryRun {
		return nil, fmt.Errorf("snapshot store is required unless in dry run mode")
	}

	return &Collector{
		config:  config,
		fetcher: fetcher,
		saver:   saver,
		tracer:  otelapi.Tracer("collector"),
		out:     os.Stdout,
	}, nil
}

func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	slog.Info("Collector started", "interval", c.config.Interval, "dry_run", c.config.DryRun)

	// Collect immediately on start
	if _, err := c.CollectOnce(ctx); err != nil {
		slog.Error("Error in initial collection", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("Collector stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.CollectOnce(ctx); err != nil {
				slog.Error("Error collecting snapshot", "error", err)
			}
		}
	}
}

// CollectOnce fetches one snapshot and stores it.
func (c *Collector) CollectOnce(ctx context.Context) (types.RawSnapshot, error) {
	ctx, span := c.tracer.Start(ctx, "collector.collect_once",
		trace.WithAttributes(attribute.Bool("dry_run", c.config.DryRun)),
	)
	defer span.End()

	fetched, err := c.fetcher.FetchPositions(ctx)
	if err != nil {
		errType := otel.ErrorTypeNetwork
		if errors.Is(err, olhovivo.ErrUnauthorized) {
			errType = otel.ErrorTypeAuth
		}
		otel.RecordError(span, err, errType, true)
		return types.RawSnapshot{}, fmt.Errorf("failed to fetch positions: %w", err)
	}

	snap := types.RawSnapshot{
		Period:    store.PeriodOf(fetched.FetchedAt),
		FetchedAt: fetched.FetchedAt,
		Body:      fetched.Body,
	}
	span.SetAttributes(
		attribute.String("period", snap.Period),
		attribute.Int("body_size_bytes", len(snap.Body)),
	)

	if c.config.DryRun {
		fmt.Fprintf(c.out, "=== DRY RUN - snapshot fetched at %s (period %s, %d bytes) ===\n",
			snap.FetchedAt.Format(time.RFC3339), snap.Period, len(snap.Body))
		otel.SetSpanOk(span)
		return snap, nil
	}

	saved, err := c.saver.SaveSnapshot(ctx, snap)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeStorage, false)
		return types.RawSnapshot{}, fmt.Errorf("failed to store snapshot: %w", err)
	}

	metrics.SnapshotsStored.Add(ctx, 1)
	metrics.SnapshotSize.Record(ctx, int64(len(saved.Body)))

	slog.Info("Stored snapshot",
		"snapshot_id", saved.ID,
		"period", saved.Period,
		"size_bytes", len(saved.Body),
	)

	span.SetAttributes(attribute.String("snapshot_id", saved.ID))
	otel.SetSpanOk(span)
	return saved, nil
}
