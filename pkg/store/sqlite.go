package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"olhovivo2speeds/pkg/otel"
	"olhovivo2speeds/pkg/types"

	"github.com/google/uuid"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// PeriodLayout is the UTC date format used to key collection periods.
const PeriodLayout = "2006-01-02"

// Store persists raw snapshots and processing runs in SQLite.
type Store struct {
	conn    *sql.DB
	writeMu sync.Mutex
	tracer  trace.Tracer
}

// RunOutput is everything one processing run writes.
type RunOutput struct {
	RunID         string
	Period        string
	ProcessedAt   time.Time
	Snapshots     int
	Observations  int
	ParseFailures int

	Aggregates   []types.AggregateBucket
	SlowSegments []types.SlowSegment
	Locations    []types.LocationRecord
	// Candidates is written only when non-nil
	Candidates []types.SegmentCandidate
}

// PeriodOf returns the collection period a fetch time belongs to.
func PeriodOf(t time.Time) string {
	return t.UTC().Format(PeriodLayout)
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	slog.Debug("SQLite store opened", "path", path)
	return &Store{
		conn:   conn,
		tracer: otelapi.Tracer("sqlite-store"),
	}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// SaveSnapshot stores one raw poll. An empty ID is replaced by a new uuid and
// an empty Period is derived from FetchedAt. The stored record is returned.
func (s *Store) SaveSnapshot(ctx context.Context, snap types.RawSnapshot) (types.RawSnapshot, error) {
	ctx, span := s.tracer.Start(ctx, "store.save_snapshot",
		trace.WithAttributes(attribute.Int("body_size_bytes", len(snap.Body))),
	)
	defer span.End()

	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	snap.FetchedAt = snap.FetchedAt.UTC()
	if snap.Period == "" {
		snap.Period = PeriodOf(snap.FetchedAt)
	}
	span.SetAttributes(
		attribute.String("snapshot_id", snap.ID),
		attribute.String("period", snap.Period),
	)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.conn.ExecContext(ctx,
		"INSERT INTO raw_snapshots (snapshot_id, period, fetched_at_utc, body) VALUES (?, ?, ?, ?)",
		snap.ID, snap.Period, snap.FetchedAt.Format(time.RFC3339Nano), snap.Body,
	)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeStorage, false)
		return types.RawSnapshot{}, fmt.Errorf("failed to save snapshot: %w", err)
	}

	otel.SetSpanOk(span)
	return snap, nil
}

// LoadSnapshots returns every snapshot of period ordered by fetch time.
func (s *Store) LoadSnapshots(ctx context.Context, period string) ([]types.RawSnapshot, error) {
	ctx, span := s.tracer.Start(ctx, "store.load_snapshots",
		trace.WithAttributes(attribute.String("period", period)),
	)
	defer span.End()

	rows, err := s.conn.QueryContext(ctx,
		"SELECT snapshot_id, period, fetched_at_utc, body FROM raw_snapshots WHERE period = ? ORDER BY fetched_at_utc, snapshot_id",
		period,
	)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeStorage, true)
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []types.RawSnapshot
	for rows.Next() {
		var snap types.RawSnapshot
		var fetchedAt string
		if err := rows.Scan(&snap.ID, &snap.Period, &fetchedAt, &snap.Body); err != nil {
			otel.RecordError(span, err, otel.ErrorTypeStorage, false)
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.FetchedAt, err = time.Parse(time.RFC3339Nano, fetchedAt)
		if err != nil {
			otel.RecordError(span, err, otel.ErrorTypeParse, false)
			return nil, fmt.Errorf("snapshot %s has bad fetch time %q: %w", snap.ID, fetchedAt, err)
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		otel.RecordError(span, err, otel.ErrorTypeStorage, true)
		return nil, fmt.Errorf("failed to read snapshots: %w", err)
	}

	span.SetAttributes(attribute.Int("snapshots_count", len(snapshots)))
	otel.SetSpanOk(span)
	return snapshots, nil
}

// WriteRun persists a processing run in a single transaction.
func (s *Store) WriteRun(ctx context.Context, out RunOutput) (string, error) {
	ctx, span := s.tracer.Start(ctx, "store.write_run",
		trace.WithAttributes(
			attribute.String("period", out.Period),
			attribute.Int("aggregates_count", len(out.Aggregates)),
			attribute.Int("slow_segments_count", len(out.SlowSegments)),
			attribute.Int("locations_count", len(out.Locations)),
			attribute.Int("candidates_count", len(out.Candidates)),
		),
	)
	defer span.End()

	if out.RunID == "" {
		out.RunID = uuid.New().String()
	}
	if out.ProcessedAt.IsZero() {
		out.ProcessedAt = time.Now()
	}
	span.SetAttributes(attribute.String("run_id", out.RunID))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeStorage, true)
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := writeRun(ctx, tx, out); err != nil {
		otel.RecordError(span, err, otel.ErrorTypeStorage, false)
		return "", err
	}

	if err := tx.Commit(); err != nil {
		otel.RecordError(span, err, otel.ErrorTypeStorage, true)
		return "", fmt.Errorf("failed to commit run: %w", err)
	}

	otel.SetSpanOk(span)
	return out.RunID, nil
}

func writeRun(ctx context.Context, tx *sql.Tx, out RunOutput) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, period, processed_at_utc, snapshots, observations, parse_failures, segments)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		out.RunID, out.Period, out.ProcessedAt.UTC().Format(time.RFC3339),
		out.Snapshots, out.Observations, out.ParseFailures, len(out.Candidates),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	aggStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO aggregates (
			run_id, date, interval, line_sign, route_code, route_direction,
			route_destination, route_origin, vehicle_id, accessible,
			mean_longitude, mean_latitude, total_distance_meters,
			total_elapsed_seconds, speed_mps, segments
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare aggregates statement: %w", err)
	}
	defer aggStmt.Close()

	for _, b := range out.Aggregates {
		var accessible sql.NullBool
		if b.Accessible != nil {
			accessible = sql.NullBool{Bool: *b.Accessible, Valid: true}
		}
		_, err := aggStmt.ExecContext(ctx,
			out.RunID, b.Date, b.Interval, b.LineSign, b.RouteCode, b.RouteDirection,
			b.RouteDestination, b.RouteOrigin, b.VehicleID, accessible,
			b.MeanLongitude, b.MeanLatitude, b.TotalDistanceMeters,
			b.TotalElapsedSeconds, b.SpeedMPS, b.Segments,
		)
		if err != nil {
			return fmt.Errorf("failed to insert aggregate: %w", err)
		}
	}

	slowStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO slow_segments (
			run_id, date, interval, line_sign, route_code, route_direction,
			route_destination, route_origin, vehicle_id, latitude, longitude,
			speed_mps, elapsed_seconds, distance_meters
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare slow segments statement: %w", err)
	}
	defer slowStmt.Close()

	for _, s := range out.SlowSegments {
		_, err := slowStmt.ExecContext(ctx,
			out.RunID, s.Date, s.Interval, s.LineSign, s.RouteCode, s.RouteDirection,
			s.RouteDestination, s.RouteOrigin, s.VehicleID, s.Latitude, s.Longitude,
			s.SpeedMPS, s.ElapsedSeconds, s.DistanceMeters,
		)
		if err != nil {
			return fmt.Errorf("failed to insert slow segment: %w", err)
		}
	}

	locStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO locations (
			run_id, line_sign, route_code, route_direction, route_destination,
			route_origin, vehicle_id, accessible, observed_at_utc, latitude, longitude
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare locations statement: %w", err)
	}
	defer locStmt.Close()

	for _, l := range out.Locations {
		_, err := locStmt.ExecContext(ctx,
			out.RunID, l.LineSign, l.RouteCode, l.RouteDirection, l.RouteDestination,
			l.RouteOrigin, l.VehicleID, l.Accessible, l.ObservedAt.UTC().Format(time.RFC3339),
			nullFloat(l.Latitude), nullFloat(l.Longitude),
		)
		if err != nil {
			return fmt.Errorf("failed to insert location: %w", err)
		}
	}

	if out.Candidates == nil {
		return nil
	}

	segStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO segments (
			run_id, line_sign, route_code, vehicle_id, previous_at_utc,
			current_at_utc, elapsed_seconds, distance_meters, speed_mps, exclusion
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare segments statement: %w", err)
	}
	defer segStmt.Close()

	for _, c := range out.Candidates {
		exclusion := string(c.Exclusion)
		if exclusion == "" {
			exclusion = "none"
		}
		_, err := segStmt.ExecContext(ctx,
			out.RunID, c.Current.LineSign, c.Current.RouteCode, c.Current.VehicleID,
			c.Previous.ObservedAt.UTC().Format(time.RFC3339),
			c.Current.ObservedAt.UTC().Format(time.RFC3339),
			c.ElapsedSeconds, nullFloat(c.DistanceMeters), nullFloat(c.SpeedMPS), exclusion,
		)
		if err != nil {
			return fmt.Errorf("failed to insert segment: %w", err)
		}
	}

	return nil
}

// CountRows returns the number of rows table holds for runID.
func (s *Store) CountRows(ctx context.Context, table, runID string) (int, error) {
	switch table {
	case "aggregates", "slow_segments", "locations", "segments":
	default:
		return 0, fmt.Errorf("unknown output table %q", table)
	}

	var n int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+table+" WHERE run_id = ?", runID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
