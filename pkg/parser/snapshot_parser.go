package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"olhovivo2speeds/pkg/otel"
	"olhovivo2speeds/pkg/types"

	"github.com/clbanning/mxj/v2"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TimestampLayout is the layout of the per-vehicle "ta" field.
const TimestampLayout = "2006-01-02T15:04:05Z"

// SnapshotParser flattens Olho Vivo position snapshots into observations.
type SnapshotParser struct {
	tracer trace.Tracer
}

// ParseFailure describes one vehicle report that could not be normalized.
type ParseFailure struct {
	SnapshotID string
	LineSign   string
	VehicleID  string
	Reason     string
}

// Result is the outcome of normalizing one snapshot.
type Result struct {
	SnapshotID   string
	Observations []types.Observation
	Failures     []ParseFailure
}

func NewSnapshotParser() *SnapshotParser {
	return &SnapshotParser{
		tracer: otelapi.Tracer("snapshot-parser"),
	}
}

// Normalize emits one observation per vehicle report in the snapshot. Reports
// that fail to parse are logged and returned as failures; only a body that is
// not a JSON object fails the whole snapshot.
func (p *SnapshotParser) Normalize(ctx context.Context, snap types.RawSnapshot) (*Result, error) {
	_, span := p.tracer.Start(ctx, "snapshot_parser.normalize",
		trace.WithAttributes(
			attribute.String("snapshot_id", snap.ID),
			attribute.Int("json_size_bytes", len(snap.Body)),
		),
	)
	defer span.End()

	doc, err := mxj.NewMapJson(snap.Body)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeParse, false)
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", snap.ID, err)
	}

	result := &Result{SnapshotID: snap.ID}
	for _, line := range asList(doc["l"]) {
		lineMap, ok := line.(map[string]interface{})
		if !ok {
			continue
		}

		route := types.Route{
			LineSign:         stringValue(lineMap["c"]),
			RouteCode:        stringValue(lineMap["cl"]),
			RouteDirection:   stringValue(lineMap["sl"]),
			RouteDestination: stringValue(lineMap["lt0"]),
			RouteOrigin:      stringValue(lineMap["lt1"]),
		}

		for _, vehicle := range asList(lineMap["vs"]) {
			vehicleMap, ok := vehicle.(map[string]interface{})
			if !ok {
				continue
			}

			obs, err := parseVehicle(route, vehicleMap)
			if err != nil {
				failure := ParseFailure{
					SnapshotID: snap.ID,
					LineSign:   route.LineSign,
					VehicleID:  stringValue(vehicleMap["p"]),
					Reason:     err.Error(),
				}
				slog.Warn("Skipping vehicle report",
					"snapshot_id", failure.SnapshotID,
					"line_sign", failure.LineSign,
					"vehicle_id", failure.VehicleID,
					"error", err,
				)
				result.Failures = append(result.Failures, failure)
				continue
			}
			obs.SnapshotID = snap.ID
			result.Observations = append(result.Observations, obs)
		}
	}

	span.SetAttributes(
		attribute.Int("observations_count", len(result.Observations)),
		attribute.Int("failures_count", len(result.Failures)),
	)
	otel.SetSpanOk(span)

	return result, nil
}

func parseVehicle(route types.Route, vehicle map[string]interface{}) (types.Observation, error) {
	vehicleID := stringValue(vehicle["p"])
	if vehicleID == "" {
		return types.Observation{}, fmt.Errorf("missing vehicle id")
	}

	rawTime := stringValue(vehicle["ta"])
	observedAt, err := time.Parse(TimestampLayout, rawTime)
	if err != nil {
		return types.Observation{}, fmt.Errorf("invalid timestamp %q: %w", rawTime, err)
	}

	return types.Observation{
		LineSign:         route.LineSign,
		RouteCode:        route.RouteCode,
		RouteDirection:   route.RouteDirection,
		RouteDestination: route.RouteDestination,
		RouteOrigin:      route.RouteOrigin,
		VehicleID:        vehicleID,
		Accessible:       boolValue(vehicle["a"]),
		ObservedAt:       observedAt,
		Latitude:         coordinate(vehicle["py"], 90),
		Longitude:        coordinate(vehicle["px"], 180),
	}, nil
}

// asList accepts either a JSON array or a single object.
func asList(v interface{}) []interface{} {
	switch val := v.(type) {
	case []interface{}:
		return val
	case map[string]interface{}:
		return []interface{}{val}
	default:
		return nil
	}
}

// stringValue renders identifiers that the API sends as numbers or strings.
func stringValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// coordinate is floatValue restricted to [-limit, limit]. A position outside
// the globe is treated as absent.
func coordinate(v interface{}, limit float64) *float64 {
	f := floatValue(v)
	if f == nil || math.Abs(*f) > limit {
		return nil
	}
	return f
}

// floatValue returns nil for absent, null, non-numeric or non-finite values.
func floatValue(v interface{}) *float64 {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func boolValue(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		return err == nil && b
	default:
		return false
	}
}
