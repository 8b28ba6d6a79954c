package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"olhovivo2speeds/pkg/metrics"
	"olhovivo2speeds/pkg/otel"
	"olhovivo2speeds/pkg/types"

	"github.com/nats-io/nats.go"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// SubjectPrefix is the first token of every congestion subject.
const SubjectPrefix = "congestion"

type conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher emits congestion events for slow segments.
type NATSPublisher struct {
	nc     *nats.Conn
	conn   conn
	tracer trace.Tracer
}

// CongestionEvent is the message body published for each slow segment.
type CongestionEvent struct {
	Period string `json:"period"`
	types.SlowSegment
	PublishedAt time.Time `json:"published_at"`
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("olhovivo2speeds"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Debug("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newPublisher(nc, nc), nil
}

func newPublisher(nc *nats.Conn, c conn) *NATSPublisher {
	return &NATSPublisher{
		nc:     nc,
		conn:   c,
		tracer: otelapi.Tracer("nats-publisher"),
	}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// PublishSlowSegments publishes every segment and returns the first error
// after attempting all of them.
func (p *NATSPublisher) PublishSlowSegments(ctx context.Context, period string, segments []types.SlowSegment) error {
	ctx, span := p.tracer.Start(ctx, "nats.publish_slow_segments",
		trace.WithAttributes(
			attribute.String("period", period),
			attribute.Int("segments_count", len(segments)),
		),
	)
	defer span.End()

	var firstErr error
	failed := 0
	now := time.Now().UTC()
	for _, seg := range segments {
		if err := p.publish(ctx, period, seg, now); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	span.SetAttributes(attribute.Int("failed_count", failed))
	if firstErr != nil {
		otel.RecordError(span, firstErr, otel.ErrorTypeNetwork, true)
		return fmt.Errorf("%d of %d congestion events failed: %w", failed, len(segments), firstErr)
	}
	otel.SetSpanOk(span)
	return nil
}

func (p *NATSPublisher) publish(ctx context.Context, period string, seg types.SlowSegment, now time.Time) error {
	b, err := json.Marshal(CongestionEvent{Period: period, SlowSegment: seg, PublishedAt: now})
	if err != nil {
		return err
	}

	start := time.Now()
	err = p.conn.Publish(Subject(seg.LineSign, seg.VehicleID), b)

	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("sink", "nats"),
		attribute.String("status", status),
	)
	metrics.SinkWritesTotal.Add(ctx, 1, attrs)
	metrics.SinkWriteDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	return err
}

// Subject returns the congestion subject for one line and vehicle.
func Subject(lineSign, vehicleID string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, subjectToken(lineSign), subjectToken(vehicleID))
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
