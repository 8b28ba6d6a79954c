package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"olhovivo2speeds/pkg/otel"
	"olhovivo2speeds/pkg/types"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	TableAggregates   = "aggregates"
	TableSlowSegments = "slow_segments"

	jobLabel  = "olhovivo2speeds"
	userAgent = "olhovivo2speeds/1.0.0"

	// DefaultBatchSize caps the log lines sent in one push request.
	DefaultBatchSize = 1000
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	tracer     trace.Tracer
	now        func() time.Time
	batchSize  int
}

type PushRequest struct {
	Streams []Stream `json:"streams"`
}

type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

func NewClient(baseURL, username, password string) *Client {
	// Create HTTP client with OpenTelemetry instrumentation
	client := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   30 * time.Second,
	}

	return &Client{
		httpClient: client,
		baseURL:    baseURL,
		username:   username,
		password:   password,
		tracer:     otelapi.Tracer("loki-client"),
		now:        time.Now,
		batchSize:  DefaultBatchSize,
	}
}

// SendAggregates pushes one log line per aggregate bucket.
func (c *Client) SendAggregates(ctx context.Context, period string, buckets []types.AggregateBucket) error {
	return sendTable(ctx, c, TableAggregates, period, buckets)
}

// SendSlowSegments pushes one log line per slow segment.
func (c *Client) SendSlowSegments(ctx context.Context, period string, segments []types.SlowSegment) error {
	return sendTable(ctx, c, TableSlowSegments, period, segments)
}

func sendTable[T any](ctx context.Context, c *Client, table, period string, records []T) error {
	if len(records) == 0 {
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "loki.send_"+table,
		trace.WithAttributes(
			attribute.String("period", period),
			attribute.Int("records_count", len(records)),
		),
	)
	defer span.End()

	size := c.batchSize
	if size < 1 {
		size = DefaultBatchSize
	}
	labels := map[string]string{
		"job":    jobLabel,
		"table":  table,
		"period": period,
	}

	// Lines keep their order across pushes through strictly increasing timestamps
	base := c.now().UnixNano()
	pushes := 0
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		logValues := make([][]string, 0, end-start)
		for i := start; i < end; i++ {
			line, err := json.Marshal(records[i])
			if err != nil {
				otel.RecordError(span, err, otel.ErrorTypeParse, false)
				return fmt.Errorf("failed to marshal %s record: %w", table, err)
			}
			logValues = append(logValues, []string{
				strconv.FormatInt(base+int64(i), 10),
				string(line),
			})
		}

		lokiReq := PushRequest{Streams: []Stream{{Stream: labels, Values: logValues}}}
		if err := c.push(ctx, span, lokiReq); err != nil {
			return fmt.Errorf("push %d of %s: %w", pushes+1, table, err)
		}
		pushes++
	}

	span.SetAttributes(attribute.Int("pushes_count", pushes))
	otel.SetSpanOk(span)
	return nil
}

func (c *Client) push(ctx context.Context, span trace.Span, lokiReq PushRequest) error {
	reqBody, err := json.Marshal(lokiReq)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeParse, false)
		return fmt.Errorf("failed to marshal Loki request: %w", err)
	}

	url := fmt.Sprintf("%s/loki/api/v1/push", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeHTTP, false)
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	// Add basic authentication if credentials are provided
	if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	span.SetAttributes(
		attribute.Bool("auth.enabled", c.username != "" && c.password != ""),
		attribute.String("http.url", url),
		attribute.Int("request.size_bytes", len(reqBody)),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		otel.RecordError(span, err, otel.ErrorTypeNetwork, true)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("Loki returned status %d", resp.StatusCode)
		otel.RecordStatusError(span, err, resp.StatusCode)
		return err
	}
	return nil
}
